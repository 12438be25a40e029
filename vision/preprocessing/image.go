// Package preprocessing decodes patch images and applies the train and eval
// transforms, producing CHW uint8 pixels.
package preprocessing

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Channels is the number of color channels of a processed patch.
const Channels = 3

// Config describes the patch transform.
type Config struct {
	CropSize  int  // side of the crop taken from the source patch
	InputSize int  // side of the output patch
	Train     bool // random crops, flip, channel shuffle and color jitter instead of a center crop
	Seed      int64
	// Augment overrides DefaultAugment on the train path.
	Augment *Augment
}

// ImageProcessor turns decoded patches into network input with buffer reuse.
// It is safe for concurrent use; callers wanting parallelism create one per
// worker.
type ImageProcessor struct {
	mu              sync.Mutex
	cfg             Config
	augment         Augment
	rng             *rand.Rand
	tempImageBuffer *image.RGBA
}

// NewImageProcessor creates a processor for cfg.
func NewImageProcessor(cfg Config) (*ImageProcessor, error) {
	if cfg.InputSize <= 0 {
		return nil, errors.Errorf("input size must be positive, got %d", cfg.InputSize)
	}
	if cfg.CropSize < 0 {
		return nil, errors.Errorf("crop size must not be negative, got %d", cfg.CropSize)
	}
	augment := DefaultAugment()
	if cfg.Augment != nil {
		augment = *cfg.Augment
	}
	if err := augment.validate(); err != nil {
		return nil, err
	}
	return &ImageProcessor{
		cfg:             cfg,
		augment:         augment,
		rng:             rand.New(rand.NewSource(cfg.Seed)),
		tempImageBuffer: image.NewRGBA(image.Rect(0, 0, cfg.InputSize, cfg.InputSize)),
	}, nil
}

// PixelsPerImage is the length of one processed patch.
func (p *ImageProcessor) PixelsPerImage() int {
	return Channels * p.cfg.InputSize * p.cfg.InputSize
}

// InputSize returns the output side length.
func (p *ImageProcessor) InputSize() int {
	return p.cfg.InputSize
}

// Decode reads a PNG or JPEG patch into an RGBA image.
func Decode(r io.Reader) (*image.RGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

// Process transforms img and writes CHW pixels into dst, which must hold
// PixelsPerImage values.
func (p *ImageProcessor) Process(img *image.RGBA, dst []uint8) error {
	if len(dst) != p.PixelsPerImage() {
		return errors.Errorf("destination holds %d values, need %d", len(dst), p.PixelsPerImage())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	crop := p.cropRect(img.Bounds())
	if p.cfg.Train {
		crop = p.augment.resizedCrop(p.rng, crop)
	}
	out := p.tempImageBuffer
	draw.BiLinear.Scale(out, out.Bounds(), img, crop, draw.Src, nil)

	perm := []int{0, 1, 2}
	flip := false
	if p.cfg.Train {
		flip = p.rng.Intn(2) == 1
		p.rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	}

	size := p.cfg.InputSize
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx := x
			if flip {
				sx = size - 1 - x
			}
			off := out.PixOffset(sx, y)
			idx := y*size + x
			for c := 0; c < Channels; c++ {
				dst[c*plane+idx] = out.Pix[off+perm[c]]
			}
		}
	}
	if p.cfg.Train {
		p.augment.jitter(p.rng, dst, plane)
	}
	return nil
}

// cropRect picks a random crop for training and a center crop otherwise.
// A crop larger than the image is clamped to it.
func (p *ImageProcessor) cropRect(b image.Rectangle) image.Rectangle {
	w, h := p.cfg.CropSize, p.cfg.CropSize
	if w == 0 || w > b.Dx() {
		w = b.Dx()
	}
	if h == 0 || h > b.Dy() {
		h = b.Dy()
	}

	var x0, y0 int
	if p.cfg.Train {
		x0 = p.rng.Intn(b.Dx() - w + 1)
		y0 = p.rng.Intn(b.Dy() - h + 1)
	} else {
		x0 = (b.Dx() - w) / 2
		y0 = (b.Dy() - h) / 2
	}
	min := b.Min.Add(image.Pt(x0, y0))
	return image.Rectangle{Min: min, Max: min.Add(image.Pt(w, h))}
}
