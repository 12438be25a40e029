// Package dataloader reads the patches of sampled slides from disk and
// assembles them into host batches for the prefetcher.
package dataloader

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-mil/async"
	"github.com/tsawler/go-mil/sampler"
	"github.com/tsawler/go-mil/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Config holds configuration for SlideLoader
type Config struct {
	Image        preprocessing.Config
	MaxCacheSize int           // Maximum number of decoded patches to cache
	NumWorkers   int           // Number of parallel workers for preprocessing
	CacheManager *CacheManager // Optional shared cache manager
}

// SlideLoader turns sampler batches into host batches, one slide per
// batch. It implements async.Loader.
type SlideLoader struct {
	fs       afero.Fs
	dataset  Dataset
	batches  []sampler.Batch
	position int
	mu       sync.Mutex

	// One processor per worker; processors carry their own random state.
	processors []*preprocessing.ImageProcessor

	// Cache manager - can be shared between loaders
	cacheManager *CacheManager
}

// NewSlideLoader creates a loader over batches. A zero training seed is
// replaced by the wall clock, so augmentations differ between runs.
func NewSlideLoader(fs afero.Fs, dataset Dataset, batches []sampler.Batch, config Config) (*SlideLoader, error) {
	if dataset == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000 // Default cache size
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Image.Train && config.Image.Seed == 0 {
		config.Image.Seed = time.Now().UnixNano()
	}

	processors := make([]*preprocessing.ImageProcessor, config.NumWorkers)
	for w := range processors {
		imgCfg := config.Image
		imgCfg.Seed += int64(w)
		p, err := preprocessing.NewImageProcessor(imgCfg)
		if err != nil {
			return nil, err
		}
		processors[w] = p
	}

	// Use provided cache manager or create a new one
	cacheManager := config.CacheManager
	if cacheManager == nil {
		var err error
		if cacheManager, err = NewCacheManager(config.MaxCacheSize); err != nil {
			return nil, err
		}
	}

	return &SlideLoader{
		fs:           fs,
		dataset:      dataset,
		batches:      batches,
		processors:   processors,
		cacheManager: cacheManager,
	}, nil
}

// Reset starts over with a new epoch's batches.
func (dl *SlideLoader) Reset(batches []sampler.Batch) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.batches = batches
	dl.position = 0
}

// Next loads the next slide. It returns nil, nil once every batch was
// served. A patch that cannot be read aborts the batch.
func (dl *SlideLoader) Next(ctx context.Context) (*async.HostBatch, error) {
	dl.mu.Lock()
	if dl.position >= len(dl.batches) {
		dl.mu.Unlock()
		return nil, nil
	}
	batch := dl.batches[dl.position]
	dl.position++
	dl.mu.Unlock()

	if len(batch.Indices) == 0 {
		return nil, errors.Errorf("slide %s has no patches", batch.Slide)
	}

	size := dl.processors[0].InputSize()
	pixelsPerImage := dl.processors[0].PixelsPerImage()
	pixels := make([]uint8, len(batch.Indices)*pixelsPerImage)

	workers := len(dl.processors)
	if workers > len(batch.Indices) {
		workers = len(batch.Indices)
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			proc := dl.processors[w]
			for i := w; i < len(batch.Indices); i += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				dst := pixels[i*pixelsPerImage : (i+1)*pixelsPerImage]
				if err := dl.loadPatch(proc, batch.Indices[i], dst); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrapf(err, "load slide %s", batch.Slide)
	}

	return &async.HostBatch{
		Pixels: pixels,
		Shape:  []int{len(batch.Indices), preprocessing.Channels, size, size},
		Label:  float32(batch.Label),
		Slide:  batch.Slide.String(),
	}, nil
}

func (dl *SlideLoader) loadPatch(proc *preprocessing.ImageProcessor, index int, dst []uint8) error {
	path, _, err := dl.dataset.GetItem(index)
	if err != nil {
		return err
	}
	img, err := dl.loadImageWithCache(path)
	if err != nil {
		return err
	}
	return proc.Process(img, dst)
}

// loadImageWithCache loads an image with caching support
func (dl *SlideLoader) loadImageWithCache(imagePath string) (*image.RGBA, error) {
	// Check cache first
	if cached, exists := dl.cacheManager.Get(imagePath); exists {
		return cached, nil
	}

	file, err := dl.fs.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open patch %s", imagePath)
	}
	defer file.Close()

	img, err := preprocessing.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "decode patch %s", imagePath)
	}

	dl.cacheManager.Put(imagePath, img)
	return img, nil
}

// EpochCacheStats returns the cache statistics gathered since the previous
// call and starts counting anew. With a shared cache the counts include
// every loader using it.
func (dl *SlideLoader) EpochCacheStats() CacheStats {
	stats := dl.cacheManager.Stats()
	dl.cacheManager.ResetStats()
	return stats
}

// Progress returns the current progress through the epoch
func (dl *SlideLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.batches)
}
