// Package dataset discovers whole-slide patch collections on disk and
// groups each slide's patches into bags of spatial neighbours.
package dataset

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Config controls slide discovery and bag construction.
type Config struct {
	Root       string
	Mag        string
	Extd       int
	MinPatches int
	// Candidates is passed to BagBuilder; zero keeps exactly Extd+1.
	Candidates int
}

// SlideDataset owns a flat patch index space. The patches of one slide are
// contiguous: its target patches first, then its (possibly over-sampled)
// coarse patches.
type SlideDataset struct {
	cfg     Config
	slides  []SlideKey
	patches []string
	labels  []int
	bags    map[SlideKey][]Bag
	slideLb map[SlideKey]int
}

// New discovers the slides of the given patients and builds their bags.
func New(fs afero.Fs, cfg Config, patients []string, labels Labels) (*SlideDataset, error) {
	if cfg.Extd < 0 {
		return nil, errors.Errorf("extd must not be negative, got %d", cfg.Extd)
	}
	if cfg.MinPatches < 1 {
		cfg.MinPatches = 1
	}

	slides, err := DiscoverSlides(fs, cfg.Root, patients, cfg.Mag, cfg.MinPatches)
	if err != nil {
		return nil, err
	}

	d := &SlideDataset{
		cfg:     cfg,
		bags:    make(map[SlideKey][]Bag, len(slides)),
		slideLb: make(map[SlideKey]int, len(slides)),
	}
	builder := BagBuilder{Extd: cfg.Extd, Candidates: cfg.Candidates}

	for _, s := range slides {
		label, err := labels.Label(s.Key.Patient)
		if err != nil {
			return nil, err
		}
		if len(s.Coarse) == 0 {
			return nil, errors.Errorf("slide %s has no coarse patches", s.Key)
		}

		coarse := s.Coarse
		if len(coarse) < cfg.Extd+1 {
			if coarse, err = Resample(coarse, cfg.Extd+1); err != nil {
				return nil, err
			}
		}

		targetLocs, err := locations(s.Target)
		if err != nil {
			return nil, err
		}
		coarseLocs, err := locations(coarse)
		if err != nil {
			return nil, err
		}

		targetBase := len(d.patches)
		d.appendPatches(s.Target, label)
		coarseBase := len(d.patches)
		d.appendPatches(coarse, label)

		bags, err := builder.Build(targetLocs, coarseLocs, targetBase, coarseBase)
		if err != nil {
			return nil, errors.Wrapf(err, "build bags of slide %s", s.Key)
		}
		d.slides = append(d.slides, s.Key)
		d.bags[s.Key] = bags
		d.slideLb[s.Key] = label
	}
	return d, nil
}

func (d *SlideDataset) appendPatches(files []string, label int) {
	d.patches = append(d.patches, files...)
	for range files {
		d.labels = append(d.labels, label)
	}
}

func locations(files []string) ([][]float64, error) {
	locs := make([][]float64, len(files))
	for i, f := range files {
		loc, err := Location(f)
		if err != nil {
			return nil, err
		}
		locs[i] = loc
	}
	return locs, nil
}

// Len returns the number of patches.
func (d *SlideDataset) Len() int {
	return len(d.patches)
}

// GetItem returns the patch path and label at the given index.
func (d *SlideDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.patches) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.patches))
	}
	return d.patches[index], d.labels[index], nil
}

// Extd returns the neighbour count; bags hold Extd+1 patches.
func (d *SlideDataset) Extd() int {
	return d.cfg.Extd
}

// Slides returns the slide keys in discovery order.
func (d *SlideDataset) Slides() []SlideKey {
	return d.slides
}

// Bags returns the bags of a slide.
func (d *SlideDataset) Bags(key SlideKey) []Bag {
	return d.bags[key]
}

// SlideLabel returns the label shared by every patch of a slide.
func (d *SlideDataset) SlideLabel(key SlideKey) int {
	return d.slideLb[key]
}

// String summarizes the dataset.
func (d *SlideDataset) String() string {
	var sb strings.Builder
	pos := 0
	for _, k := range d.slides {
		pos += d.slideLb[k]
	}
	sb.WriteString(fmt.Sprintf("SlideDataset: %d slides (%d positive), %d patches\n", len(d.slides), pos, len(d.patches)))
	return sb.String()
}
