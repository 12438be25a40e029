// Package sampler shards slides across distributed workers and turns each
// slide into one flat batch of patch indices.
package sampler

import (
	"math/rand"
	"time"

	"github.com/dgryski/go-spooky"
	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/vision/dataset"
)

// evalSeed fixes the evaluation subsample so every run scores the same bags.
const evalSeed = 666

// Source is the slide view a sampler draws from.
type Source interface {
	Slides() []dataset.SlideKey
	Bags(key dataset.SlideKey) []dataset.Bag
	SlideLabel(key dataset.SlideKey) int
	Extd() int
}

// Batch is one slide worth of patches: its bags flattened in order.
type Batch struct {
	Slide   dataset.SlideKey
	Label   int
	Indices []int
}

// Bags returns the number of bags in the batch.
func (b Batch) Bags(extd int) int {
	return len(b.Indices) / (extd + 1)
}

func flatten(bags []dataset.Bag) []int {
	var out []int
	for _, b := range bags {
		out = append(out, b...)
	}
	return out
}

func validateShard(rank, world int) error {
	if world < 1 {
		return errors.Errorf("world size must be positive, got %d", world)
	}
	if rank < 0 || rank >= world {
		return errors.Errorf("rank %d out of range [0, %d)", rank, world)
	}
	return nil
}

func wallClock() int64 {
	return time.Now().UnixNano()
}

// TrainSampler yields padding bags per slide. The slide order is a seeded
// permutation of (run seed, epoch) shared by all ranks; each rank takes
// every world-th slide of it. Slides with too few bags are over-sampled
// reproducibly, slides with too many are subsampled from the wall clock.
type TrainSampler struct {
	src     Source
	padding int
	seed    uint64
	rank    int
	world   int
	epoch   int
	clock   func() int64
}

// NewTrainSampler creates a train sampler. runSeed is hashed with a stable
// hash so every process derives the same permutation seed.
func NewTrainSampler(src Source, padding int, runSeed string, rank, world int) (*TrainSampler, error) {
	if padding < 1 {
		return nil, errors.Errorf("padding must be positive, got %d", padding)
	}
	if err := validateShard(rank, world); err != nil {
		return nil, err
	}
	return &TrainSampler{
		src:     src,
		padding: padding,
		seed:    spooky.Hash64([]byte(runSeed)),
		rank:    rank,
		world:   world,
		clock:   wallClock,
	}, nil
}

// SetEpoch selects the permutation used by the next Iterate call.
func (s *TrainSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Len returns how many slides each rank receives per epoch.
func (s *TrainSampler) Len() int {
	return len(s.src.Slides()) / s.world
}

// Permutation returns this rank's slide indices for the current epoch.
func (s *TrainSampler) Permutation() []int {
	n := len(s.src.Slides())
	rng := rand.New(rand.NewSource(int64(s.seed + uint64(s.epoch))))
	perm := rng.Perm(n - n%s.world)

	mine := make([]int, 0, len(perm)/s.world)
	for i := s.rank; i < len(perm); i += s.world {
		mine = append(mine, perm[i])
	}
	return mine
}

// Iterate returns this rank's batches for the current epoch, each holding
// exactly padding*(extd+1) indices.
func (s *TrainSampler) Iterate() ([]Batch, error) {
	slides := s.src.Slides()
	perm := s.Permutation()
	batches := make([]Batch, 0, len(perm))
	for _, i := range perm {
		key := slides[i]
		bags, err := s.pad(s.src.Bags(key))
		if err != nil {
			return nil, errors.Wrapf(err, "slide %s", key)
		}
		batches = append(batches, Batch{Slide: key, Label: s.src.SlideLabel(key), Indices: flatten(bags)})
	}
	return batches, nil
}

func (s *TrainSampler) pad(bags []dataset.Bag) ([]dataset.Bag, error) {
	if len(bags) <= s.padding {
		return dataset.Resample(bags, s.padding)
	}
	rng := rand.New(rand.NewSource(s.clock()))
	out := make([]dataset.Bag, s.padding)
	for i, j := range rng.Perm(len(bags))[:s.padding] {
		out[i] = bags[j]
	}
	return out, nil
}

// EvalSampler shards slides by rank without shuffling and caps the number
// of bags per slide with a fixed-seed draw that owns its generator, so no
// other sampling is affected. Batches vary in size.
type EvalSampler struct {
	src   Source
	limit int
	rank  int
	world int
	epoch int
}

// NewEvalSampler creates an evaluation sampler.
func NewEvalSampler(src Source, limit, rank, world int) (*EvalSampler, error) {
	if limit < 1 {
		return nil, errors.Errorf("limit must be positive, got %d", limit)
	}
	if err := validateShard(rank, world); err != nil {
		return nil, err
	}
	return &EvalSampler{
		src:   src,
		limit: limit,
		rank:  rank,
		world: world,
	}, nil
}

// SetEpoch records the epoch; the evaluation order does not depend on it.
func (s *EvalSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Len returns how many slides each rank receives.
func (s *EvalSampler) Len() int {
	return len(s.src.Slides()) / s.world
}

// Iterate returns this rank's batches. The first n%world slides are left
// out so every rank sees the same count.
func (s *EvalSampler) Iterate() ([]Batch, error) {
	slides := s.src.Slides()
	slides = slides[len(slides)%s.world:]

	var batches []Batch
	for i := s.rank; i < len(slides); i += s.world {
		key := slides[i]
		batches = append(batches, Batch{
			Slide:   key,
			Label:   s.src.SlideLabel(key),
			Indices: flatten(s.limitBags(s.src.Bags(key))),
		})
	}
	return batches, nil
}

func (s *EvalSampler) limitBags(bags []dataset.Bag) []dataset.Bag {
	if len(bags) <= s.limit {
		return bags
	}
	fixed := rand.New(rand.NewSource(evalSeed))
	out := make([]dataset.Bag, s.limit)
	for i, j := range fixed.Perm(len(bags))[:s.limit] {
		out[i] = bags[j]
	}
	return out
}
