package sampler

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mil/vision/dataset"
)

type fakeSource struct {
	slides []dataset.SlideKey
	bags   map[dataset.SlideKey][]dataset.Bag
	extd   int
}

// newFakeSource creates slides whose i-th slide has counts[i] bags of
// extd+1 distinct indices.
func newFakeSource(extd int, counts ...int) *fakeSource {
	src := &fakeSource{bags: map[dataset.SlideKey][]dataset.Bag{}, extd: extd}
	next := 0
	for i, n := range counts {
		key := dataset.SlideKey{Patient: fmt.Sprintf("p%d", i), Slide: "s"}
		src.slides = append(src.slides, key)
		for b := 0; b < n; b++ {
			bag := make(dataset.Bag, extd+1)
			for j := range bag {
				bag[j] = next
				next++
			}
			src.bags[key] = append(src.bags[key], bag)
		}
	}
	return src
}

func (f *fakeSource) Slides() []dataset.SlideKey              { return f.slides }
func (f *fakeSource) Bags(key dataset.SlideKey) []dataset.Bag { return f.bags[key] }
func (f *fakeSource) SlideLabel(key dataset.SlideKey) int     { return len(key.Patient) % 2 }
func (f *fakeSource) Extd() int                               { return f.extd }

func bagSet(indices []int, extd int) map[int]int {
	counts := map[int]int{}
	for i := 0; i < len(indices); i += extd + 1 {
		counts[indices[i]]++
	}
	return counts
}

func TestTrainSamplerLengths(t *testing.T) {
	src := newFakeSource(2, 10, 3, 4)
	s, err := NewTrainSampler(src, 4, "run_1", 0, 1)
	require.NoError(t, err)
	s.SetEpoch(1)

	batches, err := s.Iterate()
	require.NoError(t, err)
	require.Len(t, batches, 3)

	for _, b := range batches {
		assert.Len(t, b.Indices, 4*3)
		assert.Equal(t, 4, b.Bags(2))

		original := src.Bags(b.Slide)
		counts := bagSet(b.Indices, 2)
		if len(original) <= 4 {
			for _, bag := range original {
				assert.GreaterOrEqual(t, counts[bag[0]], 1, "every original bag survives padding")
			}
		} else {
			assert.Len(t, counts, 4, "subsampling draws without replacement")
		}
	}
}

func TestTrainSamplerPermutationDeterminism(t *testing.T) {
	src := newFakeSource(0, make([]int, 20)...)
	a, err := NewTrainSampler(src, 1, "model_3", 0, 1)
	require.NoError(t, err)
	b, err := NewTrainSampler(src, 1, "model_3", 0, 1)
	require.NoError(t, err)

	a.SetEpoch(4)
	b.SetEpoch(4)
	assert.Equal(t, a.Permutation(), b.Permutation())

	first := a.Permutation()
	a.SetEpoch(5)
	assert.NotEqual(t, first, a.Permutation())
}

func TestTrainSamplerPaddingIsReproducible(t *testing.T) {
	src := newFakeSource(1, 3)
	s, err := NewTrainSampler(src, 7, "x", 0, 1)
	require.NoError(t, err)

	first, err := s.Iterate()
	require.NoError(t, err)
	second, err := s.Iterate()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTrainSamplerShardsAreDisjoint(t *testing.T) {
	src := newFakeSource(0, make([]int, 11)...)
	var all []int
	for rank := 0; rank < 3; rank++ {
		s, err := NewTrainSampler(src, 1, "seed", rank, 3)
		require.NoError(t, err)
		s.SetEpoch(2)
		assert.Equal(t, 3, s.Len())

		perm := s.Permutation()
		assert.Len(t, perm, 3)
		all = append(all, perm...)
	}
	sort.Ints(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, all, "the permutation covers n - n%world slides")
}

func TestTrainSamplerSubsampleUsesClock(t *testing.T) {
	src := newFakeSource(0, 50)
	s, err := NewTrainSampler(src, 5, "seed", 0, 1)
	require.NoError(t, err)

	s.clock = func() int64 { return 1 }
	first, err := s.Iterate()
	require.NoError(t, err)
	s.clock = func() int64 { return 2 }
	second, err := s.Iterate()
	require.NoError(t, err)
	assert.NotEqual(t, first[0].Indices, second[0].Indices)
}

func TestSamplerValidation(t *testing.T) {
	src := newFakeSource(0, 1)
	_, err := NewTrainSampler(src, 0, "s", 0, 1)
	assert.Error(t, err)
	_, err = NewTrainSampler(src, 1, "s", 2, 2)
	assert.Error(t, err)
	_, err = NewEvalSampler(src, 0, 0, 1)
	assert.Error(t, err)
	_, err = NewEvalSampler(src, 1, 0, 0)
	assert.Error(t, err)
}

func TestEvalSamplerLimit(t *testing.T) {
	src := newFakeSource(1, 3, 80)
	s, err := NewEvalSampler(src, 50, 0, 1)
	require.NoError(t, err)

	batches, err := s.Iterate()
	require.NoError(t, err)
	require.Len(t, batches, 2)

	// Under the limit: all bags, in order.
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, batches[0].Indices)

	// Over the limit: exactly limit distinct bags, identical across calls.
	assert.Len(t, batches[1].Indices, 50*2)
	assert.Len(t, bagSet(batches[1].Indices, 1), 50)

	again, err := s.Iterate()
	require.NoError(t, err)
	assert.Equal(t, batches[1].Indices, again[1].Indices)
}

func TestEvalSamplerSharding(t *testing.T) {
	src := newFakeSource(0, 1, 1, 1, 1, 1)
	seen := map[dataset.SlideKey]bool{}
	for rank := 0; rank < 2; rank++ {
		s, err := NewEvalSampler(src, 10, rank, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, s.Len())
		batches, err := s.Iterate()
		require.NoError(t, err)
		assert.Len(t, batches, 2)
		for _, b := range batches {
			seen[b.Slide] = true
		}
	}
	assert.Len(t, seen, 4)
	assert.False(t, seen[src.slides[0]], "the leading n%world slides are dropped")
}
