// Package dist provides the collectives data-parallel training needs: sum
// reductions, gathers and barriers across a fixed group of ranks. Every rank
// must issue the same collectives in the same order; a mismatch or a lost
// peer fails the call and the job is expected to abort.
package dist

import (
	"context"

	"github.com/pkg/errors"
)

// Group is one rank's view of a process group.
type Group interface {
	Rank() int
	Size() int
	// AllReduceSum returns the sum of v over all ranks.
	AllReduceSum(ctx context.Context, v float64) (float64, error)
	// AllReduceSumVec replaces v with its element-wise sum over all ranks.
	AllReduceSumVec(ctx context.Context, v []float32) error
	// AllGather returns every rank's v, indexed by rank.
	AllGather(ctx context.Context, v float64) ([]float64, error)
	Barrier(ctx context.Context) error
	Close() error
}

const (
	opReduce    = "all_reduce"
	opReduceVec = "all_reduce_vec"
	opGather    = "all_gather"
	opBarrier   = "barrier"
)

// exchangeFunc sends this rank's contribution and returns the contributions
// of all ranks, indexed by rank.
type exchangeFunc func(ctx context.Context, op string, data []float64) ([][]float64, error)

// collectives derives every operation from a single exchange primitive.
// Sums run in rank order so all ranks see bit-identical results.
type collectives struct {
	exchange exchangeFunc
}

func (c collectives) AllReduceSum(ctx context.Context, v float64) (float64, error) {
	all, err := c.exchange(ctx, opReduce, []float64{v})
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, x := range all {
		sum += x[0]
	}
	return sum, nil
}

func (c collectives) AllReduceSumVec(ctx context.Context, v []float32) error {
	data := make([]float64, len(v))
	for i, x := range v {
		data[i] = float64(x)
	}
	all, err := c.exchange(ctx, opReduceVec, data)
	if err != nil {
		return err
	}
	for rank, x := range all {
		if len(x) != len(v) {
			return errors.Errorf("rank %d reduced %d values, expected %d", rank, len(x), len(v))
		}
	}
	for i := range v {
		var sum float64
		for _, x := range all {
			sum += x[i]
		}
		v[i] = float32(sum)
	}
	return nil
}

func (c collectives) AllGather(ctx context.Context, v float64) ([]float64, error) {
	all, err := c.exchange(ctx, opGather, []float64{v})
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(all))
	for i, x := range all {
		out[i] = x[0]
	}
	return out, nil
}

func (c collectives) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, opBarrier, nil)
	return err
}

func mismatch(seq uint64, want, got string) error {
	return errors.Errorf("collective %d: rank issued %s while the group runs %s", seq, got, want)
}
