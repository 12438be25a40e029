package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type round struct {
	op      string
	inputs  [][]float64
	arrived int
	done    chan struct{}
	err     error
}

type localHub struct {
	mu     sync.Mutex
	size   int
	rounds map[uint64]*round
	closed bool
}

// LocalGroup is a rank of an in-process group. Ranks are typically driven
// by one goroutine each.
type LocalGroup struct {
	collectives
	hub  *localHub
	rank int
	seq  uint64
}

// NewLocalGroup creates size connected ranks.
func NewLocalGroup(size int) ([]*LocalGroup, error) {
	if size < 1 {
		return nil, errors.Errorf("group size must be positive, got %d", size)
	}
	hub := &localHub{size: size, rounds: make(map[uint64]*round)}
	groups := make([]*LocalGroup, size)
	for r := range groups {
		g := &LocalGroup{hub: hub, rank: r}
		g.collectives = collectives{exchange: g.exchange}
		groups[r] = g
	}
	return groups, nil
}

func (g *LocalGroup) Rank() int { return g.rank }

func (g *LocalGroup) Size() int { return g.hub.size }

// Close shuts the whole group down; pending and later collectives fail.
func (g *LocalGroup) Close() error {
	h := g.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, r := range h.rounds {
		r.fail(errors.New("group closed"))
	}
	return nil
}

func (r *round) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (g *LocalGroup) exchange(ctx context.Context, op string, data []float64) ([][]float64, error) {
	h := g.hub
	seq := g.seq
	g.seq++

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("group closed")
	}
	r, ok := h.rounds[seq]
	if !ok {
		r = &round{op: op, inputs: make([][]float64, h.size), done: make(chan struct{})}
		h.rounds[seq] = r
	}
	if r.op != op {
		r.fail(mismatch(seq, r.op, op))
	}
	r.inputs[g.rank] = append([]float64(nil), data...)
	r.arrived++
	if r.arrived == h.size {
		delete(h.rounds, seq)
		r.fail(nil)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "rank %d waiting on %s", g.rank, op)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.inputs, nil
}
