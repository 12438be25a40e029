package dist

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runRanks drives fn on every rank concurrently.
func runRanks(t *testing.T, groups []Group, fn func(g Group) error) {
	t.Helper()
	var eg errgroup.Group
	for _, g := range groups {
		g := g
		eg.Go(func() error { return fn(g) })
	}
	require.NoError(t, eg.Wait())
}

func localGroups(t *testing.T, n int) []Group {
	t.Helper()
	locals, err := NewLocalGroup(n)
	require.NoError(t, err)
	groups := make([]Group, n)
	for i, g := range locals {
		groups[i] = g
	}
	return groups
}

func checkCollectives(t *testing.T, groups []Group) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	sums := map[int]float64{}
	gathers := map[int][]float64{}
	vecs := map[int][]float32{}

	runRanks(t, groups, func(g Group) error {
		sum, err := g.AllReduceSum(ctx, float64(g.Rank()+1))
		if err != nil {
			return err
		}
		gathered, err := g.AllGather(ctx, float64(10*g.Rank()))
		if err != nil {
			return err
		}
		vec := []float32{1, float32(g.Rank()), 0.5}
		if err := g.AllReduceSumVec(ctx, vec); err != nil {
			return err
		}
		if err := g.Barrier(ctx); err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		sums[g.Rank()] = sum
		gathers[g.Rank()] = gathered
		vecs[g.Rank()] = vec
		return nil
	})

	for r := range groups {
		assert.Equal(t, 6.0, sums[r], "rank %d", r)
		assert.Equal(t, []float64{0, 10, 20}, gathers[r], "rank %d", r)
		assert.Equal(t, []float32{3, 3, 1.5}, vecs[r], "rank %d", r)
	}
}

func TestLocalGroupCollectives(t *testing.T) {
	groups := localGroups(t, 3)
	for i, g := range groups {
		assert.Equal(t, i, g.Rank())
		assert.Equal(t, 3, g.Size())
	}
	checkCollectives(t, groups)
}

func TestLocalGroupSingleRank(t *testing.T) {
	g := localGroups(t, 1)[0]
	sum, err := g.AllReduceSum(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, sum)

	all, err := g.AllGather(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, all)
}

func TestLocalGroupDetectsMismatch(t *testing.T) {
	groups := localGroups(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = groups[0].AllReduceSum(ctx, 1)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = groups[1].AllGather(ctx, 1)
	}()
	wg.Wait()

	// Whoever arrives second sees the mismatch; both calls fail.
	assert.Error(t, errs[0])
	assert.Error(t, errs[1])
}

func TestLocalGroupHonoursContext(t *testing.T) {
	groups := localGroups(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := groups[0].AllReduceSum(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, groups[0].Close())
	_, err = groups[1].AllGather(context.Background(), 1)
	assert.Error(t, err)

	_, err = NewLocalGroup(0)
	assert.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTCPGroupCollectives(t *testing.T) {
	const size = 3
	method := "tcp://" + freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tcp := make([]*TCPGroup, size)
	var eg errgroup.Group
	for r := 0; r < size; r++ {
		r := r
		eg.Go(func() error {
			g, err := JoinTCP(ctx, TCPConfig{InitMethod: method, Rank: r, Size: size, DialRetry: 10 * time.Millisecond}, zap.NewNop())
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			tcp[r] = g
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	groups := make([]Group, size)
	for i, g := range tcp {
		groups[i] = g
		defer g.Close()
	}
	assert.NotNil(t, tcp[0].Addr())
	checkCollectives(t, groups)
}

func TestTCPConfigValidation(t *testing.T) {
	ctx := context.Background()
	_, err := JoinTCP(ctx, TCPConfig{InitMethod: "tcp://127.0.0.1:1", Rank: 2, Size: 2}, zap.NewNop())
	assert.Error(t, err)

	_, err = Address("env://")
	assert.Error(t, err)
	addr, err := Address("tcp://10.0.0.1:23456")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:23456", addr)
}

func TestFrameEncoding(t *testing.T) {
	f := &frame{Seq: 7, Op: opGather, Rank: 2, Values: []float64{1.5, -2, 0}, Counts: []int{1, 2}}
	var got frame
	require.NoError(t, got.unmarshal(f.marshal()))
	assert.Equal(t, *f, got)

	parts, err := got.split()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1.5}, {-2, 0}}, parts)

	got.Counts = []int{4}
	_, err = got.split()
	assert.Error(t, err)
}
