package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceLoader serves fixed batches of 2x3x1x1 pixels.
type sliceLoader struct {
	mu      sync.Mutex
	batches []*HostBatch
	err     error
}

func (l *sliceLoader) Next(ctx context.Context) (*HostBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if len(l.batches) == 0 {
		return nil, nil
	}
	b := l.batches[0]
	l.batches = l.batches[1:]
	return b, nil
}

func hostBatch(label float32, value uint8) *HostBatch {
	pixels := make([]uint8, 6)
	for i := range pixels {
		pixels[i] = value
	}
	return &HostBatch{Pixels: pixels, Shape: []int{2, 3, 1, 1}, Label: label}
}

func TestStreamRunsInOrder(t *testing.T) {
	s := NewStream(4)
	defer s.Close()

	var mu sync.Mutex
	var order []int
	var pending []*Pending
	for i := 0; i < 5; i++ {
		i := i
		pending = append(pending, s.Submit(func() (*Batch, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return &Batch{ID: uint64(i)}, nil
		}, nil))
	}

	for i, p := range pending {
		b, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(i), b.ID)
		assert.True(t, p.Ready())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPendingWaitHonoursContext(t *testing.T) {
	s := NewStream(1)
	block := make(chan struct{})
	p := s.Submit(func() (*Batch, error) {
		<-block
		return nil, nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.Error(t, err)
	assert.False(t, p.Ready())

	close(block)
	s.Close()
	assert.True(t, p.Ready())
}

func TestReleaseRunsOnce(t *testing.T) {
	s := NewStream(1)
	defer s.Close()

	calls := 0
	p := s.Submit(func() (*Batch, error) { return &Batch{}, nil }, func(*Batch) { calls++ })
	p.Release()
	p.Release()
	assert.Equal(t, 1, calls)
}

func TestSubmitAfterClose(t *testing.T) {
	s := NewStream(1)
	s.Close()
	s.Close()
	_, err := s.Submit(func() (*Batch, error) { return nil, nil }, nil).Wait(context.Background())
	assert.Error(t, err)
}

func TestStagingPoolBoundsBuffers(t *testing.T) {
	pool, err := NewStagingBufferPool(2)
	require.NoError(t, err)

	ctx := context.Background()
	a, err := pool.GetBuffer(ctx)
	require.NoError(t, err)
	b, err := pool.GetBuffer(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, pool.Stats().InUseBuffers)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = pool.GetBuffer(short)
	assert.Error(t, err, "the pool is exhausted until a buffer is returned")

	pool.ReturnBuffer(a)
	c, err := pool.GetBuffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), c.ID())

	assert.Len(t, c.Data(10), 10)
	assert.Len(t, c.Data(4), 4)

	pool.Cleanup()
	stats := pool.Stats()
	assert.Equal(t, 0, stats.TotalBuffers)

	_, err = NewStagingBufferPool(0)
	require.Error(t, err)
	assert.Contains(t, fmt.Sprintf("%+v", err), "async.NewStagingBufferPool", "errors carry a stack trace")
}

func TestProfileNormalize(t *testing.T) {
	src := []uint8{
		165, 165, // channel 0
		128, 128, // channel 1
		156, 156, // channel 2
	}
	dst := make([]float32, len(src))
	ProfileDefault.Normalize(dst, src, 3, 2)

	assert.InDelta(t, (165-165.65)/27.72, dst[0], 1e-6)
	assert.InDelta(t, (128-100.58)/28.29, dst[2], 1e-6)
	assert.InDelta(t, (156-156.62)/19.74, dst[5], 1e-6)

	p, err := ProfileByName("alternate")
	require.NoError(t, err)
	assert.Equal(t, ProfileAlternate, p)
	_, err = ProfileByName("other")
	assert.Error(t, err)
}

func TestPrefetcherYieldsBatchesThenNil(t *testing.T) {
	loader := &sliceLoader{batches: []*HostBatch{hostBatch(1, 10), hostBatch(0, 20), hostBatch(1, 30)}}
	ctx := context.Background()

	p, err := NewPrefetcher(ctx, loader, PrefetcherConfig{MaxBuffers: 2})
	require.NoError(t, err)
	defer p.Close()

	var labels []float32
	for {
		batch, handle, err := p.Next(ctx)
		require.NoError(t, err)
		if batch == nil {
			break
		}
		assert.Equal(t, []int{2, 3, 1, 1}, batch.Input.Shape)
		labels = append(labels, batch.Label)
		handle.Release()
	}
	assert.Equal(t, []float32{1, 0, 1}, labels)
	assert.LessOrEqual(t, p.Stats().TotalBuffers, 2)

	// Exhaustion is sticky.
	batch, _, err := p.Next(ctx)
	assert.NoError(t, err)
	assert.Nil(t, batch)
}

func TestPrefetcherNormalizes(t *testing.T) {
	loader := &sliceLoader{batches: []*HostBatch{hostBatch(1, 200)}}
	ctx := context.Background()

	p, err := NewPrefetcher(ctx, loader, PrefetcherConfig{Profile: ProfileAlternate})
	require.NoError(t, err)
	defer p.Close()

	batch, handle, err := p.Next(ctx)
	require.NoError(t, err)
	defer handle.Release()
	// [2, 3, 1, 1]: index 2 is patch 0 channel 2.
	assert.InDelta(t, (200-168.53)/19.66, batch.Input.Data[2], 1e-5)
	assert.InDelta(t, (200-179.39)/25.39, batch.Input.Data[3], 1e-5)
}

func TestPrefetcherSurfacesLoaderErrors(t *testing.T) {
	loader := &sliceLoader{err: errors.New("disk on fire")}
	ctx := context.Background()

	p, err := NewPrefetcher(ctx, loader, PrefetcherConfig{})
	require.NoError(t, err)
	defer p.Close()

	_, _, err = p.Next(ctx)
	assert.ErrorContains(t, err, "disk on fire")

	_, err = NewPrefetcher(ctx, nil, PrefetcherConfig{})
	assert.Error(t, err)
	_, err = NewPrefetcher(ctx, loader, PrefetcherConfig{MaxBuffers: 1})
	assert.Error(t, err)
}

func TestPrefetcherRejectsBadShapes(t *testing.T) {
	bad := &HostBatch{Pixels: make([]uint8, 4), Shape: []int{1, 1, 2, 2}}
	ctx := context.Background()
	p, err := NewPrefetcher(ctx, &sliceLoader{batches: []*HostBatch{bad}}, PrefetcherConfig{})
	require.NoError(t, err)
	defer p.Close()

	_, _, err = p.Next(ctx)
	assert.Error(t, err)
}
