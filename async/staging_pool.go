package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// StagingBuffer is a reusable float32 buffer that receives normalized
// batches.
type StagingBuffer struct {
	data  []float32
	inUse bool
	id    int
}

// Data returns the first n values of the buffer, growing it if needed.
func (sb *StagingBuffer) Data(n int) []float32 {
	if cap(sb.data) < n {
		sb.data = make([]float32, n)
	}
	return sb.data[:n]
}

// ID returns the unique identifier for debugging
func (sb *StagingBuffer) ID() int {
	return sb.id
}

// StagingBufferPool bounds the number of staging buffers alive at once. A
// buffer handed out by GetBuffer is reused only after ReturnBuffer.
type StagingBufferPool struct {
	buffers    []*StagingBuffer
	available  chan *StagingBuffer
	maxBuffers int
	mutex      sync.Mutex
	nextID     int
	closed     bool
}

// NewStagingBufferPool creates a pool of at most maxBuffers buffers.
func NewStagingBufferPool(maxBuffers int) (*StagingBufferPool, error) {
	if maxBuffers <= 0 {
		return nil, errors.Errorf("maxBuffers must be positive, got %d", maxBuffers)
	}
	return &StagingBufferPool{
		buffers:    make([]*StagingBuffer, 0, maxBuffers),
		available:  make(chan *StagingBuffer, maxBuffers),
		maxBuffers: maxBuffers,
		nextID:     1,
	}, nil
}

// GetBuffer returns a free buffer, creating one while under the limit and
// otherwise blocking until a buffer is returned or ctx is done.
func (sbp *StagingBufferPool) GetBuffer(ctx context.Context) (*StagingBuffer, error) {
	select {
	case buffer := <-sbp.available:
		sbp.mark(buffer, true)
		return buffer, nil
	default:
	}

	sbp.mutex.Lock()
	if sbp.closed {
		sbp.mutex.Unlock()
		return nil, errors.New("staging pool is closed")
	}
	if len(sbp.buffers) < sbp.maxBuffers {
		buffer := &StagingBuffer{id: sbp.nextID, inUse: true}
		sbp.nextID++
		sbp.buffers = append(sbp.buffers, buffer)
		sbp.mutex.Unlock()
		return buffer, nil
	}
	sbp.mutex.Unlock()

	select {
	case buffer := <-sbp.available:
		sbp.mark(buffer, true)
		return buffer, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for a staging buffer")
	}
}

// ReturnBuffer makes buffer available again.
func (sbp *StagingBufferPool) ReturnBuffer(buffer *StagingBuffer) {
	if buffer == nil {
		return
	}
	sbp.mark(buffer, false)

	select {
	case sbp.available <- buffer:
	default:
		// Not one of ours; drop it.
	}
}

func (sbp *StagingBufferPool) mark(buffer *StagingBuffer, inUse bool) {
	sbp.mutex.Lock()
	buffer.inUse = inUse
	sbp.mutex.Unlock()
}

// Stats returns statistics about the staging buffer pool
func (sbp *StagingBufferPool) Stats() StagingPoolStats {
	sbp.mutex.Lock()
	defer sbp.mutex.Unlock()

	inUseCount := 0
	for _, buffer := range sbp.buffers {
		if buffer.inUse {
			inUseCount++
		}
	}

	return StagingPoolStats{
		TotalBuffers:     len(sbp.buffers),
		AvailableBuffers: len(sbp.available),
		InUseBuffers:     inUseCount,
		MaxBuffers:       sbp.maxBuffers,
	}
}

// StagingPoolStats provides statistics about the staging buffer pool
type StagingPoolStats struct {
	TotalBuffers     int
	AvailableBuffers int
	InUseBuffers     int
	MaxBuffers       int
}

// Cleanup drops every buffer. Later GetBuffer calls fail once the pool is
// exhausted.
func (sbp *StagingBufferPool) Cleanup() {
	sbp.mutex.Lock()
	defer sbp.mutex.Unlock()

	sbp.closed = true
	for {
		select {
		case <-sbp.available:
		default:
			sbp.buffers = nil
			return
		}
	}
}
