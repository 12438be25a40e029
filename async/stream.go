// Package async overlaps batch preparation with training. A Stream runs
// transfers in submission order on its own goroutine; each submission
// returns a Pending handle the consumer must Wait on before using the
// batch and Release once done with it.
package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Pending is an in-flight transfer.
type Pending struct {
	done     chan struct{}
	batch    *Batch
	err      error
	release  func(*Batch)
	released sync.Once
}

// Wait blocks until the transfer finished and returns its batch. A nil
// batch with a nil error means the source is exhausted.
func (p *Pending) Wait(ctx context.Context) (*Batch, error) {
	select {
	case <-p.done:
		return p.batch, p.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "waiting for transfer")
	}
}

// Ready reports whether the transfer finished.
func (p *Pending) Ready() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Release hands the batch buffer back once the consumer no longer reads
// it. It waits for the transfer to finish and is safe to call twice.
func (p *Pending) Release() {
	p.released.Do(func() {
		<-p.done
		if p.batch != nil && p.release != nil {
			p.release(p.batch)
		}
	})
}

type task struct {
	fn      func() (*Batch, error)
	pending *Pending
}

// Stream is an ordered execution queue backed by one goroutine.
type Stream struct {
	tasks  chan task
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewStream starts a stream that queues up to depth submissions.
func NewStream(depth int) *Stream {
	if depth < 1 {
		depth = 1
	}
	s := &Stream{tasks: make(chan task, depth)}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Stream) run() {
	defer s.wg.Done()
	for t := range s.tasks {
		t.pending.batch, t.pending.err = t.fn()
		close(t.pending.done)
	}
}

// Submit queues fn. release, if set, is called with the batch on
// Pending.Release.
func (s *Stream) Submit(fn func() (*Batch, error), release func(*Batch)) *Pending {
	p := &Pending{done: make(chan struct{}), release: release}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		p.err = errors.New("stream is closed")
		close(p.done)
		return p
	}
	s.tasks <- task{fn: fn, pending: p}
	return p
}

// Close waits for queued work to finish and stops the stream.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.tasks)
	s.mu.Unlock()
	s.wg.Wait()
}
