package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/tensor"
)

// HostBatch is one slide batch as decoded on the host: N patches of CHW
// uint8 pixels.
type HostBatch struct {
	Pixels []uint8
	Shape  []int // [N, C, H, W]
	Label  float32
	Slide  string
}

// Loader produces host batches. Next returns nil, nil once exhausted.
type Loader interface {
	Next(ctx context.Context) (*HostBatch, error)
}

// Batch is a normalized batch ready for the model.
type Batch struct {
	Input *tensor.Tensor // [N, C, H, W] float32
	Label float32
	Slide string
	ID    uint64

	buffer *StagingBuffer
}

// Profile holds per-channel normalization constants on the 0..255 scale.
type Profile struct {
	Name string
	Mean [3]float32
	Std  [3]float32
}

var (
	// ProfileDefault is the stain profile used for training and validation.
	ProfileDefault = Profile{
		Name: "default",
		Mean: [3]float32{165.65, 100.58, 156.62},
		Std:  [3]float32{27.72, 28.29, 19.74},
	}
	// ProfileAlternate is the stain profile of the second test cohort.
	ProfileAlternate = Profile{
		Name: "alternate",
		Mean: [3]float32{179.39, 105.45, 168.53},
		Std:  [3]float32{25.39, 31.86, 19.66},
	}
)

// ProfileByName resolves "default" or "alternate".
func ProfileByName(name string) (Profile, error) {
	switch name {
	case "", ProfileDefault.Name:
		return ProfileDefault, nil
	case ProfileAlternate.Name:
		return ProfileAlternate, nil
	}
	return Profile{}, errors.Errorf("unknown normalization profile %q", name)
}

// Normalize converts CHW uint8 pixels to float32 and applies
// (x-mean)/std per channel. dst must be as long as src.
func (p Profile) Normalize(dst []float32, src []uint8, channels, plane int) {
	for i, v := range src {
		c := (i / plane) % channels
		dst[i] = (float32(v) - p.Mean[c]) / p.Std[c]
	}
}

// PrefetcherConfig holds configuration for the prefetcher
type PrefetcherConfig struct {
	Profile    Profile
	MaxBuffers int // staging buffers alive at once (default: 3)
}

// Prefetcher keeps one batch in flight on a copy stream while the caller
// trains on the previous one.
type Prefetcher struct {
	loader  Loader
	profile Profile
	stream  *Stream
	pool    *StagingBufferPool
	next    *Pending

	mutex        sync.Mutex
	batchCounter uint64
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewPrefetcher starts the copy stream and preloads the first batch.
func NewPrefetcher(ctx context.Context, loader Loader, config PrefetcherConfig) (*Prefetcher, error) {
	if loader == nil {
		return nil, errors.Errorf("loader cannot be nil")
	}
	if config.MaxBuffers <= 0 {
		config.MaxBuffers = 3
	}
	if config.MaxBuffers < 2 {
		return nil, errors.Errorf("prefetching needs at least 2 staging buffers, got %d", config.MaxBuffers)
	}
	if config.Profile.Name == "" {
		config.Profile = ProfileDefault
	}

	pool, err := NewStagingBufferPool(config.MaxBuffers)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		loader:  loader,
		profile: config.Profile,
		stream:  NewStream(1),
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.preload()
	return p, nil
}

func (p *Prefetcher) preload() {
	p.next = p.stream.Submit(p.transfer, func(b *Batch) {
		p.pool.ReturnBuffer(b.buffer)
		b.buffer = nil
	})
}

// transfer runs on the copy stream: fetch, stage and normalize one batch.
func (p *Prefetcher) transfer() (*Batch, error) {
	host, err := p.loader.Next(p.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load batch")
	}
	if host == nil {
		return nil, nil
	}
	if len(host.Shape) != 4 || host.Shape[1] != 3 {
		return nil, errors.Errorf("expected [N, 3, H, W] batch, got %v", host.Shape)
	}
	n := host.Shape[0] * host.Shape[1] * host.Shape[2] * host.Shape[3]
	if len(host.Pixels) != n {
		return nil, errors.Errorf("batch of shape %v carries %d pixels", host.Shape, len(host.Pixels))
	}

	buffer, err := p.pool.GetBuffer(p.ctx)
	if err != nil {
		return nil, err
	}
	data := buffer.Data(n)
	p.profile.Normalize(data, host.Pixels, host.Shape[1], host.Shape[2]*host.Shape[3])

	input, err := tensor.NewTensor(host.Shape, data)
	if err != nil {
		p.pool.ReturnBuffer(buffer)
		return nil, err
	}

	p.mutex.Lock()
	id := p.batchCounter
	p.batchCounter++
	p.mutex.Unlock()

	return &Batch{Input: input, Label: host.Label, Slide: host.Slide, ID: id, buffer: buffer}, nil
}

// Next waits for the in-flight batch, starts preloading the following one
// and returns the current batch with its handle. The caller must Release
// the handle after the step that used the batch. A nil batch means the
// loader is exhausted.
func (p *Prefetcher) Next(ctx context.Context) (*Batch, *Pending, error) {
	current := p.next
	batch, err := current.Wait(ctx)
	if err != nil {
		return nil, nil, err
	}
	if batch == nil {
		return nil, nil, nil
	}
	p.preload()
	return batch, current, nil
}

// Stats returns statistics about the staging buffers
func (p *Prefetcher) Stats() StagingPoolStats {
	return p.pool.Stats()
}

// Close cancels the in-flight transfer and stops the copy stream.
func (p *Prefetcher) Close() {
	p.cancel()
	p.stream.Close()
	if p.next != nil {
		p.next.Release()
	}
	p.pool.Cleanup()
}
