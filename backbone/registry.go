// Package backbone builds the per-patch feature extractors that feed the
// attention model.
package backbone

import (
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/layers"
)

// Config describes the patches a backbone will see.
type Config struct {
	InputSize int // square patch side after transforms
	Channels  int
}

// Factory builds a feature extractor and reports the width of its output.
type Factory func(cfg Config, rng *rand.Rand) (layers.Module, int, error)

// Registry maps backbone names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in backbones.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("convnet", ConvNet)
	r.Register("resnet", ResNet)
	r.Register("linear", LinearProbe)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered backbone names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the named backbone.
func (r *Registry) Build(name string, cfg Config, rng *rand.Rand) (layers.Module, int, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, errors.Errorf("unknown backbone %q, known backbones: %s", name, strings.Join(r.Names(), ", "))
	}
	if cfg.Channels == 0 {
		cfg.Channels = 3
	}
	if cfg.InputSize <= 0 {
		return nil, 0, errors.Errorf("backbone %s: input size must be positive, got %d", name, cfg.InputSize)
	}
	m, dim, err := f(cfg, rng)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "build backbone %s", name)
	}
	return m, dim, nil
}

func fromBuilder(b *layers.ModelBuilder, rng *rand.Rand) (layers.Module, int, error) {
	spec, err := b.Compile()
	if err != nil {
		return nil, 0, err
	}
	if len(spec.OutputShape) != 2 {
		return nil, 0, errors.Errorf("backbone must produce [batch, features], got %v", spec.OutputShape)
	}
	seq, err := spec.Build(rng)
	if err != nil {
		return nil, 0, err
	}
	return seq, spec.OutputShape[1], nil
}

// ConvNet is a three stage conv-relu-pool stack ending in global pooling.
func ConvNet(cfg Config, rng *rand.Rand) (layers.Module, int, error) {
	b := layers.NewModelBuilder([]int{1, cfg.Channels, cfg.InputSize, cfg.InputSize}).
		AddConv2D(16, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddConv2D(32, 3, 1, 1, true, "conv2").
		AddReLU("relu2").
		AddMaxPool2D(2, 2, "pool2").
		AddConv2D(64, 3, 1, 1, true, "conv3").
		AddReLU("relu3").
		AddGlobalAvgPool("avgpool")
	return fromBuilder(b, rng)
}

// ResNet is a strided stem followed by two residual stages.
func ResNet(cfg Config, rng *rand.Rand) (layers.Module, int, error) {
	b := layers.NewModelBuilder([]int{1, cfg.Channels, cfg.InputSize, cfg.InputSize}).
		AddConv2D(32, 3, 2, 1, false, "conv1").
		AddReLU("relu").
		AddResidualBlock("layer1").
		AddMaxPool2D(2, 2, "maxpool").
		AddResidualBlock("layer2").
		AddGlobalAvgPool("avgpool")
	return fromBuilder(b, rng)
}

// LinearProbe flattens the patch and projects it; meant for small inputs.
func LinearProbe(cfg Config, rng *rand.Rand) (layers.Module, int, error) {
	b := layers.NewModelBuilder([]int{1, cfg.Channels, cfg.InputSize, cfg.InputSize}).
		AddFlatten("flatten").
		AddDense(64, true, "fc").
		AddReLU("relu")
	return fromBuilder(b, rng)
}
