// Package model implements the two-level attention-gated MIL classifier.
package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/backbone"
	"github.com/tsawler/go-mil/layers"
	"github.com/tsawler/go-mil/tensor"
)

// Config holds the model hyper-parameters.
type Config struct {
	Backbone     string
	InputSize    int
	EmbedDim     int // L, width of every bag member embedding
	Heads        int
	FeedForward  int
	Dropout      float32
	EncoderDepth int
	Extd         int // neighbours per bag; a bag has Extd+1 members
	Seed         int64
}

// DefaultConfig mirrors the reference architecture: L=512, 8 heads, a
// 2048-wide feed-forward block and two encoder layers.
func DefaultConfig() Config {
	return Config{
		Backbone:     "convnet",
		InputSize:    224,
		EmbedDim:     512,
		Heads:        8,
		FeedForward:  2048,
		Dropout:      0.1,
		EncoderDepth: 2,
		Extd:         7,
		Seed:         1,
	}
}

// Output is the result of one forward pass over a slide.
type Output struct {
	Prob         *tensor.Tensor // [1, 1]
	InnerWeights *tensor.Tensor // [bags, Extd+1], rows sum to 1
	OuterWeights *tensor.Tensor // [bags], sums to 1
}

// AttentionGated scores a slide from the patches of its bags: a backbone
// embeds every patch, a transformer encoder mixes the members of each bag,
// inner attention pools each bag and outer attention pools the bags.
type AttentionGated struct {
	cfg        Config
	features   layers.Module
	projection *layers.Linear
	encoder    *layers.TransformerEncoder
	inner      *layers.Linear
	outer      *layers.Linear
	classifier *layers.Linear
	training   bool
}

// New builds the model. Every replica built from the same Config starts
// from identical weights.
func New(cfg Config, registry *backbone.Registry) (*AttentionGated, error) {
	if cfg.Extd < 0 {
		return nil, errors.Errorf("extd must not be negative, got %d", cfg.Extd)
	}
	if cfg.EncoderDepth <= 0 {
		return nil, errors.Errorf("encoder depth must be positive, got %d", cfg.EncoderDepth)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	features, dim, err := registry.Build(cfg.Backbone, backbone.Config{InputSize: cfg.InputSize}, rng)
	if err != nil {
		return nil, err
	}

	projection := layers.NewLinear(rng, dim, cfg.EmbedDim, true)
	projection.InitXavierNormal(rng)

	encoder, err := layers.NewTransformerEncoder(rng, layers.EncoderConfig{
		EmbedDim:    cfg.EmbedDim,
		Heads:       cfg.Heads,
		FeedForward: cfg.FeedForward,
		Dropout:     cfg.Dropout,
		NormEps:     1e-5,
	}, cfg.EncoderDepth, 1e-6)
	if err != nil {
		return nil, errors.Wrap(err, "build encoder")
	}

	m := &AttentionGated{
		cfg:        cfg,
		features:   features,
		projection: projection,
		encoder:    encoder,
		inner:      layers.NewLinear(rng, cfg.EmbedDim, 1, true),
		outer:      layers.NewLinear(rng, cfg.EmbedDim, 1, true),
		classifier: layers.NewLinear(rng, cfg.EmbedDim, 1, true),
		training:   true,
	}
	m.inner.InitXavierNormal(rng)
	m.outer.InitXavierNormal(rng)
	m.classifier.InitXavierNormal(rng)
	return m, nil
}

// Config returns the configuration the model was built with.
func (m *AttentionGated) Config() Config {
	return m.cfg
}

// FeatureExtractor exposes the backbone, e.g. for loading pretrained weights.
func (m *AttentionGated) FeatureExtractor() layers.Module {
	return m.features
}

// Forward scores one slide. x holds bags*(Extd+1) normalized patches laid
// out bag by bag, [N, C, H, W].
func (m *AttentionGated) Forward(x *tensor.Tensor) (*Output, error) {
	seq := m.cfg.Extd + 1
	if x.Dims() != 4 {
		return nil, errors.Errorf("expected [N, C, H, W] patches, got %v", x.Shape)
	}
	if x.Shape[0] == 0 || x.Shape[0]%seq != 0 {
		return nil, errors.Errorf("%d patches do not form bags of %d", x.Shape[0], seq)
	}
	bags := x.Shape[0] / seq

	h, err := m.features.Forward(x)
	if err != nil {
		return nil, errors.Wrap(err, "feature extractor")
	}
	if h, err = m.projection.Forward(h); err != nil {
		return nil, errors.Wrap(err, "projection")
	}

	// [bags, seq, L]
	h = tensor.Reshape(h, bags, seq, m.cfg.EmbedDim)
	if h, err = m.encoder.Forward(h); err != nil {
		return nil, errors.Wrap(err, "encoder")
	}

	// Inner attention: one weight per bag member.
	scores, err := m.inner.Forward(h)
	if err != nil {
		return nil, err
	}
	inner := tensor.Softmax(tensor.Reshape(scores, bags, seq))
	pooled := tensor.BatchMatMul(tensor.Reshape(inner, bags, 1, seq), h, false)
	pooled = tensor.Reshape(pooled, bags, m.cfg.EmbedDim)

	// Outer attention: one weight per bag.
	scores, err = m.outer.Forward(pooled)
	if err != nil {
		return nil, err
	}
	outer := tensor.Softmax(tensor.Reshape(scores, 1, bags))
	slide := tensor.MatMul(outer, pooled)

	logit, err := m.classifier.Forward(slide)
	if err != nil {
		return nil, err
	}
	return &Output{
		Prob:         tensor.Sigmoid(logit),
		InnerWeights: inner,
		OuterWeights: tensor.Reshape(outer, bags),
	}, nil
}

// NamedParameters lists every trainable tensor under a stable name.
func (m *AttentionGated) NamedParameters() []layers.NamedParameter {
	var params []layers.NamedParameter
	add := func(prefix string, mod layers.Module) {
		for _, p := range mod.NamedParameters() {
			params = append(params, layers.NamedParameter{Name: prefix + "." + p.Name, Value: p.Value})
		}
	}
	add("feature_extractor", m.features)
	add("projection", m.projection)
	add("encoder", m.encoder)
	add("inner_attention", m.inner)
	add("attention", m.outer)
	add("classifier", m.classifier)
	return params
}

// Parameters returns the trainable tensors in NamedParameters order.
func (m *AttentionGated) Parameters() []*tensor.Tensor {
	named := m.NamedParameters()
	params := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		params[i] = p.Value
	}
	return params
}

func (m *AttentionGated) Train() {
	m.training = true
	for _, mod := range m.modules() {
		mod.Train()
	}
}

func (m *AttentionGated) Eval() {
	m.training = false
	for _, mod := range m.modules() {
		mod.Eval()
	}
}

func (m *AttentionGated) IsTraining() bool {
	return m.training
}

func (m *AttentionGated) modules() []layers.Module {
	return []layers.Module{m.features, m.projection, m.encoder, m.inner, m.outer, m.classifier}
}

// NoGrad runs fn with gradient tracking disabled on every parameter, so no
// autograd history is recorded.
func (m *AttentionGated) NoGrad(fn func() error) error {
	params := m.Parameters()
	for _, p := range params {
		p.SetRequiresGrad(false)
	}
	defer func() {
		for _, p := range params {
			p.SetRequiresGrad(true)
		}
	}()
	return fn()
}
