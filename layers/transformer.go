package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/tensor"
)

// MultiHeadSelfAttention attends over the sequence axis of a
// [batch, seq, embed] input.
type MultiHeadSelfAttention struct {
	mode
	heads                  int
	query, key, value, out *Linear
	attnDropout            *Dropout
}

func NewMultiHeadSelfAttention(rng *rand.Rand, embedDim, heads int, dropout float32) (*MultiHeadSelfAttention, error) {
	if heads <= 0 || embedDim%heads != 0 {
		return nil, errors.Errorf("embedding dimension %d is not divisible by %d heads", embedDim, heads)
	}
	return &MultiHeadSelfAttention{
		mode:        mode{training: true},
		heads:       heads,
		query:       NewLinear(rng, embedDim, embedDim, true),
		key:         NewLinear(rng, embedDim, embedDim, true),
		value:       NewLinear(rng, embedDim, embedDim, true),
		out:         NewLinear(rng, embedDim, embedDim, true),
		attnDropout: NewDropout(dropout, rand.New(rand.NewSource(rng.Int63()))),
	}, nil
}

func (a *MultiHeadSelfAttention) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Dims() != 3 {
		return nil, errors.Errorf("self attention expects [batch, seq, embed] input, got %v", input.Shape)
	}
	b, s, e := input.Shape[0], input.Shape[1], input.Shape[2]
	d := e / a.heads

	split := func(l *Linear) (*tensor.Tensor, error) {
		h, err := l.Forward(input)
		if err != nil {
			return nil, err
		}
		h = tensor.Permute(tensor.Reshape(h, b, s, a.heads, d), 0, 2, 1, 3)
		return tensor.Reshape(h, b*a.heads, s, d), nil
	}
	q, err := split(a.query)
	if err != nil {
		return nil, err
	}
	k, err := split(a.key)
	if err != nil {
		return nil, err
	}
	v, err := split(a.value)
	if err != nil {
		return nil, err
	}

	scores := tensor.Scale(tensor.BatchMatMul(q, k, true), float32(1/math.Sqrt(float64(d))))
	weights, err := a.attnDropout.Forward(tensor.Softmax(scores))
	if err != nil {
		return nil, err
	}
	ctx := tensor.BatchMatMul(weights, v, false)
	ctx = tensor.Permute(tensor.Reshape(ctx, b, a.heads, s, d), 0, 2, 1, 3)
	return a.out.Forward(tensor.Reshape(ctx, b, s, e))
}

func (a *MultiHeadSelfAttention) NamedParameters() []NamedParameter {
	var params []NamedParameter
	params = append(params, prefixed("q_proj", a.query.NamedParameters())...)
	params = append(params, prefixed("k_proj", a.key.NamedParameters())...)
	params = append(params, prefixed("v_proj", a.value.NamedParameters())...)
	params = append(params, prefixed("out_proj", a.out.NamedParameters())...)
	return params
}

func (a *MultiHeadSelfAttention) Train() {
	a.training = true
	a.attnDropout.Train()
}

func (a *MultiHeadSelfAttention) Eval() {
	a.training = false
	a.attnDropout.Eval()
}

// EncoderConfig describes one post-norm transformer encoder layer.
type EncoderConfig struct {
	EmbedDim    int
	Heads       int
	FeedForward int
	Dropout     float32
	NormEps     float64
}

// TransformerEncoderLayer applies self attention and a GELU feed-forward
// block, each followed by a residual add and LayerNorm.
type TransformerEncoderLayer struct {
	mode
	attn                        *MultiHeadSelfAttention
	linear1, linear2            *Linear
	norm1, norm2                *LayerNorm
	dropout, dropout1, dropout2 *Dropout
}

func NewTransformerEncoderLayer(rng *rand.Rand, cfg EncoderConfig) (*TransformerEncoderLayer, error) {
	attn, err := NewMultiHeadSelfAttention(rng, cfg.EmbedDim, cfg.Heads, cfg.Dropout)
	if err != nil {
		return nil, err
	}
	if cfg.FeedForward <= 0 {
		return nil, errors.Errorf("feed-forward dimension must be positive, got %d", cfg.FeedForward)
	}
	newDropout := func() *Dropout {
		return NewDropout(cfg.Dropout, rand.New(rand.NewSource(rng.Int63())))
	}
	return &TransformerEncoderLayer{
		mode:     mode{training: true},
		attn:     attn,
		linear1:  NewLinear(rng, cfg.EmbedDim, cfg.FeedForward, true),
		linear2:  NewLinear(rng, cfg.FeedForward, cfg.EmbedDim, true),
		norm1:    NewLayerNorm(cfg.EmbedDim, cfg.NormEps),
		norm2:    NewLayerNorm(cfg.EmbedDim, cfg.NormEps),
		dropout:  newDropout(),
		dropout1: newDropout(),
		dropout2: newDropout(),
	}, nil
}

func (l *TransformerEncoderLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := l.attn.Forward(input)
	if err != nil {
		return nil, errors.Errorf("self attention: %v", err)
	}
	if h, err = l.dropout1.Forward(h); err != nil {
		return nil, err
	}
	x, err := l.norm1.Forward(tensor.Add(input, h))
	if err != nil {
		return nil, err
	}

	if h, err = l.linear1.Forward(x); err != nil {
		return nil, err
	}
	if h, err = l.dropout.Forward(tensor.GELU(h)); err != nil {
		return nil, err
	}
	if h, err = l.linear2.Forward(h); err != nil {
		return nil, err
	}
	if h, err = l.dropout2.Forward(h); err != nil {
		return nil, err
	}
	return l.norm2.Forward(tensor.Add(x, h))
}

func (l *TransformerEncoderLayer) NamedParameters() []NamedParameter {
	var params []NamedParameter
	params = append(params, prefixed("self_attn", l.attn.NamedParameters())...)
	params = append(params, prefixed("linear1", l.linear1.NamedParameters())...)
	params = append(params, prefixed("linear2", l.linear2.NamedParameters())...)
	params = append(params, prefixed("norm1", l.norm1.NamedParameters())...)
	params = append(params, prefixed("norm2", l.norm2.NamedParameters())...)
	return params
}

func (l *TransformerEncoderLayer) Train() { l.setTraining(true) }
func (l *TransformerEncoderLayer) Eval()  { l.setTraining(false) }

func (l *TransformerEncoderLayer) setTraining(on bool) {
	l.training = on
	for _, m := range []Module{l.attn, l.dropout, l.dropout1, l.dropout2} {
		if on {
			m.Train()
		} else {
			m.Eval()
		}
	}
}

// TransformerEncoder stacks encoder layers and applies a final LayerNorm.
type TransformerEncoder struct {
	Sequential
}

func NewTransformerEncoder(rng *rand.Rand, cfg EncoderConfig, numLayers int, finalEps float64) (*TransformerEncoder, error) {
	enc := &TransformerEncoder{Sequential: *NewSequential()}
	for i := 0; i < numLayers; i++ {
		layer, err := NewTransformerEncoderLayer(rng, cfg)
		if err != nil {
			return nil, errors.Errorf("encoder layer %d: %v", i, err)
		}
		enc.Add(fmt.Sprintf("layers.%d", i), layer)
	}
	enc.Add("norm", NewLayerNorm(cfg.EmbedDim, finalEps))
	return enc, nil
}
