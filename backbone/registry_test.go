package backbone

import (
	"math/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mil/checkpoints"
	"github.com/tsawler/go-mil/layers"
	"github.com/tsawler/go-mil/tensor"
)

func TestBuiltinsProduceDeclaredWidth(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"convnet", "linear", "resnet"}, r.Names())

	for _, name := range r.Names() {
		m, dim, err := r.Build(name, Config{InputSize: 16}, rand.New(rand.NewSource(1)))
		require.NoError(t, err, name)

		out, err := m.Forward(tensor.Zeros(2, 3, 16, 16))
		require.NoError(t, err, name)
		assert.Equal(t, []int{2, dim}, out.Shape, name)
	}
}

func TestUnknownBackboneListsKnownNames(t *testing.T) {
	_, _, err := NewRegistry().Build("vgg11", Config{InputSize: 16}, rand.New(rand.NewSource(1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "convnet, linear, resnet")
}

func TestRegisterCustomBackbone(t *testing.T) {
	r := NewRegistry()
	r.Register("tiny", func(cfg Config, rng *rand.Rand) (layers.Module, int, error) {
		return LinearProbe(cfg, rng)
	})
	_, dim, err := r.Build("tiny", Config{InputSize: 4}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 64, dim)

	_, _, err = r.Build("tiny", Config{}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestLoadPretrainedFromFullModel(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewRegistry()

	src, _, err := r.Build("convnet", Config{InputSize: 8}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	weights := checkpoints.ExtractWeights(src.NamedParameters())
	for i := range weights {
		weights[i].Name = FeatureExtractorPrefix + weights[i].Name
	}
	weights = append(weights, checkpoints.WeightTensor{Name: "classifier.weight", Shape: []int{1, 1}, Data: []float32{1}})

	saver := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatONNX)
	require.NoError(t, saver.SaveCheckpoint(&checkpoints.Checkpoint{Weights: weights}, "/w/model.onnx"))

	dst, _, err := r.Build("convnet", Config{InputSize: 8}, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	require.NoError(t, LoadPretrained(fs, "/w/model.onnx", dst))

	for i, p := range dst.NamedParameters() {
		assert.Equal(t, src.NamedParameters()[i].Value.Data, p.Value.Data, p.Name)
	}

	assert.Error(t, LoadPretrained(fs, "/w/missing.json", dst))
}
