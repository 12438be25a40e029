package checkpoints

import (
	"math/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mil/layers"
)

func testModel(t *testing.T, seed int64) *layers.Sequential {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 3, 4, 4}).
		AddConv2D(2, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddGlobalAvgPool("gap").
		AddDense(3, true, "fc").
		Compile()
	require.NoError(t, err)

	net, err := spec.Build(rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return net
}

func testCheckpoint(t *testing.T) *Checkpoint {
	return &Checkpoint{
		Model:   ModelInfo{Backbone: "convnet", EmbedDim: 3, FeedForward: 8, Extd: 2, InputSize: 4},
		Weights: ExtractWeights(testModel(t, 1).NamedParameters()),
		TrainingState: TrainingState{
			Fold:         2,
			Epoch:        7,
			LearningRate: 0.01,
			BestAUC:      0.9,
			Threshold:    0.4,
		},
	}
}

func TestExtractWeightsSplitsNames(t *testing.T) {
	weights := ExtractWeights(testModel(t, 1).NamedParameters())
	require.Len(t, weights, 4)

	assert.Equal(t, "conv1.weight", weights[0].Name)
	assert.Equal(t, "conv1", weights[0].Layer)
	assert.Equal(t, "weight", weights[0].Type)
	assert.Equal(t, []int{2, 3, 3, 3}, weights[0].Shape)
	assert.Equal(t, "fc.bias", weights[3].Name)
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	saver := NewCheckpointSaver(fs, FormatJSON)
	checkpoint := testCheckpoint(t)

	require.NoError(t, saver.SaveCheckpoint(checkpoint, "/ckpt/best.json"))
	loaded, err := saver.LoadCheckpoint("/ckpt/best.json")
	require.NoError(t, err)

	assert.Equal(t, checkpoint.Model, loaded.Model)
	assert.Equal(t, checkpoint.TrainingState, loaded.TrainingState)
	assert.Equal(t, "go-mil", loaded.Metadata.Framework)
	assert.Equal(t, checkpoint.Weights, loaded.Weights)
}

func TestCheckpointONNXPreservesWeights(t *testing.T) {
	fs := afero.NewMemMapFs()
	saver := NewCheckpointSaver(fs, FormatONNX)
	checkpoint := testCheckpoint(t)

	require.NoError(t, saver.SaveCheckpoint(checkpoint, "best.onnx"))
	loaded, err := saver.LoadCheckpoint("best.onnx")
	require.NoError(t, err)

	require.Len(t, loaded.Weights, len(checkpoint.Weights))
	for i, w := range checkpoint.Weights {
		assert.Equal(t, w.Name, loaded.Weights[i].Name)
		assert.Equal(t, w.Shape, loaded.Weights[i].Shape)
		assert.Equal(t, w.Data, loaded.Weights[i].Data)
		assert.Equal(t, w.Type, loaded.Weights[i].Type)
	}
	assert.Contains(t, loaded.Metadata.Description, "go-mil")
}

func TestLoadWeightsIntoModel(t *testing.T) {
	src := testModel(t, 1)
	dst := testModel(t, 2)
	require.NotEqual(t, src.NamedParameters()[0].Value.Data, dst.NamedParameters()[0].Value.Data)

	require.NoError(t, LoadWeights(ExtractWeights(src.NamedParameters()), dst.NamedParameters(), ""))
	for i, p := range dst.NamedParameters() {
		assert.Equal(t, src.NamedParameters()[i].Value.Data, p.Value.Data)
	}
}

func TestLoadWeightsWithPrefix(t *testing.T) {
	src := testModel(t, 1)
	weights := ExtractWeights(src.NamedParameters())
	for i := range weights {
		weights[i].Name = "feature_extractor." + weights[i].Name
	}

	dst := testModel(t, 3)
	require.NoError(t, LoadWeights(weights, dst.NamedParameters(), "feature_extractor."))
	assert.Equal(t, src.NamedParameters()[2].Value.Data, dst.NamedParameters()[2].Value.Data)

	assert.Error(t, LoadWeights(weights, dst.NamedParameters(), ""), "names without the prefix do not match")
}

func TestLoadWeightsShapeMismatch(t *testing.T) {
	weights := ExtractWeights(testModel(t, 1).NamedParameters())
	weights[0].Shape = []int{2, 3, 9}

	err := LoadWeights(weights, testModel(t, 2).NamedParameters(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")
}

func TestUnsupportedFormat(t *testing.T) {
	saver := NewCheckpointSaver(afero.NewMemMapFs(), CheckpointFormat(9))
	assert.Error(t, saver.SaveCheckpoint(&Checkpoint{}, "x"))
	_, err := saver.LoadCheckpoint("x")
	assert.Error(t, err)
	assert.Equal(t, "Unknown", CheckpointFormat(9).String())
}
