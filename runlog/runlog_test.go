package runlog

import (
	"testing"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mil/checkpoints"
	"github.com/tsawler/go-mil/training"
)

var testDirs = Dirs{
	Runs:        "/out/runs_20X_1_attention_F0/base",
	Checkpoints: "/out/checkpoints_20X_1_attention_F0/base",
	Predictions: "/out/prediction_1_X20_F0",
}

func validResult(t *testing.T) *training.PhaseResult {
	labels := []int{0, 0, 1, 1}
	probs := []float64{0.1, 0.4, 0.6, 0.9}
	eval, err := training.EvaluateBinary(labels, probs)
	require.NoError(t, err)
	return &training.PhaseResult{
		Epoch:    3,
		Phase:    training.PhaseValid,
		LR:       1e-4,
		Loss:     0.42,
		Labels:   labels,
		Probs:    probs,
		Slides:   []string{"p1/s1", "p2/s1", "p3/s1", "p3/s2"},
		Eval:     eval,
		Steps:    2,
		Duration: 1500 * time.Millisecond,
	}
}

func isPNG(t *testing.T, fs afero.Fs, name string) {
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err, name)
	require.True(t, len(data) > 8, name)
	assert.Equal(t, []byte("\x89PNG"), data[:4], name)
}

func TestRecorderKeepsExistingDirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testDirs.Runs, 0755))
	require.NoError(t, afero.WriteFile(fs, testDirs.Runs+"/keep.txt", []byte("x"), 0644))

	_, err := NewRecorder(fs, testDirs, nil, nil)
	require.NoError(t, err)
	ok, err := afero.Exists(fs, testDirs.Runs+"/keep.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewRecorder(fs, Dirs{Runs: "/a"}, nil, nil)
	assert.Error(t, err)
}

func TestReportPhaseWritesMetrics(t *testing.T) {
	fs := afero.NewMemMapFs()
	gauges := NewGauges()
	rec, err := NewRecorder(fs, testDirs, gauges, nil)
	require.NoError(t, err)

	train := &training.PhaseResult{Epoch: 3, Phase: training.PhaseTrain, LR: 1e-4, Loss: 0.7, Labels: []int{0, 1}, Skipped: 1}
	require.NoError(t, rec.ReportPhase(train))
	require.NoError(t, rec.ReportPhase(validResult(t)))

	f, err := fs.Open(testDirs.Runs + "/metrics.csv")
	require.NoError(t, err)
	defer f.Close()
	var rows []EpochRecord
	require.NoError(t, gocsv.Unmarshal(f, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "train", rows[0].Phase)
	assert.Equal(t, 0.0, rows[0].AUC)
	assert.Equal(t, 1, rows[0].Skipped)
	assert.Equal(t, "valid", rows[1].Phase)
	assert.Equal(t, 1.0, rows[1].AUC)
	assert.Equal(t, 0.6, rows[1].Threshold)
	assert.Equal(t, 1.0, rows[1].Sensitivity)
	assert.Equal(t, 1.0, rows[1].Specificity)
	assert.Equal(t, 1.0, rows[1].F1)
	assert.Equal(t, 0.0, rows[0].Sensitivity)
	assert.Equal(t, 4, rows[1].Slides)
	assert.InDelta(t, 1.5, rows[1].Seconds, 1e-9)
	assert.Equal(t, rows, rec.Records())

	isPNG(t, fs, testDirs.Runs+"/curves.png")

	assert.Equal(t, 0.42, testutil.ToFloat64(gauges.loss.WithLabelValues("0", "valid")))
	assert.Equal(t, 0.7, testutil.ToFloat64(gauges.loss.WithLabelValues("0", "train")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauges.auc.WithLabelValues("0", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauges.spec.WithLabelValues("0", "valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauges.skipped.WithLabelValues("0")))
}

func TestSaveBestWritesArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec, err := NewRecorder(fs, testDirs, nil, nil)
	require.NoError(t, err)

	res := validResult(t)
	ckpt := &checkpoints.Checkpoint{
		Model: checkpoints.ModelInfo{Backbone: "linear", EmbedDim: 8, Extd: 2, InputSize: 4},
		Weights: []checkpoints.WeightTensor{
			{Name: "classifier.weight", Shape: []int{1, 2}, Data: []float32{0.5, -0.5}},
		},
		TrainingState: checkpoints.TrainingState{Epoch: 3, BestAUC: 1},
	}
	require.NoError(t, rec.SaveBest(res, ckpt))

	loaded, err := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatJSON).LoadCheckpoint(testDirs.Checkpoints + "/best.json")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.TrainingState.Epoch)
	ok, err := afero.Exists(fs, testDirs.Checkpoints+"/best.onnx")
	require.NoError(t, err)
	assert.True(t, ok)

	f, err := fs.Open(testDirs.Predictions + "/predictions.csv")
	require.NoError(t, err)
	defer f.Close()
	var preds []Prediction
	require.NoError(t, gocsv.Unmarshal(f, &preds))
	require.Len(t, preds, 4)
	assert.Equal(t, Prediction{Slide: "p1/s1", Label: 0, Prob: 0.1, Predicted: 0}, preds[0])
	assert.Equal(t, Prediction{Slide: "p3/s1", Label: 1, Prob: 0.6, Predicted: 1}, preds[2])

	isPNG(t, fs, testDirs.Predictions+"/roc.png")
}

func TestNilGaugesIgnoreUpdates(t *testing.T) {
	var g *Gauges
	assert.NotPanics(t, func() { g.Observe(EpochRecord{Phase: "train"}) })
}
