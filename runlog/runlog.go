// Package runlog writes the outputs of a training fold: per-epoch metrics,
// the best checkpoint, its slide predictions and ROC curve, and live gauges.
package runlog

import (
	"path"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-mil/checkpoints"
	"github.com/tsawler/go-mil/training"
)

// Dirs are the output directories of one fold.
type Dirs struct {
	Runs        string // metrics.csv, curves.png
	Checkpoints string // best.json, best.onnx
	Predictions string // predictions.csv, roc.png
}

// EpochRecord is one row of metrics.csv.
type EpochRecord struct {
	Fold      int     `csv:"fold"`
	Epoch     int     `csv:"epoch"`
	Phase     string  `csv:"phase"`
	LR        float64 `csv:"lr"`
	Loss      float64 `csv:"loss"`
	AUC       float64 `csv:"auc"`
	Accuracy  float64 `csv:"accuracy"`
	Threshold float64 `csv:"threshold"`

	// Rates at the threshold, positive slides as the positive class.
	Sensitivity float64 `csv:"sensitivity"`
	Specificity float64 `csv:"specificity"`
	Precision   float64 `csv:"precision"`
	F1          float64 `csv:"f1"`

	Slides  int     `csv:"slides"`
	Skipped int     `csv:"skipped_steps"`
	Seconds float64 `csv:"seconds"`
}

// Prediction is one row of predictions.csv.
type Prediction struct {
	Slide     string  `csv:"slide"`
	Label     int     `csv:"label"`
	Prob      float64 `csv:"prob"`
	Predicted int     `csv:"predicted"`
}

// Recorder implements training.Reporter on rank 0.
type Recorder struct {
	fs      afero.Fs
	dirs    Dirs
	gauges  *Gauges
	logger  *zap.Logger
	json    *checkpoints.CheckpointSaver
	onnx    *checkpoints.CheckpointSaver
	mu      sync.Mutex
	records []EpochRecord
}

// NewRecorder creates the output directories. Existing directories are
// kept. gauges may be nil.
func NewRecorder(fs afero.Fs, dirs Dirs, gauges *Gauges, logger *zap.Logger) (*Recorder, error) {
	for _, d := range []string{dirs.Runs, dirs.Checkpoints, dirs.Predictions} {
		if d == "" {
			return nil, errors.New("output directories must be set")
		}
		if err := fs.MkdirAll(d, 0755); err != nil {
			return nil, errors.Wrapf(err, "create %s", d)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		fs:     fs,
		dirs:   dirs,
		gauges: gauges,
		logger: logger,
		json:   checkpoints.NewCheckpointSaver(fs, checkpoints.FormatJSON),
		onnx:   checkpoints.NewCheckpointSaver(fs, checkpoints.FormatONNX),
	}, nil
}

// ReportPhase appends the phase to metrics.csv and updates the gauges.
func (r *Recorder) ReportPhase(res *training.PhaseResult) error {
	rec := EpochRecord{
		Fold:    res.Fold,
		Epoch:   res.Epoch,
		Phase:   string(res.Phase),
		LR:      res.LR,
		Loss:    res.Loss,
		Slides:  len(res.Labels),
		Skipped: res.Skipped,
		Seconds: res.Duration.Seconds(),
	}
	if res.Eval != nil {
		rec.AUC, rec.Accuracy, rec.Threshold = res.Eval.AUC, res.Eval.Accuracy, res.Eval.Threshold
		rec.Sensitivity, rec.Specificity = res.Eval.Sensitivity, res.Eval.Specificity
		rec.Precision, rec.F1 = res.Eval.Precision, res.Eval.F1
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	records := append([]EpochRecord(nil), r.records...)
	r.mu.Unlock()

	r.gauges.Observe(rec)
	if err := writeCSV(r.fs, path.Join(r.dirs.Runs, "metrics.csv"), &records); err != nil {
		return err
	}
	if err := r.writeCurves(records); err != nil {
		r.logger.Warn("training curves not rendered", zap.Error(err))
	}
	return nil
}

// SaveBest writes the checkpoint in both formats, the slide predictions
// and the ROC curve of res.
func (r *Recorder) SaveBest(res *training.PhaseResult, ckpt *checkpoints.Checkpoint) error {
	if err := r.json.SaveCheckpoint(ckpt, path.Join(r.dirs.Checkpoints, "best.json")); err != nil {
		return err
	}
	if err := r.onnx.SaveCheckpoint(ckpt, path.Join(r.dirs.Checkpoints, "best.onnx")); err != nil {
		return err
	}

	preds := make([]Prediction, len(res.Probs))
	for i := range res.Probs {
		preds[i] = Prediction{Slide: res.Slides[i], Label: res.Labels[i], Prob: res.Probs[i]}
		if res.Eval != nil {
			preds[i].Predicted = res.Eval.Predicted[i]
		}
	}
	if err := writeCSV(r.fs, path.Join(r.dirs.Predictions, "predictions.csv"), &preds); err != nil {
		return err
	}
	if res.Eval == nil {
		return nil
	}
	return r.writeROC(res)
}

// Records returns the rows written so far.
func (r *Recorder) Records() []EpochRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EpochRecord(nil), r.records...)
}

func writeCSV(fs afero.Fs, name string, rows interface{}) error {
	f, err := fs.Create(name)
	if err != nil {
		return errors.Wrapf(err, "create %s", name)
	}
	defer f.Close()
	return errors.Wrapf(gocsv.Marshal(rows, f), "write %s", name)
}
