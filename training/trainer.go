// Package training runs data-parallel training and evaluation of the
// attention-gated MIL model: per-slide steps with loss scaling and gradient
// all-reduce, gathered predictions, epoch scheduling and slide-level metrics.
package training

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-mil/amp"
	"github.com/tsawler/go-mil/async"
	"github.com/tsawler/go-mil/checkpoints"
	"github.com/tsawler/go-mil/dist"
	"github.com/tsawler/go-mil/layers"
	"github.com/tsawler/go-mil/model"
	"github.com/tsawler/go-mil/optimizer"
	"github.com/tsawler/go-mil/tensor"
	"github.com/tsawler/go-mil/vision/dataloader"
)

// Model is the network the trainer fits.
type Model interface {
	Forward(x *tensor.Tensor) (*model.Output, error)
	Parameters() []*tensor.Tensor
	NamedParameters() []layers.NamedParameter
	Train()
	Eval()
	NoGrad(fn func() error) error
}

// Phase names a pass over the data.
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseValid Phase = "valid"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Fold       int
	Epochs     int // epochs 1..Epochs-1 are run
	BaseLR     float64
	Scheduler  LRScheduler
	Profile    async.Profile
	MaxBuffers int                   // staging buffers per prefetcher
	ModelInfo  checkpoints.ModelInfo // recorded in checkpoints
	Slides     []string              // every slide name the loaders may report
	Progress   io.Writer             // progress bars on rank 0; nil disables them
}

// EpochSource hands out the loaders of an epoch.
type EpochSource interface {
	TrainLoader(epoch int) (async.Loader, error)
	EvalLoader(epoch int) (async.Loader, error)
}

// Reporter receives results on rank 0.
type Reporter interface {
	ReportPhase(res *PhaseResult) error
	SaveBest(res *PhaseResult, ckpt *checkpoints.Checkpoint) error
}

// PhaseResult holds the gathered outcome of one phase. Labels, Probs and
// Slides are filled on every rank; Loss, Eval and Summary on rank 0 only.
type PhaseResult struct {
	Fold     int
	Epoch    int
	Phase    Phase
	LR       float64
	Loss     float64 // summed slide loss over the gathered slide count
	Labels   []int
	Probs    []float64
	Slides   []string
	Eval     *BinaryEvaluation // nil when a class is missing
	Summary  *Summary          // validation only
	Steps    int
	Skipped  int // steps dropped on gradient overflow
	Duration time.Duration
}

// FitResult summarizes a completed run.
type FitResult struct {
	BestAUC   float64
	BestEpoch int
	History   []*PhaseResult
}

// Trainer manages the training process of one rank
type Trainer struct {
	model     Model
	optimizer optimizer.Optimizer
	scaler    *amp.Scaler
	criterion Loss
	group     dist.Group
	logger    *zap.Logger
	config    TrainingConfig

	slideIDs map[string]int
	flat     []float32 // gradient exchange buffer
}

// NewTrainer creates a trainer. Every rank must build its model from the
// same configuration so replicas start identical.
func NewTrainer(m Model, opt optimizer.Optimizer, scaler *amp.Scaler, group dist.Group, logger *zap.Logger, config TrainingConfig) (*Trainer, error) {
	if m == nil || opt == nil || scaler == nil || group == nil {
		return nil, errors.New("model, optimizer, scaler and group are required")
	}
	if config.Epochs < 2 {
		return nil, errors.Errorf("need at least 2 epochs, got %d", config.Epochs)
	}
	if config.BaseLR <= 0 {
		return nil, errors.Errorf("learning rate must be positive: %f", config.BaseLR)
	}
	if config.Scheduler == nil {
		config.Scheduler = &NoOpScheduler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ids := make(map[string]int, len(config.Slides))
	for i, s := range config.Slides {
		ids[s] = i
	}

	size := 0
	for _, p := range m.Parameters() {
		size += p.NumElems
	}

	return &Trainer{
		model:     m,
		optimizer: opt,
		scaler:    scaler,
		criterion: NewClampedBCELoss(1e-5),
		group:     group,
		logger:    logger.With(zap.Int("fold", config.Fold)),
		config:    config,
		slideIDs:  ids,
		flat:      make([]float32, size),
	}, nil
}

// Fit runs the epoch loop: train, step the schedule, evaluate, and keep the
// checkpoint with the best validation AUC.
func (t *Trainer) Fit(ctx context.Context, src EpochSource, rep Reporter) (*FitResult, error) {
	result := &FitResult{}
	for epoch := 1; epoch < t.config.Epochs; epoch++ {
		lr := t.config.Scheduler.GetLR(epoch-1, t.config.BaseLR)
		t.optimizer.UpdateLearningRate(lr)
		t.logger.Info("epoch started", zap.Int("epoch", epoch), zap.Int("epochs", t.config.Epochs), zap.Float64("lr", lr))

		loader, err := src.TrainLoader(epoch)
		if err != nil {
			return nil, errors.Wrapf(err, "train loader for epoch %d", epoch)
		}
		train, err := t.TrainEpoch(ctx, loader, epoch)
		if err != nil {
			return nil, errors.Wrapf(err, "train epoch %d", epoch)
		}
		if err := t.report(rep, train); err != nil {
			return nil, err
		}

		if loader, err = src.EvalLoader(epoch); err != nil {
			return nil, errors.Wrapf(err, "eval loader for epoch %d", epoch)
		}
		valid, err := t.EvalEpoch(ctx, loader, epoch)
		if err != nil {
			return nil, errors.Wrapf(err, "eval epoch %d", epoch)
		}
		if err := t.report(rep, valid); err != nil {
			return nil, err
		}
		result.History = append(result.History, train, valid)

		if valid.Eval == nil || valid.Eval.AUC <= result.BestAUC {
			continue
		}
		result.BestAUC, result.BestEpoch = valid.Eval.AUC, epoch
		if rep == nil {
			continue
		}
		ckpt, err := t.Checkpoint(epoch, valid)
		if err != nil {
			return nil, err
		}
		if err := rep.SaveBest(valid, ckpt); err != nil {
			return nil, errors.Wrapf(err, "save best checkpoint of epoch %d", epoch)
		}
		t.logger.Info("new best model", zap.Int("epoch", epoch), zap.Float64("auc", valid.Eval.AUC))
	}
	return result, nil
}

func (t *Trainer) report(rep Reporter, res *PhaseResult) error {
	if rep == nil || t.group.Rank() != 0 {
		return nil
	}
	return errors.Wrapf(rep.ReportPhase(res), "report %s epoch %d", res.Phase, res.Epoch)
}

// TrainEpoch runs one training pass over loader.
func (t *Trainer) TrainEpoch(ctx context.Context, loader async.Loader, epoch int) (*PhaseResult, error) {
	t.model.Train()
	return t.runPhase(ctx, PhaseTrain, loader, epoch)
}

// EvalEpoch scores every slide of loader without gradients or dropout.
func (t *Trainer) EvalEpoch(ctx context.Context, loader async.Loader, epoch int) (*PhaseResult, error) {
	t.model.Eval()
	return t.runPhase(ctx, PhaseValid, loader, epoch)
}

func (t *Trainer) runPhase(ctx context.Context, phase Phase, loader async.Loader, epoch int) (*PhaseResult, error) {
	start := time.Now()
	prefetcher, err := async.NewPrefetcher(ctx, loader, async.PrefetcherConfig{
		Profile:    t.config.Profile,
		MaxBuffers: t.config.MaxBuffers,
	})
	if err != nil {
		return nil, err
	}
	defer prefetcher.Close()

	res := &PhaseResult{
		Fold:  t.config.Fold,
		Epoch: epoch,
		Phase: phase,
		LR:    t.optimizer.LearningRate(),
	}
	bar := t.progressBar(fmt.Sprintf("Epoch %d %s", epoch, phase), loader)

	var lossSum float64
	for {
		batch, pending, err := prefetcher.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		var prob, loss float64
		if phase == PhaseTrain {
			var applied bool
			prob, loss, applied, err = t.trainStep(ctx, batch)
			if err == nil && !applied {
				res.Skipped++
			}
		} else {
			prob, loss, err = t.evalStep(batch)
		}
		pending.Release()
		if err != nil {
			return nil, errors.Wrapf(err, "%s step %d on slide %s", phase, res.Steps, batch.Slide)
		}

		if err := t.gather(ctx, res, batch, prob, loss, &lossSum); err != nil {
			return nil, err
		}
		res.Steps++
		bar.Update(res.Steps, map[string]float64{"loss": lossSum / float64(len(res.Labels))})
	}
	bar.Finish()
	res.Duration = time.Since(start)
	t.logCacheStats(phase, epoch, loader)

	if t.group.Rank() == 0 {
		t.summarize(res, lossSum)
	}
	return res, nil
}

// gather exchanges the step outcome: the summed loss, and every rank's
// label, probability and slide.
func (t *Trainer) gather(ctx context.Context, res *PhaseResult, batch *async.Batch, prob, loss float64, lossSum *float64) error {
	reduced, err := t.group.AllReduceSum(ctx, loss)
	if err != nil {
		return errors.Wrap(err, "reduce loss")
	}
	*lossSum += reduced

	labels, err := t.group.AllGather(ctx, float64(batch.Label))
	if err != nil {
		return errors.Wrap(err, "gather labels")
	}
	probs, err := t.group.AllGather(ctx, prob)
	if err != nil {
		return errors.Wrap(err, "gather predictions")
	}
	id, ok := t.slideIDs[batch.Slide]
	if !ok {
		id = -1
	}
	ids, err := t.group.AllGather(ctx, float64(id))
	if err != nil {
		return errors.Wrap(err, "gather slides")
	}

	for i := range labels {
		res.Labels = append(res.Labels, int(labels[i]))
		res.Probs = append(res.Probs, probs[i])
		name := ""
		if k := int(ids[i]); k >= 0 && k < len(t.config.Slides) {
			name = t.config.Slides[k]
		}
		res.Slides = append(res.Slides, name)
	}
	return nil
}

func (t *Trainer) summarize(res *PhaseResult, lossSum float64) {
	if len(res.Labels) == 0 {
		t.logger.Warn("phase saw no slides", zap.String("phase", string(res.Phase)), zap.Int("epoch", res.Epoch))
		return
	}
	res.Loss = lossSum / float64(len(res.Labels))

	fields := []zap.Field{
		zap.String("phase", string(res.Phase)),
		zap.Int("epoch", res.Epoch),
		zap.Int("slides", len(res.Labels)),
		zap.Float64("loss", res.Loss),
		zap.Int("skipped_steps", res.Skipped),
		zap.Duration("took", res.Duration),
	}
	if eval, err := EvaluateBinary(res.Labels, res.Probs); err != nil {
		t.logger.Warn("no slide-level metrics", zap.String("phase", string(res.Phase)), zap.Error(err))
	} else {
		res.Eval = eval
		fields = append(fields,
			zap.Float64("auc", eval.AUC),
			zap.Float64("threshold", eval.Threshold),
			zap.Float64("accuracy", eval.Accuracy),
			zap.Float64("sensitivity", eval.Sensitivity),
			zap.Float64("specificity", eval.Specificity),
			zap.Float64s("negatives_pct", eval.Percent[0]),
			zap.Float64s("positives_pct", eval.Percent[1]),
		)
	}
	if res.Phase == PhaseValid {
		if s, err := Describe(res.Probs); err == nil {
			res.Summary = &s
			fields = append(fields,
				zap.Float64("pred_mean", s.Mean),
				zap.Float64("pred_median", s.Median),
				zap.Float64s("pred_ci95", []float64{s.CILow, s.CIHigh}),
			)
		}
	}
	t.logger.Info("phase finished", fields...)
}

// trainStep runs forward and backward on one slide, averages the gradients
// over the group and applies them unless they overflowed.
func (t *Trainer) trainStep(ctx context.Context, batch *async.Batch) (prob, loss float64, applied bool, err error) {
	t.optimizer.ZeroGrad()

	out, err := t.model.Forward(batch.Input)
	if err != nil {
		return 0, 0, false, err
	}
	j, err := SlideLoss(t.criterion, out.Prob, batch.Label)
	if err != nil {
		return 0, 0, false, err
	}
	seed := tensor.Full(float32(t.scaler.Scale()), j.Shape...)
	if err := j.BackwardWithGrad(seed); err != nil {
		return 0, 0, false, errors.Wrap(err, "backward")
	}

	overflow, err := t.syncGradients(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	if applied = t.scaler.Update(overflow); applied {
		if err := t.optimizer.Step(); err != nil {
			return 0, 0, false, errors.Wrap(err, "optimizer step")
		}
	}
	return float64(out.Prob.Item()), float64(j.Item()), applied, nil
}

// syncGradients replaces every gradient by its mean over the group and
// removes the loss scale. All ranks reach the same overflow verdict since
// they unscale identical values.
func (t *Trainer) syncGradients(ctx context.Context) (overflow bool, err error) {
	params := t.model.Parameters()
	off := 0
	for _, p := range params {
		seg := t.flat[off : off+p.NumElems]
		if g := p.Grad(); g != nil {
			copy(seg, g.Data)
		} else {
			for i := range seg {
				seg[i] = 0
			}
		}
		off += p.NumElems
	}

	if t.scaler.Level().HalfGradients() {
		amp.RoundTrip(t.flat)
	}
	if t.group.Size() > 1 {
		if err := t.group.AllReduceSumVec(ctx, t.flat); err != nil {
			return false, errors.Wrap(err, "all-reduce gradients")
		}
		inv := 1 / float32(t.group.Size())
		for i := range t.flat {
			t.flat[i] *= inv
		}
	}
	overflow = t.scaler.Unscale(t.flat)

	off = 0
	for _, p := range params {
		seg := t.flat[off : off+p.NumElems]
		off += p.NumElems
		p.SetGrad(tensor.MustNew(p.Shape, append([]float32(nil), seg...)))
	}
	return overflow, nil
}

func (t *Trainer) evalStep(batch *async.Batch) (prob, loss float64, err error) {
	err = t.model.NoGrad(func() error {
		out, err := t.model.Forward(batch.Input)
		if err != nil {
			return err
		}
		j, err := SlideLoss(t.criterion, out.Prob, batch.Label)
		if err != nil {
			return err
		}
		prob, loss = float64(out.Prob.Item()), float64(j.Item())
		return nil
	})
	return prob, loss, err
}

// Checkpoint snapshots the model and optimizer after epoch with the
// validation result res.
func (t *Trainer) Checkpoint(epoch int, res *PhaseResult) (*checkpoints.Checkpoint, error) {
	state, err := t.optimizer.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "optimizer state")
	}
	ts := checkpoints.TrainingState{
		Fold:         t.config.Fold,
		Epoch:        epoch,
		Step:         int(t.optimizer.GetStepCount()),
		LearningRate: t.optimizer.LearningRate(),
		LossScale:    t.scaler.Scale(),
	}
	if res != nil && res.Eval != nil {
		ts.BestAUC = res.Eval.AUC
		ts.BestAccuracy = res.Eval.Accuracy
		ts.Threshold = res.Eval.Threshold
	}
	return &checkpoints.Checkpoint{
		Model:          t.config.ModelInfo,
		Weights:        checkpoints.ExtractWeights(t.model.NamedParameters()),
		TrainingState:  ts,
		OptimizerState: state,
	}, nil
}

// logCacheStats reports the patch cache of loaders that keep one.
func (t *Trainer) logCacheStats(phase Phase, epoch int, loader async.Loader) {
	c, ok := loader.(interface{ EpochCacheStats() dataloader.CacheStats })
	if !ok {
		return
	}
	stats := c.EpochCacheStats()
	t.logger.Debug("patch cache",
		zap.String("phase", string(phase)),
		zap.Int("epoch", epoch),
		zap.Int("size", stats.Size),
		zap.Int64("hits", stats.Hits),
		zap.Int64("misses", stats.Misses),
		zap.Float64("hit_rate_pct", stats.HitRate),
	)
}

func (t *Trainer) progressBar(description string, loader async.Loader) *ProgressBar {
	var out io.Writer
	if t.group.Rank() == 0 {
		out = t.config.Progress
	}
	total := 0
	if p, ok := loader.(interface{ Progress() (int, int) }); ok {
		_, total = p.Progress()
	}
	return NewProgressBar(out, description, total)
}
