// Command miltrain trains the attention-gated MIL classifier with k-fold
// cross-validation, either with every worker in this process or as one rank
// of a TCP group.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-mil/amp"
	"github.com/tsawler/go-mil/async"
	"github.com/tsawler/go-mil/backbone"
	"github.com/tsawler/go-mil/checkpoints"
	"github.com/tsawler/go-mil/config"
	"github.com/tsawler/go-mil/dist"
	"github.com/tsawler/go-mil/logging"
	"github.com/tsawler/go-mil/model"
	"github.com/tsawler/go-mil/optimizer"
	"github.com/tsawler/go-mil/runlog"
	"github.com/tsawler/go-mil/training"
	"github.com/tsawler/go-mil/vision/dataloader"
	"github.com/tsawler/go-mil/vision/dataset"
	"github.com/tsawler/go-mil/vision/preprocessing"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err == arg.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Rank)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, afero.NewOsFs(), logger); err != nil {
		logger.Error("training failed", zap.Error(err))
		os.Exit(1)
	}
}

// job is the state shared by every rank of this process.
type job struct {
	cfg      config.Config
	fs       afero.Fs
	labels   dataset.Labels
	patients []string
	seed     int64
	gauges   *runlog.Gauges
	workers  int
}

func run(ctx context.Context, cfg config.Config, fs afero.Fs, logger *zap.Logger) error {
	labels, err := dataset.LoadLabels(fs, cfg.Labels)
	if err != nil {
		return err
	}
	patients, err := dataset.ListPatients(fs, cfg.Path)
	if err != nil {
		return err
	}
	seed, err := cfg.SeedFromModelID()
	if err != nil {
		return err
	}

	local := cfg.InitMethod == ""
	workers := cfg.Workers
	if workers == 0 {
		workers = cpuid.CPU.PhysicalCores
		if local {
			workers /= cfg.WorldSize
		}
		if workers < 1 {
			workers = 1
		}
	}

	j := &job{cfg: cfg, fs: fs, labels: labels, patients: patients, seed: seed, workers: workers}
	if cfg.MetricsAddr != "" && cfg.Rank == 0 {
		j.gauges = runlog.NewGauges()
		go func() {
			if err := j.gauges.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("starting",
		zap.Int("patients", len(patients)),
		zap.String("target_mag", cfg.TargetMag()),
		zap.String("neighbour_mag", cfg.CoarseMag()),
		zap.Int("world_size", cfg.WorldSize),
		zap.Bool("in_process", local),
		zap.Int("loader_workers", workers),
		zap.Ints("folds", cfg.FoldList()),
	)

	if local {
		return training.RunLocal(ctx, cfg.WorldSize, func(ctx context.Context, group dist.Group) error {
			rankLogger, err := logging.New(cfg.LogLevel, group.Rank())
			if err != nil {
				return err
			}
			return j.runRank(ctx, group, rankLogger)
		})
	}

	group, err := dist.JoinTCP(ctx, dist.TCPConfig{InitMethod: cfg.InitMethod, Rank: cfg.Rank, Size: cfg.WorldSize}, logger)
	if err != nil {
		return err
	}
	defer group.Close()
	return j.runRank(ctx, group, logger)
}

func (j *job) runRank(ctx context.Context, group dist.Group, logger *zap.Logger) error {
	for _, fold := range j.cfg.FoldList() {
		if err := j.runFold(ctx, group, fold, logger.With(zap.Int("fold", fold))); err != nil {
			return errors.Wrapf(err, "fold %d", fold)
		}
		if err := group.Barrier(ctx); err != nil {
			return errors.Wrapf(err, "fold %d barrier", fold)
		}
	}
	return nil
}

func (j *job) runFold(ctx context.Context, group dist.Group, fold int, logger *zap.Logger) error {
	cfg := j.cfg
	trainIDs, validIDs, err := dataset.Fold(j.patients, j.seed, fold, cfg.Folds)
	if err != nil {
		return err
	}
	dcfg := dataset.Config{Root: cfg.Path, Mag: cfg.Mag, Extd: cfg.Extd, MinPatches: cfg.MinPatches}
	trainSet, err := dataset.New(j.fs, dcfg, trainIDs, j.labels)
	if err != nil {
		return errors.Wrap(err, "training set")
	}
	validSet, err := dataset.New(j.fs, dcfg, validIDs, j.labels)
	if err != nil {
		return errors.Wrap(err, "validation set")
	}
	logger.Info("datasets ready", zap.Stringer("train", trainSet), zap.Stringer("valid", validSet))

	// One patch budget per rank; train and validation patients never overlap.
	cache, err := dataloader.NewCacheManager(cfg.CacheSize)
	if err != nil {
		return err
	}
	loader := func(train bool) dataloader.Config {
		return dataloader.Config{
			Image:        preprocessing.Config{CropSize: cfg.CropSize, InputSize: cfg.InputSize, Train: train},
			NumWorkers:   j.workers,
			CacheManager: cache,
		}
	}
	source, err := training.NewSlideSource(j.fs, trainSet, validSet, training.SourceConfig{
		Padding:   cfg.Padding,
		TestLimit: cfg.TestLimit,
		RunSeed:   cfg.RunSeed(fold),
		Rank:      group.Rank(),
		World:     group.Size(),
		Train:     loader(true),
		Valid:     loader(false),
	})
	if err != nil {
		return err
	}

	m, err := model.New(model.Config{
		Backbone:     cfg.Model,
		InputSize:    cfg.InputSize,
		EmbedDim:     cfg.EmbedDim,
		Heads:        cfg.Heads,
		FeedForward:  cfg.FFDim,
		Dropout:      float32(cfg.Dropout),
		EncoderDepth: 2,
		Extd:         cfg.Extd,
		Seed:         j.seed + int64(fold),
	}, backbone.NewRegistry())
	if err != nil {
		return err
	}
	if cfg.Pretrain {
		if err := backbone.LoadPretrained(j.fs, cfg.PretrainWeights, m.FeatureExtractor()); err != nil {
			return err
		}
	}

	opt, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{
		LearningRate: cfg.LR,
		Momentum:     float32(cfg.Momentum),
		WeightDecay:  float32(cfg.WeightDecay),
	}, m.Parameters())
	if err != nil {
		return err
	}
	level, err := amp.ParseOptLevel(cfg.OptLevel)
	if err != nil {
		return err
	}
	scaler, err := amp.NewScaler(level, amp.DefaultScalerConfig())
	if err != nil {
		return err
	}
	sched, err := training.NewScheduler(cfg.Scheduler, cfg.Epochs, cfg.LRDrop)
	if err != nil {
		return err
	}
	profile, err := async.ProfileByName(cfg.Profile)
	if err != nil {
		return err
	}

	var rep training.Reporter
	if group.Rank() == 0 {
		rec, err := runlog.NewRecorder(j.fs, cfg.FoldDirs(fold), j.gauges, logger)
		if err != nil {
			return err
		}
		rep = rec
	}

	trainer, err := training.NewTrainer(m, opt, scaler, group, logger, training.TrainingConfig{
		Fold:       fold,
		Epochs:     cfg.Epochs,
		BaseLR:     cfg.LR,
		Scheduler:  sched,
		Profile:    profile,
		MaxBuffers: 3,
		ModelInfo: checkpoints.ModelInfo{
			Backbone:    cfg.Model,
			EmbedDim:    cfg.EmbedDim,
			FeedForward: cfg.FFDim,
			Extd:        cfg.Extd,
			InputSize:   cfg.InputSize,
		},
		Slides:   source.SlideNames(),
		Progress: os.Stderr,
	})
	if err != nil {
		return err
	}

	logger.Info("fold started", zap.String("scheduler", sched.GetName()), zap.String("opt_level", level.String()))
	res, err := trainer.Fit(ctx, source, rep)
	if err != nil {
		return err
	}
	logger.Info("fold finished", zap.Float64("best_auc", res.BestAUC), zap.Int("best_epoch", res.BestEpoch))
	return nil
}
