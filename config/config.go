// Package config holds the command line configuration of a training run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/amp"
	"github.com/tsawler/go-mil/async"
	"github.com/tsawler/go-mil/runlog"
	"github.com/tsawler/go-mil/training"
	"github.com/tsawler/go-mil/vision/dataset"
)

// Config is the full run configuration. Every flag can also be set from a
// MIL_* environment variable.
type Config struct {
	Path            string  `arg:"--path,env:MIL_PATH" help:"root of the patient patch directories"`
	Labels          string  `arg:"--labels,env:MIL_LABELS" help:"patient label JSON file"`
	Out             string  `arg:"--out,env:MIL_OUT" help:"directory receiving run outputs"`
	ModelID         string  `arg:"--model-id,env:MIL_MODEL_ID" help:"run name; the number after the first _ seeds the fold split"`
	Comment         string  `arg:"--comment,env:MIL_COMMENT" help:"run comment, names the metrics directory"`
	Epochs          int     `arg:"--epochs,env:MIL_EPOCHS" help:"epochs 1..epochs-1 are run"`
	Mag             string  `arg:"--mag,env:MIL_MAG" help:"magnification, e.g. 20 or 20_5 for a coarser neighbour level"`
	LR              float64 `arg:"--lr,env:MIL_LR" help:"base learning rate"`
	Momentum        float64 `arg:"--momentum,env:MIL_MOMENTUM"`
	WeightDecay     float64 `arg:"--weight-decay,env:MIL_WEIGHT_DECAY"`
	LRDrop          int     `arg:"--lrdrop,env:MIL_LRDROP" help:"step scheduler: multiply the rate by 0.1 every lrdrop epochs"`
	Scheduler       string  `arg:"--scheduler,env:MIL_SCHEDULER" help:"cosine, step, exponential or constant"`
	Padding         int     `arg:"--padding,env:MIL_PADDING" help:"bags per training slide"`
	TestLimit       int     `arg:"--test-limit,env:MIL_TEST_LIMIT" help:"max bags per validation slide"`
	Extd            int     `arg:"--extd,env:MIL_EXTD" help:"neighbours per bag"`
	MinPatches      int     `arg:"--min-patches,env:MIL_MIN_PATCHES" help:"slides with fewer target patches are skipped"`
	Model           string  `arg:"--model,env:MIL_MODEL" help:"backbone name"`
	Pretrain        bool    `arg:"--pretrain,env:MIL_PRETRAIN" help:"initialize the backbone from --pretrain-weights"`
	PretrainWeights string  `arg:"--pretrain-weights,env:MIL_PRETRAIN_WEIGHTS"`
	EmbedDim        int     `arg:"--embed-dim,env:MIL_EMBED_DIM"`
	Heads           int     `arg:"--heads,env:MIL_HEADS"`
	FFDim           int     `arg:"--ff-dim,env:MIL_FF_DIM"`
	Dropout         float64 `arg:"--dropout,env:MIL_DROPOUT"`
	InputSize       int     `arg:"--input-size,env:MIL_INPUT_SIZE" help:"side of the network input patch"`
	CropSize        int     `arg:"--crop-size,env:MIL_CROP_SIZE" help:"side of the crop taken before resizing, 0 for none"`
	Profile         string  `arg:"--profile,env:MIL_PROFILE" help:"normalization profile: default or alternate"`
	OptLevel        string  `arg:"--opt-level,env:MIL_OPT_LEVEL" help:"O0, O1 or O2"`
	Rank            int     `arg:"--rank,env:MIL_RANK" help:"rank of this process with --init-method"`
	WorldSize       int     `arg:"--world-size,env:MIL_WORLD_SIZE" help:"number of workers"`
	InitMethod      string  `arg:"--init-method,env:MIL_INIT_METHOD" help:"tcp://host:port of rank 0; empty runs all workers in this process"`
	Workers         int     `arg:"--workers,env:MIL_WORKERS" help:"patch loading goroutines per worker, 0 for one per physical core"`
	CacheSize       int     `arg:"--cache-size,env:MIL_CACHE_SIZE" help:"decoded patches cached per worker, shared by the train and validation loaders"`
	Folds           int     `arg:"--folds,env:MIL_FOLDS"`
	Fold            int     `arg:"--fold,env:MIL_FOLD" help:"run a single fold, -1 for all"`
	MetricsAddr     string  `arg:"--metrics-addr,env:MIL_METRICS_ADDR" help:"serve Prometheus metrics on this address"`
	LogLevel        string  `arg:"--log-level,env:MIL_LOG_LEVEL"`
}

// Default returns the configuration used when no flag is given.
func Default() Config {
	return Config{
		Path:        "/data_path/",
		Labels:      "./pat_labels.json",
		Out:         ".",
		ModelID:     "run_1",
		Comment:     "comment",
		Epochs:      100,
		Mag:         "10",
		LR:          0.0002,
		Momentum:    0.9,
		WeightDecay: 1e-4,
		LRDrop:      50,
		Scheduler:   training.SchedulerCosine,
		Padding:     4,
		TestLimit:   50,
		Extd:        11,
		MinPatches:  1,
		Model:       "resnet",
		EmbedDim:    512,
		Heads:       8,
		FFDim:       2048,
		Dropout:     0.1,
		InputSize:   224,
		CropSize:    384,
		Profile:     async.ProfileDefault.Name,
		OptLevel:    "O0",
		WorldSize:   1,
		CacheSize:   1000,
		Folds:       5,
		Fold:        -1,
		LogLevel:    "info",
	}
}

func (Config) Description() string {
	return "Trains an attention-gated multiple instance classifier on whole-slide patches with k-fold cross-validation."
}

// Parse reads args on top of the defaults and validates the result.
func Parse(args []string) (Config, error) {
	cfg := Default()
	p, err := arg.NewParser(arg.Config{Program: "miltrain"}, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "build parser")
	}
	if err := p.Parse(args); err != nil {
		if err == arg.ErrHelp {
			p.WriteHelp(os.Stdout)
		}
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	switch {
	case c.Path == "":
		return errors.New("--path is required")
	case c.Epochs < 2:
		return errors.Errorf("--epochs must be at least 2, got %d", c.Epochs)
	case c.LR <= 0:
		return errors.Errorf("--lr must be positive, got %g", c.LR)
	case c.Momentum < 0 || c.Momentum > 1:
		return errors.Errorf("--momentum must be in [0, 1], got %g", c.Momentum)
	case c.WeightDecay < 0:
		return errors.Errorf("--weight-decay must not be negative, got %g", c.WeightDecay)
	case c.LRDrop < 1:
		return errors.Errorf("--lrdrop must be positive, got %d", c.LRDrop)
	case c.Padding < 1:
		return errors.Errorf("--padding must be positive, got %d", c.Padding)
	case c.TestLimit < 1:
		return errors.Errorf("--test-limit must be positive, got %d", c.TestLimit)
	case c.Extd < 0:
		return errors.Errorf("--extd must not be negative, got %d", c.Extd)
	case c.MinPatches < 1:
		return errors.Errorf("--min-patches must be positive, got %d", c.MinPatches)
	case c.EmbedDim < 1 || c.Heads < 1 || c.EmbedDim%c.Heads != 0:
		return errors.Errorf("--embed-dim %d must be a positive multiple of --heads %d", c.EmbedDim, c.Heads)
	case c.FFDim < 1:
		return errors.Errorf("--ff-dim must be positive, got %d", c.FFDim)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Errorf("--dropout must be in [0, 1), got %g", c.Dropout)
	case c.InputSize < 1:
		return errors.Errorf("--input-size must be positive, got %d", c.InputSize)
	case c.CropSize < 0:
		return errors.Errorf("--crop-size must not be negative, got %d", c.CropSize)
	case c.Pretrain && c.PretrainWeights == "":
		return errors.New("--pretrain needs --pretrain-weights")
	case c.WorldSize < 1:
		return errors.Errorf("--world-size must be positive, got %d", c.WorldSize)
	case c.Rank < 0 || c.Rank >= c.WorldSize:
		return errors.Errorf("--rank %d out of range [0, %d)", c.Rank, c.WorldSize)
	case c.Workers < 0:
		return errors.Errorf("--workers must not be negative, got %d", c.Workers)
	case c.CacheSize < 1:
		return errors.Errorf("--cache-size must be positive, got %d", c.CacheSize)
	case c.Folds < 2:
		return errors.Errorf("--folds must be at least 2, got %d", c.Folds)
	case c.Fold < -1 || c.Fold >= c.Folds:
		return errors.Errorf("--fold %d out of range [-1, %d)", c.Fold, c.Folds)
	}

	if c.InitMethod != "" {
		if !strings.HasPrefix(c.InitMethod, "tcp://") {
			return errors.Errorf("--init-method must be tcp://host:port, got %q", c.InitMethod)
		}
	} else if c.Rank != 0 {
		return errors.New("--rank needs --init-method")
	}
	if _, err := c.SeedFromModelID(); err != nil {
		return err
	}
	if _, err := amp.ParseOptLevel(c.OptLevel); err != nil {
		return err
	}
	if _, err := async.ProfileByName(c.Profile); err != nil {
		return err
	}
	if _, err := training.NewScheduler(c.Scheduler, c.Epochs, c.LRDrop); err != nil {
		return err
	}
	return nil
}

// TargetMag is the directory of the bag target patches.
func (c Config) TargetMag() string {
	target, _ := dataset.Magnification(c.Mag)
	return target
}

// CoarseMag is the directory of the neighbour patches.
func (c Config) CoarseMag() string {
	_, coarse := dataset.Magnification(c.Mag)
	return coarse
}

// SeedFromModelID parses the number following the first underscore of the
// model id, e.g. 7 for "mil_7_b". It seeds the fold split.
func (c Config) SeedFromModelID() (int64, error) {
	parts := strings.Split(c.ModelID, "_")
	if len(parts) < 2 {
		return 0, errors.Errorf("--model-id %q has no _<seed> part", c.ModelID)
	}
	seed, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "--model-id %q", c.ModelID)
	}
	return seed, nil
}

// FoldDirs returns the output directories of fold f.
func (c Config) FoldDirs(f int) runlog.Dirs {
	return runlog.Dirs{
		Runs:        filepath.Join(c.Out, fmt.Sprintf("runs_%sX_%s_%s_F%d", c.Mag, c.ModelID, c.Model, f), c.Comment),
		Checkpoints: filepath.Join(c.Out, fmt.Sprintf("checkpoints_%sX_%s_%s_F%d", c.Mag, c.ModelID, c.Model, f), "comment"),
		Predictions: filepath.Join(c.Out, fmt.Sprintf("prediction_%s_X%s_F%d", c.ModelID, c.Mag, f)),
	}
}

// FoldList returns the folds to run.
func (c Config) FoldList() []int {
	if c.Fold >= 0 {
		return []int{c.Fold}
	}
	folds := make([]int, c.Folds)
	for i := range folds {
		folds[i] = i
	}
	return folds
}

// RunSeed is shared by every rank and seeds the training slide order.
func (c Config) RunSeed(fold int) string {
	return fmt.Sprintf("%s/%s/F%d", c.ModelID, c.Comment, fold)
}
