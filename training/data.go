package training

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/go-mil/async"
	"github.com/tsawler/go-mil/sampler"
	"github.com/tsawler/go-mil/vision/dataloader"
	"github.com/tsawler/go-mil/vision/dataset"
)

// SourceConfig configures a SlideSource.
type SourceConfig struct {
	Padding   int    // bags drawn per training slide
	TestLimit int    // max bags per validation slide
	RunSeed   string // shared by all ranks
	Rank      int
	World     int
	Train     dataloader.Config
	Valid     dataloader.Config
}

// SlideSource serves the train and validation loaders of one fold. The
// loaders are reused across epochs and rewound with the epoch's batches.
type SlideSource struct {
	trainSampler *sampler.TrainSampler
	validSampler *sampler.EvalSampler
	trainLoader  *dataloader.SlideLoader
	validLoader  *dataloader.SlideLoader
	slides       []string
}

// NewSlideSource builds samplers and loaders over the two datasets.
func NewSlideSource(fs afero.Fs, train, valid *dataset.SlideDataset, config SourceConfig) (*SlideSource, error) {
	if train == nil || valid == nil {
		return nil, errors.New("train and validation datasets are required")
	}
	ts, err := sampler.NewTrainSampler(train, config.Padding, config.RunSeed, config.Rank, config.World)
	if err != nil {
		return nil, errors.Wrap(err, "train sampler")
	}
	vs, err := sampler.NewEvalSampler(valid, config.TestLimit, config.Rank, config.World)
	if err != nil {
		return nil, errors.Wrap(err, "validation sampler")
	}
	tl, err := dataloader.NewSlideLoader(fs, train, nil, config.Train)
	if err != nil {
		return nil, errors.Wrap(err, "train loader")
	}
	vl, err := dataloader.NewSlideLoader(fs, valid, nil, config.Valid)
	if err != nil {
		return nil, errors.Wrap(err, "validation loader")
	}

	var slides []string
	for _, d := range []*dataset.SlideDataset{train, valid} {
		for _, k := range d.Slides() {
			slides = append(slides, k.String())
		}
	}
	return &SlideSource{
		trainSampler: ts,
		validSampler: vs,
		trainLoader:  tl,
		validLoader:  vl,
		slides:       slides,
	}, nil
}

// SlideNames lists every slide either loader may report.
func (s *SlideSource) SlideNames() []string {
	return s.slides
}

func (s *SlideSource) TrainLoader(epoch int) (async.Loader, error) {
	s.trainSampler.SetEpoch(epoch)
	batches, err := s.trainSampler.Iterate()
	if err != nil {
		return nil, err
	}
	s.trainLoader.Reset(batches)
	return s.trainLoader, nil
}

func (s *SlideSource) EvalLoader(epoch int) (async.Loader, error) {
	s.validSampler.SetEpoch(epoch)
	batches, err := s.validSampler.Iterate()
	if err != nil {
		return nil, err
	}
	s.validLoader.Reset(batches)
	return s.validLoader, nil
}
