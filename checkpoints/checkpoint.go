package checkpoints

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/go-mil/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	Model   ModelInfo      `json:"model"`
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// ModelInfo records the hyper-parameters needed to rebuild the model.
type ModelInfo struct {
	Backbone    string `json:"backbone"`
	EmbedDim    int    `json:"embed_dim"`
	FeedForward int    `json:"feed_forward"`
	Extd        int    `json:"extd"`
	InputSize   int    `json:"input_size"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", ...
}

// TrainingState captures the current training progress
type TrainingState struct {
	Fold         int     `json:"fold"`
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestAUC      float64 `json:"best_auc"`
	BestAccuracy float64 `json:"best_accuracy"`
	Threshold    float64 `json:"threshold"`
	LossScale    float64 `json:"loss_scale,omitempty"`
}

// OptimizerState captures optimizer-specific state (momentum buffers)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
	fs     afero.Fs
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(fs afero.Fs, format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
		fs:     fs,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter(cs.fs).ExportToONNX(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter(cs.fs).ImportFromONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	stampMetadata(checkpoint)

	file, err := cs.fs.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := cs.fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &checkpoint, nil
}

func stampMetadata(checkpoint *Checkpoint) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-mil"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}
}

// ExtractWeights copies every named parameter into a WeightTensor.
func ExtractWeights(params []layers.NamedParameter) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)

		layer, kind := p.Name, ""
		if dot := strings.LastIndex(p.Name, "."); dot >= 0 {
			layer, kind = p.Name[:dot], p.Name[dot+1:]
		}
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		}
	}
	return weights
}

// LoadWeights copies weights into the matching parameters. A weight named
// prefix+name is loaded into the parameter called name; weights without the
// prefix are ignored when a prefix is given. Every parameter must be found.
func LoadWeights(weights []WeightTensor, params []layers.NamedParameter, prefix string) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		if !strings.HasPrefix(w.Name, prefix) {
			continue
		}
		byName[strings.TrimPrefix(w.Name, prefix)] = w
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("missing weight for parameter %s", p.Name)
		}
		if !shapeEqual(w.Shape, p.Value.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", p.Name, p.Value.Shape, w.Shape)
		}
		if len(w.Data) != len(p.Value.Data) {
			return errors.Errorf("weight %s has %d values, expected %d", p.Name, len(w.Data), len(p.Value.Data))
		}
		copy(p.Value.Data, w.Data)
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
