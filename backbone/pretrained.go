package backbone

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/go-mil/checkpoints"
	"github.com/tsawler/go-mil/layers"
)

// FeatureExtractorPrefix is the parameter name prefix the backbone carries
// inside a full model checkpoint.
const FeatureExtractorPrefix = "feature_extractor."

// LoadPretrained copies backbone weights from a JSON or ONNX checkpoint into
// m. The checkpoint may hold a bare backbone or a full model, in which case
// only the feature extractor weights are used.
func LoadPretrained(fs afero.Fs, path string, m layers.Module) error {
	format := checkpoints.FormatJSON
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		format = checkpoints.FormatONNX
	}
	ckpt, err := checkpoints.NewCheckpointSaver(fs, format).LoadCheckpoint(path)
	if err != nil {
		return errors.Wrapf(err, "load pretrained weights %s", path)
	}

	prefix := ""
	for _, w := range ckpt.Weights {
		if strings.HasPrefix(w.Name, FeatureExtractorPrefix) {
			prefix = FeatureExtractorPrefix
			break
		}
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, m.NamedParameters(), prefix); err != nil {
		return errors.Wrapf(err, "apply pretrained weights %s", path)
	}
	return nil
}
