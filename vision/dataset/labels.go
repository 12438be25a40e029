package dataset

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// LabelRecord is one entry of the patient label file. Other fields of the
// record are ignored.
type LabelRecord struct {
	PatientLabel float64 `json:"patient-label"`
}

// Labels maps patient IDs to their binary label.
type Labels map[string]LabelRecord

// LoadLabels reads a JSON object keyed by patient ID.
func LoadLabels(fs afero.Fs, file string) (Labels, error) {
	data, err := afero.ReadFile(fs, file)
	if err != nil {
		return nil, errors.Wrapf(err, "read label file %s", file)
	}
	var labels Labels
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, errors.Wrapf(err, "decode label file %s", file)
	}
	return labels, nil
}

// Label returns the binary label of a patient.
func (l Labels) Label(patient string) (int, error) {
	rec, ok := l[patient]
	if !ok {
		return 0, errors.Errorf("no label for patient %s", patient)
	}
	switch rec.PatientLabel {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	}
	return 0, errors.Errorf("patient %s has non-binary label %v", patient, rec.PatientLabel)
}
