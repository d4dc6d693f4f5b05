package models

import (
	"encoding/json"
	"fmt"
)

// StatusUnknown is reported for labels outside the status table.
const StatusUnknown = "Unknown"

// statusTable maps classifier labels to human-readable states. The table is closed.
var statusTable = map[int]string{
	0: "Normal",
	1: "Gearbox Failure (Overheating)",
	2: "Vibration Failure",
}

// StatusForLabel returns the status name for a predicted label.
func StatusForLabel(label int) string {
	if s, ok := statusTable[label]; ok {
		return s
	}
	return StatusUnknown
}

// notAvailable is the wire value used when a classifier has no probability support.
const notAvailable = "N/A"

// PredictionResult is the outcome of scoring one feature vector.
//
// PredictionProbabilities is aligned with Classes (the classifier's own class order),
// not with label values. It is nil when the classifier cannot produce probabilities.
type PredictionResult struct {
	PredictedLabel          int
	PredictionProbabilities []float64
	PredictedStatus         string
	Classes                 []int
}

type predictionWire struct {
	PredictedLabel          int             `json:"predicted_label"`
	PredictionProbabilities json.RawMessage `json:"prediction_probabilities"`
	PredictedStatus         string          `json:"predicted_status"`
	Classes                 []int           `json:"classes,omitempty"`
}

// MarshalJSON encodes missing probabilities as "N/A".
func (p PredictionResult) MarshalJSON() ([]byte, error) {
	probs := []byte(`"` + notAvailable + `"`)
	if p.PredictionProbabilities != nil {
		var err error
		probs, err = json.Marshal(p.PredictionProbabilities)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(predictionWire{
		PredictedLabel:          p.PredictedLabel,
		PredictionProbabilities: probs,
		PredictedStatus:         p.PredictedStatus,
		Classes:                 p.Classes,
	})
}

// UnmarshalJSON accepts either a probability array or the "N/A" marker.
func (p *PredictionResult) UnmarshalJSON(data []byte) error {
	var w predictionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.PredictedLabel = w.PredictedLabel
	p.PredictedStatus = w.PredictedStatus
	p.Classes = w.Classes
	p.PredictionProbabilities = nil

	if len(w.PredictionProbabilities) == 0 || string(w.PredictionProbabilities) == "null" {
		return nil
	}
	if w.PredictionProbabilities[0] == '"' {
		var s string
		if err := json.Unmarshal(w.PredictionProbabilities, &s); err != nil {
			return err
		}
		if s != notAvailable {
			return fmt.Errorf("unexpected prediction_probabilities value %q", s)
		}
		return nil
	}
	return json.Unmarshal(w.PredictionProbabilities, &p.PredictionProbabilities)
}
