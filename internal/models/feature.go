package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// Statistic suffixes appended to a channel name to form a feature column.
const (
	StatMean   = "mean"
	StatStd    = "std"
	StatMin    = "min"
	StatMax    = "max"
	StatMedian = "median"
)

// Stats lists the per-channel statistics in column order.
var Stats = []string{StatMean, StatStd, StatMin, StatMax, StatMedian}

// FeatureName builds the column name for a channel statistic, e.g. "wind_speed_m_s_mean".
func FeatureName(channel, stat string) string {
	return channel + "_" + stat
}

// FeatureSet is an insertion-ordered mapping from feature column to value.
// The zero value is empty and ready to use.
type FeatureSet struct {
	keys   []string
	values map[string]float64
}

// Set stores v under name. Re-setting an existing name keeps its position.
func (f *FeatureSet) Set(name string, v float64) {
	if f.values == nil {
		f.values = make(map[string]float64)
	}
	if _, exists := f.values[name]; !exists {
		f.keys = append(f.keys, name)
	}
	f.values[name] = v
}

// Get returns the value stored under name.
func (f *FeatureSet) Get(name string) (float64, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Len returns the number of features.
func (f *FeatureSet) Len() int {
	return len(f.keys)
}

// Keys returns the feature names in insertion order.
func (f *FeatureSet) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Map returns an unordered copy of the features.
func (f *FeatureSet) Map() map[string]float64 {
	out := make(map[string]float64, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the set as a JSON object preserving insertion order.
// Non-finite values are encoded as null.
func (f FeatureSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		v := f.values[k]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf.WriteString("null")
			continue
		}
		buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FeatureRecord holds the statistics computed for one window of one entity.
type FeatureRecord struct {
	EntityID           string     `json:"turbine_id"`
	WindowEndTimestamp time.Time  `json:"window_end_timestamp"`
	WindowLabel        int        `json:"label"`
	Features           FeatureSet `json:"features"`
}

// Validate checks that all record fields are valid.
func (r *FeatureRecord) Validate() error {
	if r.EntityID == "" {
		return errors.New("entity ID must not be empty")
	}
	if r.WindowEndTimestamp.IsZero() {
		return errors.New("window end timestamp must be set")
	}
	if r.WindowLabel != 0 && r.WindowLabel != 1 {
		return errors.New("window label must be 0 or 1")
	}
	return nil
}
