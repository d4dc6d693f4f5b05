// Package normalize aligns caller-supplied feature mappings to a model's fitted
// column order.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// SchemaMismatchError is returned when the input cannot be aligned at all.
// Missing columns are never a mismatch; they are filled.
type SchemaMismatchError struct {
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return "schema mismatch: " + e.Reason
}

// DataQualityWarning reports a value that was replaced during normalization.
type DataQualityWarning struct {
	Column string
	Value  float64
}

func (w DataQualityWarning) Error() string {
	return fmt.Sprintf("column %s: non-finite value %v replaced with 0", w.Column, w.Value)
}

// Normalizer aligns feature mappings to an ordered schema.
type Normalizer struct {
	fill float64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithFillValue sets the value used for columns absent from the input.
func WithFillValue(v float64) Option {
	return func(n *Normalizer) { n.fill = v }
}

// New creates a Normalizer. The default fill value is 0.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// FillValue returns the value used for absent columns.
func (n *Normalizer) FillValue() float64 {
	return n.fill
}

// Normalize returns a vector with one entry per schema column in schema order.
// Present columns are copied, absent columns take the fill value, and non-finite
// values become 0 with a warning. Input keys not in schema are ignored.
func (n *Normalizer) Normalize(input map[string]float64, schema []string) ([]float64, []DataQualityWarning, error) {
	if len(input) == 0 {
		return nil, nil, &SchemaMismatchError{Reason: "input is empty"}
	}

	vec := make([]float64, len(schema))
	var warnings []DataQualityWarning
	for i, col := range schema {
		v, ok := input[col]
		if !ok {
			v = n.fill
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			warnings = append(warnings, DataQualityWarning{Column: col, Value: v})
			v = 0
		}
		vec[i] = v
	}
	return vec, warnings, nil
}

// Missing returns the schema columns absent from input, in schema order.
func Missing(input map[string]float64, schema []string) []string {
	var out []string
	for _, col := range schema {
		if _, ok := input[col]; !ok {
			out = append(out, col)
		}
	}
	return out
}

// Unknown returns the input keys that are not schema columns, sorted.
func Unknown(input map[string]float64, schema []string) []string {
	known := make(map[string]struct{}, len(schema))
	for _, col := range schema {
		known[col] = struct{}{}
	}
	var out []string
	for k := range input {
		if _, ok := known[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ParseInput decodes a JSON object of feature values. Numbers are kept as is;
// null, strings, booleans and nested values become NaN so that Normalize
// reports and zeroes them. Anything other than a non-empty object is a
// *SchemaMismatchError.
func ParseInput(data []byte) (map[string]float64, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &SchemaMismatchError{Reason: "request body is empty"}
	}
	if trimmed[0] != '{' {
		return nil, &SchemaMismatchError{Reason: "input must be a JSON object"}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &SchemaMismatchError{Reason: "invalid JSON object: " + err.Error()}
	}
	if len(raw) == 0 {
		return nil, &SchemaMismatchError{Reason: "input is empty"}
	}

	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			f = math.NaN()
		}
		out[k] = f
	}
	return out, nil
}

// IsSchemaMismatch reports whether err is a *SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var sme *SchemaMismatchError
	return errors.As(err, &sme)
}
