package normalize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAlignsToSchema(t *testing.T) {
	schema := []string{"a", "b", "c"}

	vec, warnings, err := New().Normalize(map[string]float64{"a": 1, "c": math.NaN()}, schema)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 0}, vec)
	require.Len(t, warnings, 1)
	assert.Equal(t, "c", warnings[0].Column)
	assert.True(t, math.IsNaN(warnings[0].Value))
}

func TestNormalizeOrderFollowsSchema(t *testing.T) {
	input := map[string]float64{"x": 1, "y": 2, "z": 3}

	vec, _, err := New().Normalize(input, []string{"z", "x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1, 2}, vec)
}

func TestNormalizeEmptyInputIsMismatch(t *testing.T) {
	_, _, err := New().Normalize(map[string]float64{}, []string{"a"})
	var sme *SchemaMismatchError
	require.ErrorAs(t, err, &sme)

	_, _, err = New().Normalize(nil, []string{"a"})
	assert.True(t, IsSchemaMismatch(err))
}

func TestNormalizeUnknownKeysOnly(t *testing.T) {
	schema := []string{"a", "b"}
	input := map[string]float64{"x": 1}

	vec, warnings, err := New().Normalize(input, schema)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, vec)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"a", "b"}, Missing(input, schema))
	assert.Equal(t, []string{"x"}, Unknown(input, schema))
}

func TestNormalizeFillValue(t *testing.T) {
	n := New(WithFillValue(-1))
	assert.Equal(t, -1.0, n.FillValue())

	vec, warnings, err := n.Normalize(map[string]float64{"a": math.Inf(1)}, []string{"a", "b"})
	require.NoError(t, err)
	// Fill applies to missing columns; non-finite values always become 0.
	assert.Equal(t, []float64{0, -1}, vec)
	assert.Len(t, warnings, 1)
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantErr  bool
		wantNaN  []string
		wantVals map[string]float64
	}{
		{name: "empty body", body: "", wantErr: true},
		{name: "whitespace", body: "  \n", wantErr: true},
		{name: "array", body: `[1,2]`, wantErr: true},
		{name: "string", body: `"x"`, wantErr: true},
		{name: "empty object", body: `{}`, wantErr: true},
		{name: "malformed", body: `{"a":`, wantErr: true},
		{
			name:     "numbers",
			body:     `{"a": 1.5, "b": -2}`,
			wantVals: map[string]float64{"a": 1.5, "b": -2},
		},
		{
			name:     "non numeric values",
			body:     `{"a": 1, "b": "hot", "c": null, "d": true, "e": [1]}`,
			wantVals: map[string]float64{"a": 1},
			wantNaN:  []string{"b", "c", "d", "e"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInput([]byte(tt.body))
			if tt.wantErr {
				assert.True(t, IsSchemaMismatch(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			for k, v := range tt.wantVals {
				assert.Equal(t, v, got[k], k)
			}
			for _, k := range tt.wantNaN {
				assert.True(t, math.IsNaN(got[k]), "%s should be NaN", k)
			}
		})
	}
}
