// Package classifier turns normalized feature vectors into failure predictions
// using a fitted scaler and classifier loaded from JSON model artifacts.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrArtifactUnavailable is returned when model artifacts cannot be loaded or
// are inconsistent with each other.
var ErrArtifactUnavailable = errors.New("model artifacts unavailable")

// Scaler applies a fitted per-column transform.
type Scaler interface {
	Transform(x []float64) ([]float64, error)
	Dim() int
}

// Classifier predicts a class label for a scaled vector.
type Classifier interface {
	Classes() []int
	Dim() int
	Predict(x []float64) (int, error)
}

// ProbabilityClassifier also reports per-class probabilities aligned with Classes.
type ProbabilityClassifier interface {
	Classifier
	PredictProba(x []float64) ([]float64, error)
}

// StandardScaler computes (x - mean) / scale.
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

func (s *StandardScaler) Dim() int { return len(s.Mean) }

func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d values, got %d", len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}

// MinMaxScaler computes x*scale + min, matching a fitted min-max scaler's
// stored min and scale terms.
type MinMaxScaler struct {
	Min   []float64
	Scale []float64
}

func (s *MinMaxScaler) Dim() int { return len(s.Min) }

func (s *MinMaxScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Min) {
		return nil, fmt.Errorf("scaler expects %d values, got %d", len(s.Min), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v*s.Scale[i] + s.Min[i]
	}
	return out, nil
}

// Logistic is a (multinomial) logistic regression. A single coefficient row
// with two classes is the binary form and uses the sigmoid.
type Logistic struct {
	classes   []int
	coef      [][]float64
	intercept []float64
}

func (m *Logistic) Classes() []int { return m.classes }
func (m *Logistic) Dim() int       { return len(m.coef[0]) }

func (m *Logistic) PredictProba(x []float64) ([]float64, error) {
	z, err := linear(m.coef, m.intercept, x)
	if err != nil {
		return nil, err
	}
	if len(z) == 1 {
		p := 1 / (1 + math.Exp(-z[0]))
		return []float64{1 - p, p}, nil
	}
	return softmax(z), nil
}

func (m *Logistic) Predict(x []float64) (int, error) {
	p, err := m.PredictProba(x)
	if err != nil {
		return 0, err
	}
	return m.classes[floats.MaxIdx(p)], nil
}

// LinearSVC picks the class with the highest decision value. It has no
// probability support.
type LinearSVC struct {
	classes   []int
	coef      [][]float64
	intercept []float64
}

func (m *LinearSVC) Classes() []int { return m.classes }
func (m *LinearSVC) Dim() int       { return len(m.coef[0]) }

func (m *LinearSVC) Predict(x []float64) (int, error) {
	z, err := linear(m.coef, m.intercept, x)
	if err != nil {
		return 0, err
	}
	if len(z) == 1 {
		if z[0] > 0 {
			return m.classes[1], nil
		}
		return m.classes[0], nil
	}
	return m.classes[floats.MaxIdx(z)], nil
}

// TreeNode is one node of a decision tree. Leaves have Left == Right == -1.
type TreeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

// Tree is a decision tree stored as a flat node list rooted at index 0.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

func (t *Tree) leaf(x []float64) []float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Left < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// RandomForest averages the normalized leaf distributions of its trees.
type RandomForest struct {
	classes []int
	trees   []Tree
	dim     int
}

func (m *RandomForest) Classes() []int { return m.classes }
func (m *RandomForest) Dim() int       { return m.dim }

func (m *RandomForest) PredictProba(x []float64) ([]float64, error) {
	if len(x) != m.dim {
		return nil, fmt.Errorf("classifier expects %d values, got %d", m.dim, len(x))
	}
	out := make([]float64, len(m.classes))
	for i := range m.trees {
		value := m.trees[i].leaf(x)
		total := floats.Sum(value)
		if total == 0 {
			continue
		}
		floats.AddScaled(out, 1/total, value)
	}
	floats.Scale(1/float64(len(m.trees)), out)
	return out, nil
}

func (m *RandomForest) Predict(x []float64) (int, error) {
	p, err := m.PredictProba(x)
	if err != nil {
		return 0, err
	}
	return m.classes[floats.MaxIdx(p)], nil
}

func linear(coef [][]float64, intercept, x []float64) ([]float64, error) {
	if len(x) != len(coef[0]) {
		return nil, fmt.Errorf("classifier expects %d values, got %d", len(coef[0]), len(x))
	}
	z := make([]float64, len(coef))
	for k, row := range coef {
		z[k] = intercept[k] + floats.Dot(row, x)
	}
	return z, nil
}

// softmax is shifted by the largest value so exp cannot overflow.
func softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	copy(out, z)
	floats.AddConst(-floats.Max(z), out)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

type scalerDoc struct {
	Kind  string    `json:"kind"`
	Mean  []float64 `json:"mean"`
	Min   []float64 `json:"min"`
	Scale []float64 `json:"scale"`
}

// DecodeScaler parses a scaler artifact.
func DecodeScaler(data []byte) (Scaler, error) {
	var doc scalerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid scaler artifact: %w", err)
	}
	switch doc.Kind {
	case "standard":
		if len(doc.Mean) == 0 || len(doc.Mean) != len(doc.Scale) {
			return nil, fmt.Errorf("standard scaler: mean has %d values, scale has %d", len(doc.Mean), len(doc.Scale))
		}
		return &StandardScaler{Mean: doc.Mean, Scale: doc.Scale}, nil
	case "minmax":
		if len(doc.Min) == 0 || len(doc.Min) != len(doc.Scale) {
			return nil, fmt.Errorf("minmax scaler: min has %d values, scale has %d", len(doc.Min), len(doc.Scale))
		}
		return &MinMaxScaler{Min: doc.Min, Scale: doc.Scale}, nil
	default:
		return nil, fmt.Errorf("unknown scaler kind %q", doc.Kind)
	}
}

type classifierDoc struct {
	Kind      string      `json:"kind"`
	Classes   []int       `json:"classes"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
	NFeatures int         `json:"n_features"`
	Trees     []Tree      `json:"trees"`
}

// DecodeClassifier parses a classifier artifact.
func DecodeClassifier(data []byte) (Classifier, error) {
	var doc classifierDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid classifier artifact: %w", err)
	}
	if err := validateClasses(doc.Classes); err != nil {
		return nil, err
	}

	switch doc.Kind {
	case "logistic":
		if err := validateLinear(doc, len(doc.Classes)); err != nil {
			return nil, fmt.Errorf("logistic: %w", err)
		}
		return &Logistic{classes: doc.Classes, coef: doc.Coef, intercept: doc.Intercept}, nil
	case "linear_svc":
		if err := validateLinear(doc, len(doc.Classes)); err != nil {
			return nil, fmt.Errorf("linear_svc: %w", err)
		}
		return &LinearSVC{classes: doc.Classes, coef: doc.Coef, intercept: doc.Intercept}, nil
	case "random_forest":
		if err := validateForest(doc); err != nil {
			return nil, fmt.Errorf("random_forest: %w", err)
		}
		return &RandomForest{classes: doc.Classes, trees: doc.Trees, dim: doc.NFeatures}, nil
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", doc.Kind)
	}
}

// DecodeColumns parses the ordered column list artifact.
func DecodeColumns(data []byte) ([]string, error) {
	var cols []string
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, fmt.Errorf("invalid columns artifact: %w", err)
	}
	if len(cols) == 0 {
		return nil, errors.New("columns artifact is empty")
	}
	seen := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		if c == "" {
			return nil, errors.New("columns artifact contains an empty name")
		}
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = struct{}{}
	}
	return cols, nil
}

func validateClasses(classes []int) error {
	if len(classes) < 2 {
		return fmt.Errorf("classifier needs at least 2 classes, got %d", len(classes))
	}
	seen := make(map[int]struct{}, len(classes))
	for _, c := range classes {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate class %d", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

func validateLinear(doc classifierDoc, nClasses int) error {
	rows := len(doc.Coef)
	switch {
	case rows == 1 && nClasses == 2:
	case rows == nClasses:
	default:
		return fmt.Errorf("%d coefficient rows for %d classes", rows, nClasses)
	}
	if len(doc.Intercept) != rows {
		return fmt.Errorf("%d intercepts for %d coefficient rows", len(doc.Intercept), rows)
	}
	dim := len(doc.Coef[0])
	if dim == 0 {
		return errors.New("empty coefficient row")
	}
	for i, row := range doc.Coef {
		if len(row) != dim {
			return fmt.Errorf("coefficient row %d has %d values, want %d", i, len(row), dim)
		}
	}
	return nil
}

func validateForest(doc classifierDoc) error {
	if doc.NFeatures < 1 {
		return errors.New("n_features must be positive")
	}
	if len(doc.Trees) == 0 {
		return errors.New("no trees")
	}
	for t, tree := range doc.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", t)
		}
		for i, n := range tree.Nodes {
			if n.Left < 0 || n.Right < 0 {
				if n.Left != -1 || n.Right != -1 {
					return fmt.Errorf("tree %d node %d: leaf must have left = right = -1", t, i)
				}
				if len(n.Value) != len(doc.Classes) {
					return fmt.Errorf("tree %d node %d: leaf has %d values for %d classes", t, i, len(n.Value), len(doc.Classes))
				}
				continue
			}
			// Children always follow their parent, which rules out cycles.
			if n.Left <= i || n.Right <= i || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d: invalid children %d/%d", t, i, n.Left, n.Right)
			}
			if n.Feature < 0 || n.Feature >= doc.NFeatures {
				return fmt.Errorf("tree %d node %d: feature %d out of range", t, i, n.Feature)
			}
		}
	}
	return nil
}

// ModelSchema is the loaded, immutable model: fitted column order, scaler and
// classifier.
type ModelSchema struct {
	Columns    []string
	Scaler     Scaler
	Classifier Classifier
}

// NewModelSchema checks that the artifacts agree on the vector length.
func NewModelSchema(columns []string, scaler Scaler, clf Classifier) (*ModelSchema, error) {
	if scaler.Dim() != len(columns) {
		return nil, fmt.Errorf("%w: scaler expects %d columns, column list has %d",
			ErrArtifactUnavailable, scaler.Dim(), len(columns))
	}
	if clf.Dim() != len(columns) {
		return nil, fmt.Errorf("%w: classifier expects %d columns, column list has %d",
			ErrArtifactUnavailable, clf.Dim(), len(columns))
	}
	return &ModelSchema{Columns: columns, Scaler: scaler, Classifier: clf}, nil
}
