package classifier

import (
	"context"
	"fmt"

	"github.com/rewired-gh/turbineoracle/internal/models"
	"github.com/rewired-gh/turbineoracle/internal/normalize"
)

// Adapter scores feature vectors with the cached model.
type Adapter struct {
	cache      *ArtifactCache
	normalizer *normalize.Normalizer
}

// NewAdapter creates an Adapter. A nil normalizer uses the default fill value.
func NewAdapter(cache *ArtifactCache, normalizer *normalize.Normalizer) *Adapter {
	if normalizer == nil {
		normalizer = normalize.New()
	}
	return &Adapter{cache: cache, normalizer: normalizer}
}

// Columns returns the fitted column order, loading artifacts if needed.
func (a *Adapter) Columns(ctx context.Context) ([]string, error) {
	s, err := a.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), s.Columns...), nil
}

// Predict scales and classifies a vector already aligned to the fitted columns.
func (a *Adapter) Predict(ctx context.Context, vector []float64) (*models.PredictionResult, error) {
	s, err := a.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	return predict(s, vector)
}

// PredictFeatures normalizes a feature mapping against the fitted columns and
// classifies it. Normalization warnings are returned alongside the result.
func (a *Adapter) PredictFeatures(ctx context.Context, input map[string]float64) (*models.PredictionResult, []normalize.DataQualityWarning, error) {
	if len(input) == 0 {
		return nil, nil, &normalize.SchemaMismatchError{Reason: "input is empty"}
	}

	s, err := a.cache.Get(ctx)
	if err != nil {
		return nil, nil, err
	}

	vector, warnings, err := a.normalizer.Normalize(input, s.Columns)
	if err != nil {
		return nil, nil, err
	}

	res, err := predict(s, vector)
	if err != nil {
		return nil, warnings, err
	}
	return res, warnings, nil
}

func predict(s *ModelSchema, vector []float64) (*models.PredictionResult, error) {
	if len(vector) != len(s.Columns) {
		return nil, fmt.Errorf("vector has %d values, model expects %d", len(vector), len(s.Columns))
	}

	scaled, err := s.Scaler.Transform(vector)
	if err != nil {
		return nil, fmt.Errorf("scaling failed: %w", err)
	}

	label, err := s.Classifier.Predict(scaled)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}

	res := &models.PredictionResult{
		PredictedLabel:  label,
		PredictedStatus: models.StatusForLabel(label),
		Classes:         append([]int(nil), s.Classifier.Classes()...),
	}
	if pc, ok := s.Classifier.(ProbabilityClassifier); ok {
		if res.PredictionProbabilities, err = pc.PredictProba(scaled); err != nil {
			return nil, fmt.Errorf("probability estimation failed: %w", err)
		}
	}
	return res, nil
}
