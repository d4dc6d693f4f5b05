// Package inference serves failure predictions and their side effects:
// history records, fault alerts and metrics.
package inference

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/turbineoracle/internal/history"
	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/metrics"
	"github.com/rewired-gh/turbineoracle/internal/models"
	"github.com/rewired-gh/turbineoracle/internal/normalize"
	"github.com/rewired-gh/turbineoracle/internal/telegram"
	"github.com/rewired-gh/turbineoracle/internal/telemetry"
)

const alertTimeout = 30 * time.Second

// Predictor classifies a feature mapping.
type Predictor interface {
	PredictFeatures(ctx context.Context, input map[string]float64) (*models.PredictionResult, []normalize.DataQualityWarning, error)
}

// Recorder persists predictions.
type Recorder interface {
	Save(ctx context.Context, rec *history.PredictionRecord) error
}

// Notifier delivers fault alerts.
type Notifier interface {
	Notify(ctx context.Context, alert telegram.Alert) error
}

// Request is one inference call. EntityID is optional.
type Request struct {
	EntityID string
	Features map[string]float64
}

// Outcome is a served prediction.
type Outcome struct {
	ID       string
	Result   *models.PredictionResult
	Warnings []normalize.DataQualityWarning
}

// ParseRequest decodes a JSON feature object. A string or numeric turbine_id
// member names the entity and is not treated as a feature.
func ParseRequest(body []byte) (Request, error) {
	input, err := normalize.ParseInput(body)
	if err != nil {
		return Request{}, err
	}

	var req Request
	if _, ok := input[telemetry.FieldEntity]; ok {
		var meta map[string]json.RawMessage
		if err := json.Unmarshal(body, &meta); err == nil {
			req.EntityID = entityID(meta[telemetry.FieldEntity])
		}
		delete(input, telemetry.FieldEntity)
	}
	req.Features = input
	return req, nil
}

func entityID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return "turbine_" + n.String()
	}
	return ""
}

// Service runs predictions.
type Service struct {
	predictor Predictor
	recorder  Recorder
	notifier  Notifier
	now       func() time.Time
	newID     func() string

	alerts sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder stores every prediction.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithNotifier alerts on every non-normal prediction.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service around a predictor.
func NewService(p Predictor, opts ...Option) *Service {
	s := &Service{
		predictor: p,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Predict classifies one request. History and alert failures are logged and
// never fail the prediction; alerts are sent in the background.
func (s *Service) Predict(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	res, warnings, err := s.predictor.PredictFeatures(ctx, req.Features)
	metrics.PredictionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	out := &Outcome{ID: s.newID(), Result: res, Warnings: warnings}
	metrics.Predictions.WithLabelValues(res.PredictedStatus).Inc()
	if len(warnings) > 0 {
		metrics.DataQualityIssues.WithLabelValues("inference").Add(float64(len(warnings)))
		for _, w := range warnings {
			logger.Warn("Prediction %s: %v", out.ID, w)
		}
	}

	at := s.now()
	if s.recorder != nil {
		rec, err := history.NewRecord(out.ID, req.EntityID, req.Features, res, len(warnings), at)
		if err == nil {
			err = s.recorder.Save(ctx, rec)
		}
		if err != nil {
			logger.Error("Failed to record prediction %s: %v", out.ID, err)
		}
	}

	if s.notifier != nil && res.PredictedLabel != 0 {
		s.alert(ctx, telegram.Alert{
			PredictionID: out.ID,
			EntityID:     req.EntityID,
			Label:        res.PredictedLabel,
			Status:       res.PredictedStatus,
			Confidence:   confidence(res),
			At:           at,
		})
	}

	logger.Debug("Prediction %s: entity=%q label=%d status=%q", out.ID, req.EntityID, res.PredictedLabel, res.PredictedStatus)
	return out, nil
}

func (s *Service) alert(ctx context.Context, a telegram.Alert) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		defer cancel()
		if err := s.notifier.Notify(ctx, a); err != nil {
			logger.Error("Failed to send alert for prediction %s: %v", a.PredictionID, err)
			return
		}
		logger.Info("Alert sent for prediction %s (%s)", a.PredictionID, a.Status)
	}()
}

// Wait blocks until background alerts have finished.
func (s *Service) Wait() {
	s.alerts.Wait()
}

// confidence is the probability of the predicted class, or -1 when unknown.
func confidence(res *models.PredictionResult) float64 {
	if res.PredictionProbabilities == nil {
		return -1
	}
	for i, c := range res.Classes {
		if c == res.PredictedLabel && i < len(res.PredictionProbabilities) {
			return res.PredictionProbabilities[i]
		}
	}
	return -1
}
