// Package pipeline turns one raw telemetry object into one feature object.
//
// Processing is triggered per object: the raw object is decoded, split by
// turbine, windowed into feature records, encoded, and written to the processed
// bucket. Failures that redelivery can fix are returned as-is; failures tied to
// the object's content are wrapped with queue.Permanent.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/turbineoracle/internal/features"
	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/metrics"
	"github.com/rewired-gh/turbineoracle/internal/models"
	"github.com/rewired-gh/turbineoracle/internal/queue"
	"github.com/rewired-gh/turbineoracle/internal/storage"
	"github.com/rewired-gh/turbineoracle/internal/telemetry"
	"github.com/rewired-gh/turbineoracle/internal/tracker"
)

// ErrInProgress is returned when another worker holds the object's lease.
var ErrInProgress = errors.New("object is being processed by another worker")

// Tracker records processed objects. RedisTracker implements it.
type Tracker interface {
	Acquire(ctx context.Context, ref models.ObjectRef) (tracker.Status, error)
	MarkDone(ctx context.Context, ref models.ObjectRef) error
	Release(ctx context.Context, ref models.ObjectRef) error
}

// Announcer publishes a message when a feature object is written.
type Announcer interface {
	Publish(ctx context.Context, v any) error
}

// FeaturesCreated is announced after a feature object is written.
type FeaturesCreated struct {
	Source    models.ObjectRef `json:"source"`
	Output    models.ObjectRef `json:"output"`
	Entities  []string         `json:"turbine_ids"`
	Windows   int              `json:"windows"`
	CreatedAt time.Time        `json:"created_at"`
}

// Config holds the processor settings.
type Config struct {
	OutputBucket string
	OutputPrefix string
	WindowSize   int
	StepSize     int
	Encoder      features.Encoder
}

// Report summarizes one Process call.
type Report struct {
	Source        models.ObjectRef `json:"source"`
	Output        models.ObjectRef `json:"output"`
	Readings      int              `json:"readings"`
	Entities      []string         `json:"turbine_ids"`
	Windows       int              `json:"windows"`
	DecodeIssues  int              `json:"decode_issues"`
	QualityIssues int              `json:"quality_issues"`
	Skipped       bool             `json:"skipped,omitempty"`
}

// Processor runs the feature pipeline for raw objects.
type Processor struct {
	store     storage.ObjectStore
	cfg       Config
	tracker   Tracker
	announcer Announcer
	now       func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithTracker enables processed-object tracking.
func WithTracker(t Tracker) Option {
	return func(p *Processor) { p.tracker = t }
}

// WithAnnouncer publishes FeaturesCreated messages.
func WithAnnouncer(a Announcer) Option {
	return func(p *Processor) { p.announcer = a }
}

// NewProcessor validates cfg and creates a Processor.
func NewProcessor(store storage.ObjectStore, cfg Config, opts ...Option) (*Processor, error) {
	if cfg.OutputBucket == "" {
		return nil, errors.New("output bucket is required")
	}
	if cfg.WindowSize < 1 || cfg.StepSize < 1 {
		return nil, fmt.Errorf("window size and step size must be at least 1 (got %d/%d)", cfg.WindowSize, cfg.StepSize)
	}
	if cfg.Encoder == nil {
		cfg.Encoder = features.ParquetEncoder{}
	}
	p := &Processor{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// OutputKey maps a raw object key to its feature object key: the source key
// without its .gz and .json/.jsonl extensions, suffixed with _features and ext,
// under prefix.
func OutputKey(prefix, sourceKey, ext string) string {
	base := strings.TrimSuffix(sourceKey, ".gz")
	for _, e := range []string{".jsonl", ".json"} {
		if strings.HasSuffix(base, e) {
			base = strings.TrimSuffix(base, e)
			break
		}
	}
	return prefix + base + "_features" + ext
}

// Process implements queue.Handler.
func (p *Processor) Process(ctx context.Context, ref models.ObjectRef) error {
	_, err := p.ProcessObject(ctx, ref)
	return err
}

// ProcessObject runs the pipeline for one raw object and reports what it did.
func (p *Processor) ProcessObject(ctx context.Context, ref models.ObjectRef) (*Report, error) {
	if err := ref.Validate(); err != nil {
		return nil, queue.Permanent(err)
	}
	report := &Report{Source: ref}

	if p.tracker != nil {
		status, err := p.tracker.Acquire(ctx, ref)
		switch {
		case err != nil:
			logger.Warn("Tracker unavailable for %s, processing untracked: %v", ref, err)
		case status == tracker.Done:
			logger.Info("Skipping %s: already processed", ref)
			metrics.ObjectsProcessed.WithLabelValues("skipped").Inc()
			report.Skipped = true
			return report, nil
		case status == tracker.InProgress:
			return nil, queue.Deferred(fmt.Errorf("%s: %w", ref, ErrInProgress))
		}
	}

	if err := p.run(ctx, ref, report); err != nil {
		metrics.ObjectsProcessed.WithLabelValues("failed").Inc()
		if p.tracker != nil {
			if rerr := p.tracker.Release(context.WithoutCancel(ctx), ref); rerr != nil {
				logger.Warn("Failed to release %s: %v", ref, rerr)
			}
		}
		return nil, err
	}

	metrics.ObjectsProcessed.WithLabelValues("succeeded").Inc()
	if p.tracker != nil {
		if err := p.tracker.MarkDone(ctx, ref); err != nil {
			logger.Warn("Failed to mark %s done: %v", ref, err)
		}
	}
	return report, nil
}

func (p *Processor) run(ctx context.Context, ref models.ObjectRef, report *Report) error {
	start := time.Now()

	data, err := storage.ReadAll(ctx, p.store, ref.Bucket, ref.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	readings, decodeIssues, err := telemetry.Decode(data, ref.Key)
	report.DecodeIssues = len(decodeIssues)
	for _, issue := range decodeIssues {
		logger.Warn("%s: skipped %v", ref, issue)
	}
	metrics.DataQualityIssues.WithLabelValues("decode").Add(float64(len(decodeIssues)))
	if err != nil {
		return queue.Permanent(fmt.Errorf("%s: %w", ref, err))
	}
	report.Readings = len(readings)

	ids, groups := features.GroupByEntity(readings)
	var records []models.FeatureRecord
	for _, id := range ids {
		recs, issues, err := features.Extract(groups[id], p.cfg.WindowSize, p.cfg.StepSize)
		if err != nil {
			return queue.Permanent(err)
		}
		for _, issue := range issues {
			logger.Debug("%s: %v", ref, issue)
		}
		report.QualityIssues += len(issues)
		if len(recs) > 0 {
			report.Entities = append(report.Entities, id)
		}
		records = append(records, recs...)
	}
	metrics.DataQualityIssues.WithLabelValues("extract").Add(float64(report.QualityIssues))
	report.Windows = len(records)

	if len(records) == 0 {
		logger.Info("%s: %d readings produced no complete window (window %d), nothing written",
			ref, len(readings), p.cfg.WindowSize)
		return nil
	}

	var buf bytes.Buffer
	if err := p.cfg.Encoder.Encode(&buf, records); err != nil {
		return fmt.Errorf("failed to encode features for %s: %w", ref, err)
	}

	out := models.ObjectRef{
		Bucket: p.cfg.OutputBucket,
		Key:    OutputKey(p.cfg.OutputPrefix, ref.Key, p.cfg.Encoder.Extension()),
	}
	if err := p.store.Put(ctx, out.Bucket, out.Key, buf.Bytes(), p.cfg.Encoder.ContentType()); err != nil {
		return err
	}
	report.Output = out
	metrics.WindowsExtracted.Add(float64(len(records)))

	logger.Info("%s: %d readings, %d turbines, %d windows -> %s in %v (%d decode issues, %d quality issues)",
		ref, len(readings), len(report.Entities), len(records), out, time.Since(start),
		report.DecodeIssues, report.QualityIssues)

	if p.announcer != nil {
		msg := FeaturesCreated{
			Source:    ref,
			Output:    out,
			Entities:  report.Entities,
			Windows:   len(records),
			CreatedAt: p.now().UTC(),
		}
		if err := p.announcer.Publish(ctx, msg); err != nil {
			logger.Warn("Failed to announce %s: %v", out, err)
		}
	}
	return nil
}
