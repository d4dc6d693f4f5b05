// Package relay forwards raw telemetry records to a delivery stream in bounded
// batches.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/metrics"
	"github.com/rewired-gh/turbineoracle/internal/telemetry"
)

// Defaults used when options are not provided.
const (
	DefaultMaxBatchCount = 450
	DefaultMaxBatchBytes = 4 << 20
)

// Record is one encoded message for the sink.
type Record struct {
	Key  string
	Data []byte
}

// FailedRecord identifies a record the sink rejected. Index is the position in
// the batch passed to the sink.
type FailedRecord struct {
	Index   int
	Code    string
	Message string
}

// Sink delivers a batch. Records the stream rejected are returned as
// FailedRecords, even when that is every record in the batch; a non-nil error
// is reserved for a call that failed as a whole.
type Sink interface {
	PutBatch(ctx context.Context, records []Record) ([]FailedRecord, error)
}

// PartialBatchFailure reports records that were dropped from one batch while
// the rest were accepted.
type PartialBatchFailure struct {
	Batch  int
	Size   int
	Failed []FailedRecord
}

func (e *PartialBatchFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch %d: %d of %d records failed", e.Batch, len(e.Failed), e.Size)
	for i, f := range e.Failed {
		if i == 5 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failed)-i)
			break
		}
		fmt.Fprintf(&b, "; #%d %s: %s", f.Index, f.Code, f.Message)
	}
	return b.String()
}

// Relay batches records to a Sink.
type Relay struct {
	sink     Sink
	maxCount int
	maxBytes int
	now      func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithMaxBatchCount limits the number of records per sink call.
func WithMaxBatchCount(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxCount = n
		}
	}
}

// WithMaxBatchBytes sets the batch size above which a warning is logged.
func WithMaxBatchBytes(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// WithClock overrides the ingestion timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// New creates a Relay.
func New(sink Sink, opts ...Option) *Relay {
	r := &Relay{
		sink:     sink,
		maxCount: DefaultMaxBatchCount,
		maxBytes: DefaultMaxBatchBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Forward stamps and sends records in consecutive batches. It returns the
// number of records the sink accepted. Partially failed batches are logged
// and forwarding continues; a batch call that fails outright stops forwarding
// and its error is returned with the count so far.
func (r *Relay) Forward(ctx context.Context, records []map[string]any) (int, error) {
	forwarded := 0
	for batch, start := 0, 0; start < len(records); batch, start = batch+1, start+r.maxCount {
		if err := ctx.Err(); err != nil {
			return forwarded, err
		}

		end := min(start+r.maxCount, len(records))
		stamp := r.now().UTC().Format(time.RFC3339Nano)

		encoded := make([]Record, 0, end-start)
		positions := make([]int, 0, end-start)
		var failed []FailedRecord
		size := 0
		for i := start; i < end; i++ {
			rec, err := encode(records[i], stamp)
			if err != nil {
				failed = append(failed, FailedRecord{Index: i - start, Code: "EncodeError", Message: err.Error()})
				continue
			}
			size += len(rec.Data)
			encoded = append(encoded, rec)
			positions = append(positions, i-start)
		}

		if size > r.maxBytes {
			logger.Warn("Batch %d is %d bytes, above the %d byte limit; the sink may reject it", batch, size, r.maxBytes)
		}

		if len(encoded) > 0 {
			rejected, err := r.sink.PutBatch(ctx, encoded)
			if err != nil {
				metrics.RelayRecords.WithLabelValues("failed").Add(float64(len(encoded)))
				return forwarded, fmt.Errorf("batch %d: %w", batch, err)
			}
			forwarded += len(encoded) - len(rejected)
			for _, f := range rejected {
				if f.Index >= 0 && f.Index < len(positions) {
					f.Index = positions[f.Index]
				}
				failed = append(failed, f)
			}
			metrics.RelayRecords.WithLabelValues("accepted").Add(float64(len(encoded) - len(rejected)))
		}

		if len(failed) > 0 {
			metrics.RelayRecords.WithLabelValues("failed").Add(float64(len(failed)))
			pf := &PartialBatchFailure{Batch: batch, Size: end - start, Failed: failed}
			logger.Warn("%v", pf)
		}
		logger.Debug("Batch %d forwarded: %d records, %d bytes", batch, end-start-len(failed), size)
	}
	return forwarded, nil
}

// encode copies rec, stamps it, and encodes it as one JSON line.
func encode(rec map[string]any, stamp string) (Record, error) {
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out[telemetry.FieldIngestionTimestamp] = stamp

	data, err := json.Marshal(out)
	if err != nil {
		return Record{}, err
	}

	key, _ := rec[telemetry.FieldEntity].(string)
	return Record{Key: key, Data: append(data, '\n')}, nil
}
