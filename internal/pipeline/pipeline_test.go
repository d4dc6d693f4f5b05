package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/turbineoracle/internal/features"
	"github.com/rewired-gh/turbineoracle/internal/models"
	"github.com/rewired-gh/turbineoracle/internal/queue"
	"github.com/rewired-gh/turbineoracle/internal/storage"
	"github.com/rewired-gh/turbineoracle/internal/tracker"
)

// rawObject renders n one-per-minute readings as JSON lines; the last anomaly
// readings carry a gearbox temperature ramp and label 1.
func rawObject(n, anomaly int) []byte {
	var buf bytes.Buffer
	t0 := time.Date(2025, 5, 13, 0, 0, 0, 0, time.UTC)
	start := n - anomaly
	for i := 0; i < n; i++ {
		temp, label := 60.0, 0
		if i >= start {
			temp += 0.1 * float64(i-start+1)
			label = 1
		}
		fmt.Fprintf(&buf, `{"timestamp":%q,"wind_speed_m_s":7.0,"gearbox_temperature_c":%s,"label":%d}`+"\n",
			t0.Add(time.Duration(i)*time.Minute).Format("2006-01-02T15:04:05"),
			strconv.FormatFloat(temp, 'f', 4, 64), label)
	}
	return buf.Bytes()
}

func newProcessor(t *testing.T, opts ...Option) (*Processor, *storage.FSStore) {
	t.Helper()
	store := storage.NewFSStore(t.TempDir(), 0, 0)
	p, err := NewProcessor(store, Config{
		OutputBucket: "processed",
		OutputPrefix: "features/",
		WindowSize:   10,
		StepSize:     5,
		Encoder:      features.CSVEncoder{},
	}, opts...)
	require.NoError(t, err)
	return p, store
}

func TestOutputKey(t *testing.T) {
	tests := []struct {
		key  string
		ext  string
		want string
	}{
		{"turbine_1_data.json", ".parquet", "features/turbine_1_data_features.parquet"},
		{"2025/05/13/turbine_2_data.jsonl.gz", ".parquet", "features/2025/05/13/turbine_2_data_features.parquet"},
		{"stream-1-2025-05-13-10-00-00-abc", ".csv", "features/stream-1-2025-05-13-10-00-00-abc_features.csv"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutputKey("features/", tt.key, tt.ext))
	}
}

func TestProcessGearboxScenario(t *testing.T) {
	p, store := newProcessor(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "raw", "turbine_1_data.json", rawObject(1500, 180), ""))

	report, err := p.ProcessObject(ctx, models.ObjectRef{Bucket: "raw", Key: "turbine_1_data.json"})
	require.NoError(t, err)
	assert.Equal(t, 1500, report.Readings)
	assert.Equal(t, (1500-10)/5+1, report.Windows)
	assert.Equal(t, []string{"turbine_1"}, report.Entities)
	assert.Equal(t, models.ObjectRef{Bucket: "processed", Key: "features/turbine_1_data_features.csv"}, report.Output)

	data, err := storage.ReadAll(ctx, store, "processed", "features/turbine_1_data_features.csv")
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, report.Windows+1)

	header := rows[0]
	col := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		t.Fatalf("column %s missing from %v", name, header)
		return -1
	}
	labelCol, maxCol, minCol := col("label"), col("gearbox_temperature_c_max"), col("gearbox_temperature_c_min")
	assert.Equal(t, "turbine_id", header[0])

	faulty := 0
	for idx, row := range rows[1:] {
		if idx*5 < 1500-180 {
			continue
		}
		assert.Equal(t, "1", row[labelCol], "window %d", idx)
		maxV, _ := strconv.ParseFloat(row[maxCol], 64)
		minV, _ := strconv.ParseFloat(row[minCol], 64)
		assert.Greater(t, maxV, minV)
		faulty++
	}
	assert.Equal(t, (180-10)/5+1, faulty)
	assert.Equal(t, "0", rows[1][labelCol])
}

func TestProcessShortObjectWritesNothing(t *testing.T) {
	p, store := newProcessor(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "raw", "turbine_1_data.json", rawObject(5, 0), ""))

	report, err := p.ProcessObject(ctx, models.ObjectRef{Bucket: "raw", Key: "turbine_1_data.json"})
	require.NoError(t, err)
	assert.Zero(t, report.Windows)

	_, err = store.Open(ctx, "processed", "features/turbine_1_data_features.csv")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessPermanentFailures(t *testing.T) {
	p, store := newProcessor(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "raw", "broken.json", []byte("[{"), ""))

	err := p.Process(ctx, models.ObjectRef{Bucket: "raw", Key: "missing.json"})
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = p.Process(ctx, models.ObjectRef{Bucket: "raw", Key: "broken.json"})
	assert.True(t, queue.IsPermanent(err))

	err = p.Process(ctx, models.ObjectRef{Bucket: "raw"})
	assert.True(t, queue.IsPermanent(err))
}

type failingStore struct {
	storage.ObjectStore
}

func (failingStore) Put(context.Context, string, string, []byte, string) error {
	return fmt.Errorf("%w: disk full", storage.ErrIOUnavailable)
}

func TestProcessTransientFailureReleasesLease(t *testing.T) {
	fs := storage.NewFSStore(t.TempDir(), 0, 0)
	ctx := context.Background()
	require.NoError(t, fs.Put(ctx, "raw", "turbine_1_data.json", rawObject(20, 0), ""))

	tr := &fakeTracker{}
	p, err := NewProcessor(failingStore{fs}, Config{OutputBucket: "processed", WindowSize: 10, StepSize: 5}, WithTracker(tr))
	require.NoError(t, err)

	err = p.Process(ctx, models.ObjectRef{Bucket: "raw", Key: "turbine_1_data.json"})
	assert.ErrorIs(t, err, storage.ErrIOUnavailable)
	assert.False(t, queue.IsPermanent(err))
	assert.False(t, queue.IsDeferred(err), "storage outages are requeued at once")
	assert.Equal(t, 1, tr.released)
	assert.Zero(t, tr.done)
}

type fakeTracker struct {
	status   tracker.Status
	err      error
	done     int
	released int
}

func (f *fakeTracker) Acquire(context.Context, models.ObjectRef) (tracker.Status, error) {
	return f.status, f.err
}
func (f *fakeTracker) MarkDone(context.Context, models.ObjectRef) error { f.done++; return nil }
func (f *fakeTracker) Release(context.Context, models.ObjectRef) error  { f.released++; return nil }

type fakeAnnouncer struct {
	msgs []any
}

func (f *fakeAnnouncer) Publish(_ context.Context, v any) error {
	f.msgs = append(f.msgs, v)
	return nil
}

func TestProcessTrackingAndAnnouncement(t *testing.T) {
	tr := &fakeTracker{}
	ann := &fakeAnnouncer{}
	p, store := newProcessor(t, WithTracker(tr), WithAnnouncer(ann))
	ctx := context.Background()
	ref := models.ObjectRef{Bucket: "raw", Key: "turbine_3_data.json"}
	require.NoError(t, store.Put(ctx, ref.Bucket, ref.Key, rawObject(30, 0), ""))

	require.NoError(t, p.Process(ctx, ref))
	assert.Equal(t, 1, tr.done)
	require.Len(t, ann.msgs, 1)
	msg := ann.msgs[0].(FeaturesCreated)
	assert.Equal(t, ref, msg.Source)
	assert.Equal(t, 5, msg.Windows)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"turbine_ids":["turbine_3"]`)

	tr.status = tracker.Done
	report, err := p.ProcessObject(ctx, ref)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Len(t, ann.msgs, 1)

	tr.status = tracker.InProgress
	err = p.Process(ctx, ref)
	assert.ErrorIs(t, err, ErrInProgress)
	assert.False(t, queue.IsPermanent(err))
	assert.True(t, queue.IsDeferred(err), "a leased object is retried later, not at once")

	// Tracker outages do not block processing.
	tr.status, tr.err = tracker.Acquired, errors.New("redis down")
	require.NoError(t, p.Process(ctx, ref))
}

func TestNewProcessorValidation(t *testing.T) {
	store := storage.NewFSStore(t.TempDir(), 0, 0)
	_, err := NewProcessor(store, Config{WindowSize: 10, StepSize: 5})
	assert.Error(t, err)
	_, err = NewProcessor(store, Config{OutputBucket: "p", WindowSize: 0, StepSize: 5})
	assert.Error(t, err)
}
