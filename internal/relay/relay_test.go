package relay

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	batches [][]Record
	reject  func(batch int, records []Record) ([]FailedRecord, error)
}

func (f *fakeSink) PutBatch(_ context.Context, records []Record) ([]FailedRecord, error) {
	f.batches = append(f.batches, append([]Record(nil), records...))
	if f.reject != nil {
		return f.reject(len(f.batches)-1, records)
	}
	return nil, nil
}

func makeRecords(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"turbine_id":     "turbine_1",
			"timestamp":      "2025-05-13T10:00:00",
			"wind_speed_m_s": float64(i),
		}
	}
	return out
}

var fixedNow = time.Date(2025, 5, 13, 10, 5, 0, 0, time.UTC)

func TestForwardBatchesByCount(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, WithMaxBatchCount(450), WithClock(func() time.Time { return fixedNow }))

	n, err := r.Forward(context.Background(), makeRecords(1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	var sizes []int
	for _, b := range sink.batches {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{450, 450, 100}, sizes)
}

func TestForwardStampsWithoutMutatingInput(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, WithClock(func() time.Time { return fixedNow }))
	records := makeRecords(2)

	_, err := r.Forward(context.Background(), records)
	require.NoError(t, err)

	_, stamped := records[0]["ingestion_timestamp_utc"]
	assert.False(t, stamped, "caller records must not be modified")

	rec := sink.batches[0][1]
	assert.Equal(t, "turbine_1", rec.Key)
	assert.Equal(t, byte('\n'), rec.Data[len(rec.Data)-1])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Data, &decoded))
	assert.Equal(t, "2025-05-13T10:05:00Z", decoded["ingestion_timestamp_utc"])
	assert.Equal(t, 1.0, decoded["wind_speed_m_s"])
}

func TestForwardPartialFailureContinues(t *testing.T) {
	sink := &fakeSink{reject: func(batch int, records []Record) ([]FailedRecord, error) {
		if batch == 0 {
			return []FailedRecord{{Index: 1, Code: "ServiceUnavailableException"}, {Index: 3}}, nil
		}
		return nil, nil
	}}
	r := New(sink, WithMaxBatchCount(5))

	n, err := r.Forward(context.Background(), makeRecords(12))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Len(t, sink.batches, 3)
}

func TestForwardTotalFailureStops(t *testing.T) {
	boom := errors.New("stream not found")
	sink := &fakeSink{reject: func(batch int, records []Record) ([]FailedRecord, error) {
		if batch == 1 {
			return nil, boom
		}
		return nil, nil
	}}
	r := New(sink, WithMaxBatchCount(4))

	n, err := r.Forward(context.Background(), makeRecords(10))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, n)
	assert.Len(t, sink.batches, 2)
}

func TestForwardUnencodableRecord(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, WithMaxBatchCount(10))
	records := makeRecords(3)
	records[1]["wind_speed_m_s"] = math.NaN()

	n, err := r.Forward(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
}

func TestForwardCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := New(&fakeSink{}).Forward(ctx, makeRecords(3))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestPartialBatchFailureMessage(t *testing.T) {
	pf := &PartialBatchFailure{Batch: 2, Size: 450, Failed: []FailedRecord{{Index: 7, Code: "X", Message: "y"}}}
	assert.Equal(t, "batch 2: 1 of 450 records failed; #7 X: y", pf.Error())
}

type fakeFirehose struct {
	input *firehose.PutRecordBatchInput
	out   *firehose.PutRecordBatchOutput
	err   error
}

func (f *fakeFirehose) PutRecordBatch(_ context.Context, in *firehose.PutRecordBatchInput, _ ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestFirehoseSink(t *testing.T) {
	fake := &fakeFirehose{out: &firehose.PutRecordBatchOutput{
		FailedPutCount: aws.Int32(1),
		RequestResponses: []types.PutRecordBatchResponseEntry{
			{RecordId: aws.String("a")},
			{ErrorCode: aws.String("ServiceUnavailableException"), ErrorMessage: aws.String("slow down")},
		},
	}}
	sink := NewFirehoseSinkWithClient(fake, "turbine-data-firehose-stream")

	failed, err := sink.PutBatch(context.Background(), []Record{{Data: []byte("1\n")}, {Data: []byte("2\n")}})
	require.NoError(t, err)
	assert.Equal(t, "turbine-data-firehose-stream", aws.ToString(fake.input.DeliveryStreamName))
	assert.Len(t, fake.input.Records, 2)
	assert.Equal(t, []FailedRecord{{Index: 1, Code: "ServiceUnavailableException", Message: "slow down"}}, failed)

	fake.err = errors.New("denied")
	_, err = sink.PutBatch(context.Background(), []Record{{Data: []byte("1\n")}})
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = msgs
	return f.err
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w)
	records := []Record{{Key: "turbine_1", Data: []byte("a")}, {Data: []byte("b")}}

	failed, err := sink.PutBatch(context.Background(), records)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, []byte("turbine_1"), w.msgs[0].Key)
	assert.Nil(t, w.msgs[1].Key)

	w.err = kafka.WriteErrors{nil, errors.New("leader not available")}
	failed, err = sink.PutBatch(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index)

	w.err = kafka.WriteErrors{errors.New("x"), errors.New("y")}
	failed, err = sink.PutBatch(context.Background(), records)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	w.err = errors.New("dial tcp: refused")
	_, err = sink.PutBatch(context.Background(), records)
	assert.Error(t, err)
	assert.NoError(t, sink.Close())
}

func TestSinksReportFullyRejectedBatchTheSameWay(t *testing.T) {
	rejectAll := func(n int) []types.PutRecordBatchResponseEntry {
		out := make([]types.PutRecordBatchResponseEntry, n)
		for i := range out {
			out[i] = types.PutRecordBatchResponseEntry{ErrorCode: aws.String("InternalFailure"), ErrorMessage: aws.String("retry")}
		}
		return out
	}
	firstBatchRejected := func(sink Sink, rejecting func(bool)) Sink {
		calls := 0
		return &fakeSink{reject: func(_ int, records []Record) ([]FailedRecord, error) {
			rejecting(calls == 0)
			calls++
			return sink.PutBatch(context.Background(), records)
		}}
	}

	fh := &fakeFirehose{}
	kw := &fakeWriter{}
	tests := []struct {
		name string
		sink Sink
	}{
		{"firehose", firstBatchRejected(NewFirehoseSinkWithClient(fh, "stream"), func(reject bool) {
			fh.out = &firehose.PutRecordBatchOutput{FailedPutCount: aws.Int32(0)}
			if reject {
				fh.out = &firehose.PutRecordBatchOutput{FailedPutCount: aws.Int32(2), RequestResponses: rejectAll(2)}
			}
		})},
		{"kafka", firstBatchRejected(NewKafkaSinkWithWriter(kw), func(reject bool) {
			kw.err = nil
			if reject {
				kw.err = kafka.WriteErrors{errors.New("x"), errors.New("y")}
			}
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := New(tt.sink, WithMaxBatchCount(2)).Forward(context.Background(), makeRecords(5))
			require.NoError(t, err, "a rejected batch is not a failed call")
			assert.Equal(t, 3, n)
		})
	}
}
