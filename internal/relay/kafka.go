package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink delivers records to a Kafka topic, keyed by entity so that one
// turbine's readings stay on one partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a synchronous writer for topic.
func NewKafkaSink(brokers []string, topic string, maxBatchBytes int) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchBytes:   int64(maxBatchBytes),
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	})
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) PutBatch(ctx context.Context, records []Record) ([]FailedRecord, error) {
	msgs := make([]kafka.Message, len(records))
	for i, r := range records {
		msgs[i] = kafka.Message{Value: r.Data}
		if r.Key != "" {
			msgs[i].Key = []byte(r.Key)
		}
	}

	err := s.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return nil, nil
	}

	var werr kafka.WriteErrors
	if !errors.As(err, &werr) {
		return nil, fmt.Errorf("kafka write messages: %w", err)
	}
	var failed []FailedRecord
	for i, e := range werr {
		if e != nil {
			failed = append(failed, FailedRecord{Index: i, Code: "WriteError", Message: e.Error()})
		}
	}
	return failed, nil
}

// Close flushes and closes the underlying writer when it supports it.
func (s *KafkaSink) Close() error {
	if c, ok := s.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
