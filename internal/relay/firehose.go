package relay

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/firehose/types"
)

// FirehoseAPI is the subset of the Firehose client used by FirehoseSink.
type FirehoseAPI interface {
	PutRecordBatch(ctx context.Context, params *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error)
}

// FirehoseSink delivers records to an Amazon Data Firehose stream.
type FirehoseSink struct {
	client FirehoseAPI
	stream string
}

// NewFirehoseSink loads AWS configuration for region and targets stream.
func NewFirehoseSink(ctx context.Context, region, stream string) (*FirehoseSink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewFirehoseSinkWithClient(firehose.NewFromConfig(cfg), stream), nil
}

// NewFirehoseSinkWithClient wraps an existing client.
func NewFirehoseSinkWithClient(client FirehoseAPI, stream string) *FirehoseSink {
	return &FirehoseSink{client: client, stream: stream}
}

func (s *FirehoseSink) PutBatch(ctx context.Context, records []Record) ([]FailedRecord, error) {
	entries := make([]types.Record, len(records))
	for i, r := range records {
		entries[i] = types.Record{Data: r.Data}
	}

	out, err := s.client.PutRecordBatch(ctx, &firehose.PutRecordBatchInput{
		DeliveryStreamName: aws.String(s.stream),
		Records:            entries,
	})
	if err != nil {
		return nil, fmt.Errorf("firehose put record batch: %w", err)
	}
	if aws.ToInt32(out.FailedPutCount) == 0 {
		return nil, nil
	}

	var failed []FailedRecord
	for i, resp := range out.RequestResponses {
		if resp.ErrorCode == nil {
			continue
		}
		failed = append(failed, FailedRecord{
			Index:   i,
			Code:    aws.ToString(resp.ErrorCode),
			Message: aws.ToString(resp.ErrorMessage),
		})
	}
	return failed, nil
}
