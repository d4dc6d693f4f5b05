// Package queue carries raw-object notifications over RabbitMQ.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/rewired-gh/turbineoracle/internal/models"
)

// s3Event is the subset of an S3 event notification we read.
type s3Event struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseNotification extracts object references from an S3 event notification
// or from a bare {"bucket": ..., "key": ...} message. S3 event keys are URL
// encoded and are decoded here.
func ParseNotification(body []byte) ([]models.ObjectRef, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("invalid notification: %w", err)
	}

	if _, ok := probe["Records"]; ok {
		var ev s3Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("invalid S3 event: %w", err)
		}
		refs := make([]models.ObjectRef, 0, len(ev.Records))
		for i, rec := range ev.Records {
			key, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				return nil, fmt.Errorf("record %d: invalid key encoding: %w", i, err)
			}
			ref := models.ObjectRef{Bucket: rec.S3.Bucket.Name, Key: key}
			if err := ref.Validate(); err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			refs = append(refs, ref)
		}
		if len(refs) == 0 {
			return nil, errors.New("S3 event has no records")
		}
		return refs, nil
	}

	var ref models.ObjectRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return nil, fmt.Errorf("invalid object reference: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return []models.ObjectRef{ref}, nil
}

// permanentError marks a failure that redelivery cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer drops the message instead of requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// deferredError marks a failure that should be retried later rather than at
// once, such as an object leased by another worker.
type deferredError struct {
	err error
}

func (e *deferredError) Error() string { return e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// Deferred wraps err so the consumer requeues the message after its retry
// delay instead of immediately.
func Deferred(err error) error {
	if err == nil {
		return nil
	}
	return &deferredError{err: err}
}

// IsDeferred reports whether err was wrapped with Deferred.
func IsDeferred(err error) bool {
	var de *deferredError
	return errors.As(err, &de)
}
