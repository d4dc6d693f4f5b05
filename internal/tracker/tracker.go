// Package tracker records which raw objects have already been processed so
// that redelivered notifications can be skipped. It is best effort: a crash
// between writing features and marking the object done leads to reprocessing.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/turbineoracle/internal/models"
)

// Status is the outcome of Acquire.
type Status int

const (
	// Acquired means the caller holds the lease and should process the object.
	Acquired Status = iota
	// Done means the object was already processed.
	Done
	// InProgress means another worker holds the lease.
	InProgress
)

func (s Status) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case Done:
		return "done"
	case InProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

const (
	valueProcessing = "processing"
	valueDone       = "done"
	keyPrefix       = "turbineoracle:object:"
)

// RedisTracker keeps one key per object in Redis.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
	lease  time.Duration
}

// NewRedisTracker creates a tracker. ttl bounds how long a done marker is
// kept; lease bounds how long a crashed worker can block an object.
func NewRedisTracker(client *redis.Client, ttl, lease time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ttl, lease: lease}
}

func objectKey(ref models.ObjectRef) string {
	return keyPrefix + ref.Bucket + "/" + ref.Key
}

// Acquire takes the processing lease for ref unless it is already held or done.
func (t *RedisTracker) Acquire(ctx context.Context, ref models.ObjectRef) (Status, error) {
	key := objectKey(ref)
	ok, err := t.client.SetNX(ctx, key, valueProcessing, t.lease).Result()
	if err != nil {
		return 0, fmt.Errorf("tracker acquire %s: %w", ref, err)
	}
	if ok {
		return Acquired, nil
	}

	val, err := t.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SetNX and Get; try once more.
		return t.Acquire(ctx, ref)
	}
	if err != nil {
		return 0, fmt.Errorf("tracker get %s: %w", ref, err)
	}
	if val == valueDone {
		return Done, nil
	}
	return InProgress, nil
}

// MarkDone records ref as processed.
func (t *RedisTracker) MarkDone(ctx context.Context, ref models.ObjectRef) error {
	if err := t.client.Set(ctx, objectKey(ref), valueDone, t.ttl).Err(); err != nil {
		return fmt.Errorf("tracker mark done %s: %w", ref, err)
	}
	return nil
}

// Release drops the lease so a redelivery can retry.
func (t *RedisTracker) Release(ctx context.Context, ref models.ObjectRef) error {
	if err := t.client.Del(ctx, objectKey(ref)).Err(); err != nil {
		return fmt.Errorf("tracker release %s: %w", ref, err)
	}
	return nil
}
