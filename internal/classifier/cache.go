package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/metrics"
)

// State is the load state of an ArtifactCache.
type State int32

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Loader fetches and decodes the model artifacts.
type Loader interface {
	Load(ctx context.Context) (*ModelSchema, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (*ModelSchema, error)

func (f LoaderFunc) Load(ctx context.Context) (*ModelSchema, error) { return f(ctx) }

// ArtifactCache loads the ModelSchema at most once per process. Concurrent
// first callers share a single in-flight load. A failed load is not cached and
// the next caller starts a fresh one.
type ArtifactCache struct {
	loader  Loader
	timeout time.Duration

	state  atomic.Int32
	schema atomic.Pointer[ModelSchema]
	group  singleflight.Group
}

// NewArtifactCache creates an empty cache. A zero timeout disables the load
// deadline.
func NewArtifactCache(loader Loader, timeout time.Duration) *ArtifactCache {
	return &ArtifactCache{loader: loader, timeout: timeout}
}

// State reports the current load state.
func (c *ArtifactCache) State() State {
	return State(c.state.Load())
}

// Get returns the loaded schema, loading it if needed. The load itself is not
// cancelled when ctx is; other waiters may still need it.
func (c *ArtifactCache) Get(ctx context.Context) (*ModelSchema, error) {
	if s := c.schema.Load(); s != nil {
		return s, nil
	}

	ch := c.group.DoChan("model", func() (any, error) {
		if s := c.schema.Load(); s != nil {
			return s, nil
		}
		return c.load(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrArtifactUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ModelSchema), nil
	}
}

func (c *ArtifactCache) load(ctx context.Context) (*ModelSchema, error) {
	c.state.Store(int32(StateLoading))
	start := time.Now()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	s, err := c.loader.Load(ctx)
	if err == nil && s == nil {
		err = errors.New("loader returned no schema")
	}
	if err != nil {
		c.state.Store(int32(StateFailed))
		metrics.ArtifactLoads.WithLabelValues("failure").Inc()
		logger.Error("Model artifact load failed after %v: %v", time.Since(start), err)
		if errors.Is(err, ErrArtifactUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}

	c.schema.Store(s)
	c.state.Store(int32(StateReady))
	metrics.ArtifactLoads.WithLabelValues("success").Inc()
	logger.Info("Model artifacts loaded in %v (%d columns, classes %v)",
		time.Since(start), len(s.Columns), s.Classifier.Classes())
	return s, nil
}
