// Package app builds the service components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/turbineoracle/internal/classifier"
	"github.com/rewired-gh/turbineoracle/internal/config"
	"github.com/rewired-gh/turbineoracle/internal/features"
	"github.com/rewired-gh/turbineoracle/internal/history"
	"github.com/rewired-gh/turbineoracle/internal/inference"
	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/normalize"
	"github.com/rewired-gh/turbineoracle/internal/pipeline"
	"github.com/rewired-gh/turbineoracle/internal/queue"
	"github.com/rewired-gh/turbineoracle/internal/relay"
	"github.com/rewired-gh/turbineoracle/internal/server"
	"github.com/rewired-gh/turbineoracle/internal/storage"
	"github.com/rewired-gh/turbineoracle/internal/telegram"
	"github.com/rewired-gh/turbineoracle/internal/tracker"
)

// trackerLease bounds how long a crashed worker blocks an object.
const trackerLease = 15 * time.Minute

// NewObjectStore returns the store selected by cfg.Backend.
func NewObjectStore(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case "fs":
		return storage.NewFSStore(cfg.RootDir, 0, 0), nil
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Options{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	case "minio":
		return storage.NewMinioStore(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// NewRelay builds the ingestion relay over the configured stream. The
// returned close function releases the sink.
func NewRelay(ctx context.Context, cfg *config.Config) (*relay.Relay, func() error, error) {
	var (
		sink    relay.Sink
		closeFn = func() error { return nil }
	)
	switch cfg.Stream.Backend {
	case "firehose":
		s, err := relay.NewFirehoseSink(ctx, cfg.Storage.Region, cfg.Stream.Name)
		if err != nil {
			return nil, nil, err
		}
		sink = s
	case "kafka":
		s := relay.NewKafkaSink(cfg.Stream.Brokers, cfg.Stream.Name, cfg.Stream.MaxBatchBytes)
		sink, closeFn = s, s.Close
	default:
		return nil, nil, fmt.Errorf("unknown stream backend %q", cfg.Stream.Backend)
	}

	r := relay.New(sink,
		relay.WithMaxBatchCount(cfg.Stream.MaxBatchCount),
		relay.WithMaxBatchBytes(cfg.Stream.MaxBatchBytes),
	)
	return r, closeFn, nil
}

// NewArtifactCache builds the lazily loaded model cache over the model bucket.
func NewArtifactCache(store storage.ObjectStore, cfg *config.Config) *classifier.ArtifactCache {
	loader := &classifier.ObjectLoader{
		Store:         store,
		Bucket:        cfg.Storage.ModelBucket,
		ClassifierKey: cfg.Model.ClassifierKey,
		ScalerKey:     cfg.Model.ScalerKey,
		ColumnsKey:    cfg.Model.ColumnsKey,
	}
	return classifier.NewArtifactCache(loader, cfg.Model.LoadTimeout)
}

// NewProcessor builds the feature pipeline.
func NewProcessor(store storage.ObjectStore, cfg *config.Config, opts ...pipeline.Option) (*pipeline.Processor, error) {
	enc, err := features.NewEncoder(cfg.Pipeline.OutputFormat)
	if err != nil {
		return nil, err
	}
	return pipeline.NewProcessor(store, pipeline.Config{
		OutputBucket: cfg.Storage.ProcessedBucket,
		OutputPrefix: cfg.Storage.FeaturesPrefix,
		WindowSize:   cfg.Pipeline.WindowSize,
		StepSize:     cfg.Pipeline.StepSize,
		Encoder:      enc,
	}, opts...)
}

// NewTracker connects to Redis and checks the connection.
func NewTracker(ctx context.Context, cfg config.TrackerConfig) (*tracker.RedisTracker, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return tracker.NewRedisTracker(client, cfg.TTL, trackerLease), client, nil
}

// App is the long-running service: HTTP API plus the optional notification
// consumer.
type App struct {
	cfg       *config.Config
	Store     storage.ObjectStore
	Artifacts *classifier.ArtifactCache
	Inference *inference.Service
	Relay     *relay.Relay
	Processor *pipeline.Processor
	History   *history.Repo

	conn    *amqp.Connection
	closers []func() error
}

// New wires every enabled component. On error, anything already opened is
// closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}
	if err := a.init(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("Failed to release partially initialized app: %v", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) (err error) {
	cfg := a.cfg
	if a.Store, err = NewObjectStore(ctx, cfg.Storage); err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	logger.Info("Object store: %s", cfg.Storage.Backend)

	a.Artifacts = NewArtifactCache(a.Store, cfg)

	var svcOpts []inference.Option
	if cfg.History.Enabled {
		db, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return err
		}
		if a.History, err = history.NewRepo(db); err != nil {
			if sqlDB, derr := db.DB(); derr == nil {
				_ = sqlDB.Close()
			}
			return err
		}
		a.closers = append(a.closers, a.History.Close)
		svcOpts = append(svcOpts, inference.WithRecorder(a.History))
		logger.Info("Prediction history enabled (%s)", cfg.History.Driver)
	}
	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		svcOpts = append(svcOpts, inference.WithNotifier(tg))
		logger.Info("Telegram fault alerts enabled")
	}
	normalizer := normalize.New(normalize.WithFillValue(cfg.Model.FillValue))
	a.Inference = inference.NewService(classifier.NewAdapter(a.Artifacts, normalizer), svcOpts...)

	var relayClose func() error
	if a.Relay, relayClose, err = NewRelay(ctx, cfg); err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}
	a.closers = append(a.closers, relayClose)
	logger.Info("Relay stream: %s/%s", cfg.Stream.Backend, cfg.Stream.Name)

	var procOpts []pipeline.Option
	if cfg.Tracker.Enabled {
		t, client, err := NewTracker(ctx, cfg.Tracker)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		procOpts = append(procOpts, pipeline.WithTracker(t))
		logger.Info("Processed-object tracking enabled (%s)", cfg.Tracker.Addr)
	}
	if cfg.Queue.Enabled {
		if a.conn, err = amqp.Dial(cfg.Queue.URL); err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		a.closers = append(a.closers, a.conn.Close)
		if cfg.Queue.AnnounceRoutingKey != "" {
			pub, err := queue.NewPublisher(a.conn, cfg.Queue.Exchange, cfg.Queue.AnnounceRoutingKey)
			if err != nil {
				return fmt.Errorf("failed to initialize publisher: %w", err)
			}
			a.closers = append(a.closers, pub.Close)
			procOpts = append(procOpts, pipeline.WithAnnouncer(pub))
		}
	}
	if a.Processor, err = NewProcessor(a.Store, cfg, procOpts...); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	return nil
}

// HTTPServer returns the API server configured from the server section.
func (a *App) HTTPServer() *http.Server {
	opts := []server.Option{
		server.WithForwarder(a.Relay),
		server.WithArtifactState(a.Artifacts),
		server.WithMaxBodyBytes(a.cfg.Server.MaxBodyBytes),
	}
	if a.History != nil {
		opts = append(opts, server.WithHistory(a.History))
	}
	return &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      server.New(a.Inference, opts...).Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
}

// RunConsumer processes raw-object notifications until ctx is done. It
// returns immediately when the queue is disabled.
func (a *App) RunConsumer(ctx context.Context) error {
	if a.conn == nil {
		return nil
	}
	c, err := queue.NewConsumer(a.conn, a.cfg.Queue.Exchange, a.cfg.Queue.RoutingKey, a.cfg.Queue.Queue, a.cfg.Queue.Prefetch, a.Processor,
		queue.WithRetryDelay(a.cfg.Queue.RetryDelay))
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			logger.Warn("Failed to close consumer: %v", err)
		}
	}()
	return c.Start(ctx)
}

// Close waits for background alerts and releases every open connection in
// reverse order.
func (a *App) Close() error {
	if a.Inference != nil {
		a.Inference.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
