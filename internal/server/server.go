// Package server exposes inference, ingestion and prediction history over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/turbineoracle/internal/classifier"
	"github.com/rewired-gh/turbineoracle/internal/history"
	"github.com/rewired-gh/turbineoracle/internal/inference"
	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/metrics"
	"github.com/rewired-gh/turbineoracle/internal/normalize"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500

	// PredictionIDHeader carries the id a prediction was recorded under.
	PredictionIDHeader = "X-Prediction-ID"
)

// Predictor serves one inference request.
type Predictor interface {
	Predict(ctx context.Context, req inference.Request) (*inference.Outcome, error)
}

// Forwarder relays raw readings to the delivery stream.
type Forwarder interface {
	Forward(ctx context.Context, records []map[string]any) (int, error)
}

// HistoryReader lists stored predictions, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, entityID string, limit int) ([]history.PredictionRecord, error)
}

// StateReporter reports the model artifact load state.
type StateReporter interface {
	State() classifier.State
}

// Server holds the HTTP handlers. Optional collaborators that are not set
// leave their routes unregistered.
type Server struct {
	predictor    Predictor
	forwarder    Forwarder
	history      HistoryReader
	artifacts    StateReporter
	maxBodyBytes int64
}

// Option configures a Server.
type Option func(*Server)

// WithForwarder enables POST /api/v1/ingest.
func WithForwarder(f Forwarder) Option {
	return func(s *Server) { s.forwarder = f }
}

// WithHistory enables GET /api/v1/predictions.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithArtifactState reports the artifact cache state on /healthz.
func WithArtifactState(r StateReporter) Option {
	return func(s *Server) { s.artifacts = r }
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// New creates a Server.
func New(p Predictor, opts ...Option) *Server {
	s := &Server{predictor: p, maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(logger.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger.L(), true))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/predict", s.handlePredict)
		if s.forwarder != nil {
			v1.POST("/ingest", s.handleIngest)
		}
		if s.history != nil {
			v1.GET("/predictions", s.handlePredictions)
		}
	}
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.artifacts != nil {
		body["artifacts"] = s.artifacts.State().String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handlePredict(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	req, err := inference.ParseRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.predictor.Predict(c.Request.Context(), req)
	switch {
	case err == nil:
	case normalize.IsSchemaMismatch(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, classifier.ErrArtifactUnavailable):
		logger.Error("Prediction failed, model unavailable: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("model artifacts unavailable: %v", err)})
		return
	default:
		logger.Error("Prediction failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("an internal error occurred: %v", err)})
		return
	}

	c.Header(PredictionIDHeader, out.ID)
	c.JSON(http.StatusOK, out.Result)
}

func (s *Server) handleIngest(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var records []map[string]any
	if err := dec.Decode(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON array of objects: " + err.Error()})
		return
	}
	if records == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON array of objects"})
		return
	}
	for i, r := range records {
		if r == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("record %d is not an object", i)})
			return
		}
	}

	forwarded, err := s.forwarder.Forward(c.Request.Context(), records)
	if err != nil {
		logger.Error("Ingest failed after %d of %d records: %v", forwarded, len(records), err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     err.Error(),
			"received":  len(records),
			"forwarded": forwarded,
		})
		return
	}

	logger.Info("Ingested %d of %d records", forwarded, len(records))
	c.JSON(http.StatusOK, gin.H{"received": len(records), "forwarded": forwarded})
}

func (s *Server) handlePredictions(c *gin.Context) {
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	recs, err := s.history.Recent(c.Request.Context(), c.Query("turbine_id"), limit)
	if err != nil {
		logger.Error("Failed to list predictions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []history.PredictionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"predictions": recs})
}

// readBody reads the request body under the size limit, writing the error
// response itself when it fails.
func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	return body, true
}
