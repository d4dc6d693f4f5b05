// Package history persists served predictions for audit.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rewired-gh/turbineoracle/internal/models"
)

// PredictionRecord is one stored prediction.
type PredictionRecord struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	EntityID        string    `gorm:"size:128;index" json:"turbine_id,omitempty"`
	PredictedLabel  int       `json:"predicted_label"`
	PredictedStatus string    `gorm:"size:64" json:"predicted_status"`
	Probabilities   string    `gorm:"type:text" json:"prediction_probabilities"`
	Features        string    `gorm:"type:text" json:"features"`
	Warnings        int       `json:"warnings"`
}

func (PredictionRecord) TableName() string { return "predictions" }

// NewRecord builds a record from a request and its result. Non-finite input
// values are stored as null.
func NewRecord(id, entityID string, input map[string]float64, res *models.PredictionResult, warnings int, at time.Time) (*PredictionRecord, error) {
	var fs models.FeatureSet
	for _, k := range sortedKeys(input) {
		fs.Set(k, input[k])
	}
	features, err := json.Marshal(fs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}

	probs, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	var wire struct {
		Probabilities json.RawMessage `json:"prediction_probabilities"`
	}
	if err := json.Unmarshal(probs, &wire); err != nil {
		return nil, err
	}

	return &PredictionRecord{
		ID:              id,
		CreatedAt:       at.UTC(),
		EntityID:        entityID,
		PredictedLabel:  res.PredictedLabel,
		PredictedStatus: res.PredictedStatus,
		Probabilities:   string(wire.Probabilities),
		Features:        string(features),
		Warnings:        warnings,
	}, nil
}

// Open connects to a postgres or sqlite database.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return db, nil
}

// Repo stores and lists prediction records.
type Repo struct {
	db *gorm.DB
}

// NewRepo migrates the schema and returns a repository.
func NewRepo(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&PredictionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate predictions table: %w", err)
	}
	return &Repo{db: db}, nil
}

// Save inserts a record.
func (r *Repo) Save(ctx context.Context, rec *PredictionRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// Recent returns up to limit records, newest first, optionally for one entity.
func (r *Repo) Recent(ctx context.Context, entityID string, limit int) ([]PredictionRecord, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if entityID != "" {
		q = q.Where("entity_id = ?", entityID)
	}
	var out []PredictionRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (r *Repo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
