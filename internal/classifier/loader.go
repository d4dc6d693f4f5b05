package classifier

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/turbineoracle/internal/storage"
)

// ObjectLoader reads the three model artifacts from object storage.
type ObjectLoader struct {
	Store         storage.ObjectStore
	Bucket        string
	ClassifierKey string
	ScalerKey     string
	ColumnsKey    string
}

// Load fetches the artifacts concurrently and checks they agree.
func (l *ObjectLoader) Load(ctx context.Context) (*ModelSchema, error) {
	var (
		columns []string
		scaler  Scaler
		clf     Classifier
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := storage.ReadAll(gctx, l.Store, l.Bucket, l.ColumnsKey)
		if err != nil {
			return fmt.Errorf("columns %s: %w", l.ColumnsKey, err)
		}
		columns, err = DecodeColumns(data)
		return err
	})
	g.Go(func() error {
		data, err := storage.ReadAll(gctx, l.Store, l.Bucket, l.ScalerKey)
		if err != nil {
			return fmt.Errorf("scaler %s: %w", l.ScalerKey, err)
		}
		scaler, err = DecodeScaler(data)
		return err
	})
	g.Go(func() error {
		data, err := storage.ReadAll(gctx, l.Store, l.Bucket, l.ClassifierKey)
		if err != nil {
			return fmt.Errorf("classifier %s: %w", l.ClassifierKey, err)
		}
		clf, err = DecodeClassifier(data)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}

	return NewModelSchema(columns, scaler, clf)
}
