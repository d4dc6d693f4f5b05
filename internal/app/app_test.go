package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/turbineoracle/internal/config"
	"github.com/rewired-gh/turbineoracle/internal/models"
	"github.com/rewired-gh/turbineoracle/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Storage.RootDir = filepath.Join(dir, "objects")
	cfg.Stream.Backend = "kafka"
	cfg.Stream.Brokers = []string{"127.0.0.1:1"}
	cfg.History.Enabled = true
	cfg.History.DSN = filepath.Join(dir, "history.db")
	cfg.Pipeline.OutputFormat = "csv"
	return cfg
}

func putArtifacts(t *testing.T, store storage.ObjectStore, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	bucket := cfg.Storage.ModelBucket
	require.NoError(t, store.Put(ctx, bucket, cfg.Model.ColumnsKey, []byte(`["x_mean"]`), "application/json"))
	require.NoError(t, store.Put(ctx, bucket, cfg.Model.ScalerKey, []byte(`{"kind":"standard","mean":[0],"scale":[1]}`), "application/json"))
	require.NoError(t, store.Put(ctx, bucket, cfg.Model.ClassifierKey,
		[]byte(`{"kind":"logistic","classes":[0,1],"coef":[[2]],"intercept":[0]}`), "application/json"))
}

func TestNewObjectStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewObjectStore(ctx, config.StorageConfig{Backend: "fs", RootDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &storage.FSStore{}, store)

	store, err = NewObjectStore(ctx, config.StorageConfig{Backend: "minio", Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.IsType(t, &storage.MinioStore{}, store)

	_, err = NewObjectStore(ctx, config.StorageConfig{Backend: "ftp"})
	assert.Error(t, err)
}

func TestNewRelayUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.Backend = "pigeon"
	_, _, err := NewRelay(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAppServesPredictionsAndHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	putArtifacts(t, a.Store, cfg)

	srv := a.HTTPServer()
	assert.Equal(t, cfg.Server.Addr, srv.Addr)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/predict", "application/json", strings.NewReader(`{"turbine_id":"turbine_9","x_mean":2}`))
	require.NoError(t, err)
	var res models.PredictionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, res.PredictedLabel)

	resp, err = http.Get(ts.URL + "/api/v1/predictions?turbine_id=turbine_9")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list struct {
		Predictions []struct {
			ID       string `json:"id"`
			EntityID string `json:"turbine_id"`
		} `json:"predictions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Predictions, 1)
	assert.Equal(t, "turbine_9", list.Predictions[0].EntityID)
}

func TestAppProcessesRawObjectsWithTracking(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.History.Enabled = false
	cfg.Tracker.Enabled = true
	cfg.Tracker.Addr = mr.Addr()

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	assert.NoError(t, a.RunConsumer(context.Background()), "disabled queue returns at once")

	var lines []string
	start := time.Date(2025, 5, 13, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf(`{"timestamp":%q,"gearbox_temperature_c":%d,"label":0}`,
			start.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), 60+i))
	}
	ref := models.ObjectRef{Bucket: cfg.Storage.RawBucket, Key: "2025/05/13/turbine_1_data.jsonl"}
	require.NoError(t, a.Store.Put(context.Background(), ref.Bucket, ref.Key, []byte(strings.Join(lines, "\n")), "application/x-ndjson"))

	report, err := a.Processor.ProcessObject(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Windows)
	assert.Equal(t, []string{"turbine_1"}, report.Entities)
	assert.Equal(t, "features/2025/05/13/turbine_1_data_features.csv", report.Output.Key)

	data, err := storage.ReadAll(context.Background(), a.Store, report.Output.Bucket, report.Output.Key)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(data), "\n"), "header plus one row per window")

	report, err = a.Processor.ProcessObject(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestNewFailsWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracker.Enabled = true
	cfg.Tracker.Addr = "127.0.0.1:1"

	a, err := New(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, a)
}

func TestInitFailureKeepsOpenedResourcesClosable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracker.Enabled = true
	cfg.Tracker.Addr = "127.0.0.1:1"

	a := &App{cfg: cfg}
	require.Error(t, a.init(context.Background()))
	require.NotNil(t, a.History)
	assert.Len(t, a.closers, 2, "history and relay open before the tracker fails")

	require.NoError(t, a.Close())
	assert.Empty(t, a.closers)
	_, err := a.History.Recent(context.Background(), "", 1)
	assert.Error(t, err, "history database should be closed")
}
