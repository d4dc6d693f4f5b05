package features

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/turbineoracle/internal/models"
)

func sampleRecords() []models.FeatureRecord {
	var a, b models.FeatureRecord
	a.EntityID = "turbine_1"
	a.WindowEndTimestamp = t0
	a.Features.Set("wind_speed_m_s_mean", 7.5)
	a.Features.Set("wind_speed_m_s_max", 9)

	b.EntityID = "turbine_1"
	b.WindowEndTimestamp = t0.Add(5 * 60e9)
	b.WindowLabel = 1
	b.Features.Set("vibration_x_g_mean", 0.5)
	return []models.FeatureRecord{a, b}
}

func TestFeatureColumnsUnion(t *testing.T) {
	assert.Equal(t,
		[]string{"vibration_x_g_mean", "wind_speed_m_s_max", "wind_speed_m_s_mean"},
		FeatureColumns(sampleRecords()))
}

func TestNewEncoder(t *testing.T) {
	enc, err := NewEncoder("csv")
	require.NoError(t, err)
	assert.Equal(t, ".csv", enc.Extension())

	enc, err = NewEncoder("parquet")
	require.NoError(t, err)
	assert.Equal(t, ".parquet", enc.Extension())

	_, err = NewEncoder("orc")
	assert.Error(t, err)
}

func TestCSVEncoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, CSVEncoder{}.Encode(&buf, sampleRecords()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"turbine_id", "window_end_timestamp", "label",
		"vibration_x_g_mean", "wind_speed_m_s_max", "wind_speed_m_s_mean"}, rows[0])
	assert.Equal(t, []string{"turbine_1", "2025-05-13T10:00:00Z", "0", "", "9", "7.5"}, rows[1])
	assert.Equal(t, []string{"turbine_1", "2025-05-13T10:05:00Z", "1", "0.5", "", ""}, rows[2])
}

func TestParquetEncoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ParquetEncoder{}.Encode(&buf, sampleRecords()))

	f, err := parquet.OpenFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.NumRows())

	for _, col := range []string{ColumnEntity, ColumnWindowEnd, ColumnLabel, "vibration_x_g_mean", "wind_speed_m_s_mean"} {
		_, ok := f.Schema().Lookup(col)
		assert.True(t, ok, "missing column %s", col)
	}
}

func TestParquetEncoderEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ParquetEncoder{}.Encode(&buf, nil))
	assert.NotZero(t, buf.Len())
}
