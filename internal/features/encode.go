package features

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/rewired-gh/turbineoracle/internal/models"
)

// Fixed columns written ahead of the feature columns.
const (
	ColumnEntity    = "turbine_id"
	ColumnWindowEnd = "window_end_timestamp"
	ColumnLabel     = "label"
)

// Encoder writes feature records as one output object.
type Encoder interface {
	Encode(w io.Writer, records []models.FeatureRecord) error
	Extension() string
	ContentType() string
}

// NewEncoder returns the encoder for an output format name.
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "parquet":
		return ParquetEncoder{}, nil
	case "csv":
		return CSVEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// FeatureColumns returns the sorted union of feature names across records.
func FeatureColumns(records []models.FeatureRecord) []string {
	seen := make(map[string]struct{})
	var cols []string
	for i := range records {
		for _, k := range records[i].Features.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

// CSVEncoder writes a header row followed by one row per record.
// Features missing from a record are written as empty cells.
type CSVEncoder struct{}

func (CSVEncoder) Extension() string   { return ".csv" }
func (CSVEncoder) ContentType() string { return "text/csv" }

func (CSVEncoder) Encode(w io.Writer, records []models.FeatureRecord) error {
	cols := FeatureColumns(records)
	cw := csv.NewWriter(w)

	header := append([]string{ColumnEntity, ColumnWindowEnd, ColumnLabel}, cols...)
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for i := range records {
		r := &records[i]
		row[0] = r.EntityID
		row[1] = r.WindowEndTimestamp.UTC().Format(time.RFC3339Nano)
		row[2] = strconv.Itoa(r.WindowLabel)
		for j, col := range cols {
			if v, ok := r.Features.Get(col); ok {
				row[3+j] = strconv.FormatFloat(v, 'g', -1, 64)
			} else {
				row[3+j] = ""
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ParquetEncoder writes records as a Parquet file whose schema is built from the
// union of feature columns. Feature columns are optional doubles.
type ParquetEncoder struct{}

func (ParquetEncoder) Extension() string   { return ".parquet" }
func (ParquetEncoder) ContentType() string { return "application/vnd.apache.parquet" }

func (ParquetEncoder) Encode(w io.Writer, records []models.FeatureRecord) error {
	cols := FeatureColumns(records)
	schema := FeatureSchema(cols)

	entityCol, err := leafIndex(schema, ColumnEntity)
	if err != nil {
		return err
	}
	endCol, err := leafIndex(schema, ColumnWindowEnd)
	if err != nil {
		return err
	}
	labelCol, err := leafIndex(schema, ColumnLabel)
	if err != nil {
		return err
	}
	featureCols := make([]int, len(cols))
	for i, col := range cols {
		if featureCols[i], err = leafIndex(schema, col); err != nil {
			return err
		}
	}

	rows := make([]parquet.Row, 0, len(records))
	width := len(schema.Columns())
	for i := range records {
		r := &records[i]
		row := make(parquet.Row, width)
		row[entityCol] = parquet.ByteArrayValue([]byte(r.EntityID)).Level(0, 0, entityCol)
		row[endCol] = parquet.Int64Value(r.WindowEndTimestamp.UnixMilli()).Level(0, 0, endCol)
		row[labelCol] = parquet.Int64Value(int64(r.WindowLabel)).Level(0, 0, labelCol)
		for j, col := range cols {
			idx := featureCols[j]
			if v, ok := r.Features.Get(col); ok {
				row[idx] = parquet.DoubleValue(v).Level(0, 1, idx)
			} else {
				row[idx] = parquet.NullValue().Level(0, 0, idx)
			}
		}
		rows = append(rows, row)
	}

	pw := parquet.NewWriter(w, schema)
	if _, err := pw.WriteRows(rows); err != nil {
		_ = pw.Close()
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// FeatureSchema builds the Parquet schema for the fixed columns plus cols.
func FeatureSchema(cols []string) *parquet.Schema {
	group := parquet.Group{
		ColumnEntity:    parquet.String(),
		ColumnWindowEnd: parquet.Timestamp(parquet.Millisecond),
		ColumnLabel:     parquet.Int(64),
	}
	for _, col := range cols {
		group[col] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
	}
	return parquet.NewSchema("features", group)
}

func leafIndex(schema *parquet.Schema, name string) (int, error) {
	leaf, ok := schema.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("column %q missing from parquet schema", name)
	}
	return leaf.ColumnIndex, nil
}
