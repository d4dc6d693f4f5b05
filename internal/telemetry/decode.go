// Package telemetry decodes raw telemetry objects into readings.
//
// A raw object is either JSON lines (one reading object per line) or a single
// JSON array of reading objects, optionally gzip-compressed. A key is treated
// as a sensor channel when at least one record in the object holds a JSON
// number for it; non-numeric values under a channel key are kept as malformed
// markers so the extractor can exclude them per window.
package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/rewired-gh/turbineoracle/internal/models"
)

// Reserved record fields that are never sensor channels.
const (
	FieldTimestamp          = "timestamp"
	FieldLabel              = "label"
	FieldEntity             = "turbine_id"
	FieldEntityAlt          = "entity_id"
	FieldIngestionTimestamp = "ingestion_timestamp_utc"
)

// UnknownEntity is used when neither the record nor the object key names one.
const UnknownEntity = "unknown_turbine"

var reserved = map[string]struct{}{
	FieldTimestamp:          {},
	FieldLabel:              {},
	FieldEntity:             {},
	FieldEntityAlt:          {},
	FieldIngestionTimestamp: {},
}

// ErrMalformedObject is returned when an object cannot be decoded at all.
var ErrMalformedObject = errors.New("malformed telemetry object")

// Issue describes a record that was skipped or partly repaired during decoding.
type Issue struct {
	Record int
	Reason string
}

func (i Issue) Error() string {
	return fmt.Sprintf("record %d: %s", i.Record, i.Reason)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339, ISO 8601 without a zone (taken as UTC),
// the space-separated variant, and epoch milliseconds.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t)
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch timestamp %s", t)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("timestamp has unsupported type %T", v)
	}
}

// EntityFromKey derives an entity id from an object key whose file name looks
// like turbine_<n>_..., falling back to UnknownEntity.
func EntityFromKey(key string) string {
	base := path.Base(key)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) > 1 && parts[0] == "turbine" && parts[1] != "" {
		return "turbine_" + parts[1]
	}
	return UnknownEntity
}

// Decode parses a raw object. Records that cannot be used are skipped and
// reported as issues; the error is reserved for objects that cannot be read
// at all.
func Decode(data []byte, key string) ([]models.Reading, []Issue, error) {
	records, issues, err := readRecords(data, key)
	if err != nil {
		return nil, issues, err
	}

	channels := numericKeys(records)
	fallback := EntityFromKey(key)

	readings := make([]models.Reading, 0, len(records))
	for _, rec := range records {
		r, recIssues, ok := toReading(rec.fields, channels, fallback)
		for _, reason := range recIssues {
			issues = append(issues, Issue{Record: rec.index, Reason: reason})
		}
		if ok {
			readings = append(readings, r)
		}
	}
	return readings, issues, nil
}

// DecodeRecords decompresses and splits a raw object into its JSON objects
// without interpreting them. Numbers are kept as json.Number.
func DecodeRecords(data []byte, key string) ([]map[string]any, []Issue, error) {
	records, issues, err := readRecords(data, key)
	if err != nil {
		return nil, issues, err
	}
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = rec.fields
	}
	return out, issues, nil
}

func readRecords(data []byte, key string) ([]record, []Issue, error) {
	if strings.HasSuffix(key, ".gz") || isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gzip: %v", ErrMalformedObject, err)
		}
		data, err = io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gzip: %v", ErrMalformedObject, err)
		}
	}
	return splitRecords(data)
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

type record struct {
	index  int
	fields map[string]any
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("record is not an object")
	}
	return m, nil
}

func splitRecords(data []byte) ([]record, []Issue, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, nil
	}

	var issues []Issue
	var records []record

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedObject, err)
		}
		for i, item := range items {
			m, err := decodeObject(item)
			if err != nil {
				issues = append(issues, Issue{Record: i, Reason: err.Error()})
				continue
			}
			records = append(records, record{index: i, fields: m})
		}
		return records, issues, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		text := bytes.TrimSpace(sc.Bytes())
		idx := line
		line++
		if len(text) == 0 {
			continue
		}
		m, err := decodeObject(text)
		if err != nil {
			issues = append(issues, Issue{Record: idx, Reason: err.Error()})
			continue
		}
		records = append(records, record{index: idx, fields: m})
	}
	if err := sc.Err(); err != nil {
		return nil, issues, fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	if len(records) == 0 && len(issues) > 0 {
		return nil, issues, fmt.Errorf("%w: no decodable records", ErrMalformedObject)
	}
	return records, issues, nil
}

func numericKeys(records []record) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k, v := range rec.fields {
			if _, skip := reserved[k]; skip {
				continue
			}
			if _, ok := v.(json.Number); ok {
				seen[k] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toReading(fields map[string]any, channels []string, fallbackEntity string) (models.Reading, []string, bool) {
	var issues []string

	raw, ok := fields[FieldTimestamp]
	if !ok {
		return models.Reading{}, []string{"missing timestamp"}, false
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return models.Reading{}, []string{err.Error()}, false
	}

	r := models.Reading{
		EntityID:  entityOf(fields, fallbackEntity),
		Timestamp: ts,
	}

	if v, ok := fields[FieldLabel]; ok && v != nil {
		label, err := parseLabel(v)
		if err != nil {
			issues = append(issues, err.Error())
		} else {
			r.Label = models.IntPtr(label)
		}
	}

	for _, name := range channels {
		v, ok := fields[name]
		if !ok {
			continue
		}
		ch := models.Channel{Name: name}
		if n, isNum := v.(json.Number); isNum {
			if f, err := n.Float64(); err == nil {
				ch.Value, ch.Valid = f, true
			}
		}
		r.Channels = append(r.Channels, ch)
	}

	return r, issues, true
}

func entityOf(fields map[string]any, fallback string) string {
	for _, k := range []string{FieldEntity, FieldEntityAlt} {
		switch v := fields[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return "turbine_" + v.String()
		}
	}
	return fallback
}

func parseLabel(v any) (int, error) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		return 0, fmt.Errorf("label has unsupported type %T", v)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f <= math.MaxInt32 && f == math.Trunc(f) {
		return int(f), nil
	}
	return 0, fmt.Errorf("invalid label %q", s)
}
