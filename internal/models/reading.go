// Package models defines the core domain entities for turbineoracle.
// These models represent turbine sensor readings, windowed feature records and
// failure predictions. Entities that cross a storage boundary carry built-in
// validation so bad data is rejected where it enters the system.
//
// Terminology:
//   - Entity: a turbine producing one ordered sequence of readings.
//   - Channel: one named numeric sensor measurement (wind speed, vibration axis, ...).
//   - Window: a fixed-size, fixed-stride run of consecutive readings of one entity.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Channel is one named sensor value inside a Reading.
// Valid is false when the raw value could not be read as a number; such values are
// kept so that feature extraction can exclude them per window.
type Channel struct {
	Name  string
	Value float64
	Valid bool
}

// Reading is one sensor sample for one turbine at one instant.
type Reading struct {
	EntityID  string
	Timestamp time.Time
	Channels  []Channel // in decode order
	Label     *int      // nil when the source carries no label
}

// Validate checks that all reading fields are valid.
func (r *Reading) Validate() error {
	if r.EntityID == "" {
		return errors.New("entity ID must not be empty")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	if r.Label != nil && *r.Label < 0 {
		return fmt.Errorf("label must not be negative, got %d", *r.Label)
	}
	seen := make(map[string]struct{}, len(r.Channels))
	for _, c := range r.Channels {
		if c.Name == "" {
			return errors.New("channel name must not be empty")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate channel %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Faulty reports whether the reading carries a nonzero label.
func (r *Reading) Faulty() bool {
	return r.Label != nil && *r.Label != 0
}

// Value returns the named channel value. ok is false when the channel is absent
// or its raw value was malformed.
func (r *Reading) Value(name string) (v float64, ok bool) {
	for _, c := range r.Channels {
		if c.Name == name {
			return c.Value, c.Valid
		}
	}
	return 0, false
}

// IntPtr is a small helper for optional labels.
func IntPtr(v int) *int {
	return &v
}
