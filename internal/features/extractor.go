// Package features turns ordered turbine readings into windowed statistical features.
//
// A window is a run of exactly windowSize consecutive readings, taken every stepSize
// readings. For every numeric channel present in a window, five statistics are
// computed (mean, sample standard deviation, min, max, median) and stored under
// "<channel>_<stat>". The window label collapses reading labels to binary:
// 1 if any reading in the window carries a nonzero label, else 0.
//
// Channels are discovered per window, so records from different windows may carry
// different columns. Reconciling records to a fixed model schema happens later,
// in the normalize package.
package features

import (
	"fmt"
	"sort"

	"github.com/rewired-gh/turbineoracle/internal/models"
)

// Issue records a non-fatal data problem found while extracting one window.
type Issue struct {
	EntityID    string
	WindowIndex int
	Channel     string
	Excluded    int // malformed values dropped from the channel in this window
}

func (i Issue) Error() string {
	return fmt.Sprintf("entity %s window %d: excluded %d malformed value(s) from channel %s",
		i.EntityID, i.WindowIndex, i.Excluded, i.Channel)
}

// WindowCount returns how many windows Extract produces for n readings.
func WindowCount(n, windowSize, stepSize int) int {
	if windowSize < 1 || stepSize < 1 || n < windowSize {
		return 0
	}
	return (n-windowSize)/stepSize + 1
}

// Extract slides a window of windowSize readings with stride stepSize over readings
// and returns one FeatureRecord per window.
//
// Readings are expected to be sorted by timestamp; unsorted input is stable-sorted on
// a copy. Malformed channel values are excluded from that channel for the affected
// window only and reported as Issues. Fewer readings than windowSize yields no records.
// readings must belong to a single entity.
func Extract(readings []models.Reading, windowSize, stepSize int) ([]models.FeatureRecord, []Issue, error) {
	if windowSize < 1 {
		return nil, nil, fmt.Errorf("invalid window size %d: must be at least 1", windowSize)
	}
	if stepSize < 1 {
		return nil, nil, fmt.Errorf("invalid step size %d: must be at least 1", stepSize)
	}

	n := len(readings)
	if n < windowSize {
		return []models.FeatureRecord{}, nil, nil
	}

	ordered := readings
	if !sort.SliceIsSorted(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	}) {
		ordered = make([]models.Reading, n)
		copy(ordered, readings)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		})
	}

	records := make([]models.FeatureRecord, 0, WindowCount(n, windowSize, stepSize))
	var issues []Issue
	for start, idx := 0, 0; start+windowSize <= n; start, idx = start+stepSize, idx+1 {
		record, windowIssues := extractWindow(ordered[start:start+windowSize], idx)
		records = append(records, record)
		issues = append(issues, windowIssues...)
	}

	return records, issues, nil
}

// extractWindow computes the feature record for one window.
func extractWindow(window []models.Reading, idx int) (models.FeatureRecord, []Issue) {
	last := window[len(window)-1]

	valid := make(map[string][]float64)
	malformed := make(map[string]int)
	label := 0
	for i := range window {
		r := &window[i]
		if r.Faulty() {
			label = 1
		}
		for _, c := range r.Channels {
			if !c.Valid {
				malformed[c.Name]++
				continue
			}
			valid[c.Name] = append(valid[c.Name], c.Value)
		}
	}

	channels := make([]string, 0, len(valid))
	for name := range valid {
		channels = append(channels, name)
	}
	sort.Strings(channels)

	record := models.FeatureRecord{
		EntityID:           last.EntityID,
		WindowEndTimestamp: last.Timestamp,
		WindowLabel:        label,
	}
	for _, name := range channels {
		s := summarize(valid[name])
		record.Features.Set(models.FeatureName(name, models.StatMean), s.mean)
		record.Features.Set(models.FeatureName(name, models.StatStd), s.std)
		record.Features.Set(models.FeatureName(name, models.StatMin), s.min)
		record.Features.Set(models.FeatureName(name, models.StatMax), s.max)
		record.Features.Set(models.FeatureName(name, models.StatMedian), s.median)
	}

	var issues []Issue
	for name, count := range malformed {
		issues = append(issues, Issue{
			EntityID:    last.EntityID,
			WindowIndex: idx,
			Channel:     name,
			Excluded:    count,
		})
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Channel < issues[j].Channel })

	return record, issues
}

// GroupByEntity splits readings into per-entity sequences, preserving input order
// within each entity. Entities are returned sorted by ID.
func GroupByEntity(readings []models.Reading) (ids []string, groups map[string][]models.Reading) {
	groups = make(map[string][]models.Reading)
	for _, r := range readings {
		if _, seen := groups[r.EntityID]; !seen {
			ids = append(ids, r.EntityID)
		}
		groups[r.EntityID] = append(groups[r.EntityID], r)
	}
	sort.Strings(ids)
	return ids, groups
}
