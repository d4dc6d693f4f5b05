package features

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// summary holds the five per-channel statistics of one window.
type summary struct {
	mean, std, min, max, median float64
}

// summarize computes the window statistics for a non-empty slice.
// The standard deviation is the sample (n-1) deviation, defined as 0 for one value.
// values is reordered in place.
func summarize(values []float64) summary {
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		std = 0
	}
	return summary{
		mean:   mean,
		std:    std,
		min:    floats.Min(values),
		max:    floats.Max(values),
		median: median(values),
	}
}

// median averages the two middle values for even lengths.
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
