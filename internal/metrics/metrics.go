// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WindowsExtracted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "turbineoracle",
		Name:      "windows_extracted_total",
		Help:      "Feature windows extracted from raw objects.",
	})

	DataQualityIssues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbineoracle",
		Name:      "data_quality_issues_total",
		Help:      "Values excluded or replaced because they were malformed or non-finite.",
	}, []string{"stage"})

	ObjectsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbineoracle",
		Name:      "objects_processed_total",
		Help:      "Raw objects handled by the feature pipeline, by outcome.",
	}, []string{"outcome"})

	Predictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbineoracle",
		Name:      "predictions_total",
		Help:      "Predictions served, by predicted status.",
	}, []string{"status"})

	PredictionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "turbineoracle",
		Name:      "prediction_latency_seconds",
		Help:      "Time to normalize and classify one request.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	RelayRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbineoracle",
		Name:      "relay_records_total",
		Help:      "Records sent to the delivery stream, by result.",
	}, []string{"result"})

	ArtifactLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turbineoracle",
		Name:      "artifact_loads_total",
		Help:      "Model artifact loads, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		WindowsExtracted,
		DataQualityIssues,
		ObjectsProcessed,
		Predictions,
		PredictionLatency,
		RelayRecords,
		ArtifactLoads,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
