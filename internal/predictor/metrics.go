package predictor

import "github.com/prometheus/client_golang/prometheus"

var (
	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tumorclf",
			Name:      "predictions_total",
			Help:      "Total number of successful predictions by label",
		},
		[]string{"label"},
	)

	predictionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tumorclf",
			Name:      "prediction_errors_total",
			Help:      "Total number of failed predictions by error kind",
		},
		[]string{"kind"},
	)

	predictionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tumorclf",
			Name:      "prediction_duration_seconds",
			Help:      "Duration of preprocessing plus forward pass in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	predictionCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tumorclf",
			Name:      "prediction_cache_hits_total",
			Help:      "Predictions answered from the result cache",
		},
	)
)

func init() {
	prometheus.MustRegister(predictionsTotal, predictionErrorsTotal, predictionDuration, predictionCacheHits)
}
