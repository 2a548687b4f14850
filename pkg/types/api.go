package types

// PredictResponse is returned by POST /predict.
type PredictResponse struct {
	// Predicted class label.
	// example: glioma_tumor
	Class string `json:"class" example:"glioma_tumor"`
	// Confidence of the predicted class, formatted with two decimals and a percent sign.
	// example: 97.12%
	Confidence string `json:"confidence" example:"97.12%"`
	// Raw confidence in [0,1].
	// example: 0.9712
	ConfidenceRaw float64 `json:"confidence_raw" example:"0.9712"`
	// Full distribution keyed by label.
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: No file uploaded
	Error string `json:"error" example:"No file uploaded"`
	// Machine-readable failure kind, when one applies.
	// example: decode_error
	Kind string `json:"kind,omitempty" example:"decode_error"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// LabelsResponse is returned by GET /labels.
type LabelsResponse struct {
	// Class labels in output-index order.
	Labels []string `json:"labels"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Artifact load state (loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Last load error, if any.
	Error string `json:"error,omitempty"`
	// Path of the artifact being served.
	// example: /var/lib/tumorclf/brain_tumor_classifier.tmr
	ArtifactPath string `json:"artifact_path" example:"/var/lib/tumorclf/brain_tumor_classifier.tmr"`
	// Labels in output-index order; empty until loaded.
	Labels []string `json:"labels,omitempty"`
	// Feature extractor kind (conv, onnx).
	// example: conv
	Backbone string `json:"backbone,omitempty" example:"conv"`
	// Resize kernel recorded in the artifact.
	// example: nearest
	Interpolation string `json:"interpolation,omitempty" example:"nearest"`
	// Training run that produced the artifact.
	RunID string `json:"run_id,omitempty"`
	// Validation accuracy recorded at training time.
	// example: 0.91
	ValAccuracy float64 `json:"val_accuracy,omitempty" example:"0.91"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Number of predictions currently running.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Requests waiting for a slot.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Total predictions served since start.
	// example: 42
	PredictionsTotal uint64 `json:"predictions_total" example:"42"`
}
