package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"tumorclf/internal/clferr"
	"tumorclf/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSONErrorKind(w, status, "", msg)
}

func writeJSONErrorKind(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Kind: kind, Code: status})
}

// statusFor maps a service error to its HTTP status and failure kind.
func statusFor(err error) (int, string) {
	kind := ""
	if k, ok := clferr.KindOf(err); ok {
		kind = string(k)
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, kind
	}
	return http.StatusInternalServerError, kind
}

// writeError maps err and writes it; it returns the status used.
func writeError(w http.ResponseWriter, err error) int {
	status, kind := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("predict")
	}
	writeJSONErrorKind(w, status, kind, err.Error())
	return status
}
