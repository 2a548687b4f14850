// Package clferr defines the typed failures of the classification pipeline.
// Every kind maps to a distinct HTTP status so the serving layer never
// collapses them into a generic 500.
package clferr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class.
type Kind string

const (
	KindDecode            Kind = "decode_error"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindEmptyClass        Kind = "empty_class"
	KindLabelOrdering     Kind = "label_ordering"
	KindModelNotLoaded    Kind = "model_not_loaded"
	KindArtifactLoad      Kind = "artifact_load"
	KindTooBusy           Kind = "too_busy"
)

// Error is the concrete error carried by all kinds.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode satisfies httpapi.HTTPError.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindDecode:
		return http.StatusBadRequest
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindModelNotLoaded, KindArtifactLoad:
		return http.StatusServiceUnavailable
	case KindTooBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

func is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// ErrDecode reports bytes that are not a valid image.
func ErrDecode(cause error) error {
	return &Error{Kind: KindDecode, Msg: "image could not be decoded", Err: cause}
}

// IsDecode reports whether err is a decode failure.
func IsDecode(err error) bool { return is(err, KindDecode) }

// ErrUnsupportedFormat reports an image that decoded but cannot be coerced to RGB.
func ErrUnsupportedFormat(msg string) error {
	return &Error{Kind: KindUnsupportedFormat, Msg: msg}
}

func IsUnsupportedFormat(err error) bool { return is(err, KindUnsupportedFormat) }

// ErrEmptyClass reports a class directory without any usable image.
func ErrEmptyClass(class, dir string) error {
	return &Error{Kind: KindEmptyClass, Msg: fmt.Sprintf("class %q has no images in %s", class, dir)}
}

func IsEmptyClass(err error) bool { return is(err, KindEmptyClass) }

// ErrLabelOrdering reports a label mapping that cannot be trusted.
func ErrLabelOrdering(format string, args ...any) error {
	return &Error{Kind: KindLabelOrdering, Msg: fmt.Sprintf(format, args...)}
}

func IsLabelOrdering(err error) bool { return is(err, KindLabelOrdering) }

// ErrModelNotLoaded reports a prediction attempted before an artifact is ready.
func ErrModelNotLoaded() error {
	return &Error{Kind: KindModelNotLoaded, Msg: "model artifact is not loaded"}
}

func IsModelNotLoaded(err error) bool { return is(err, KindModelNotLoaded) }

// ErrArtifactLoad reports a missing or corrupt artifact.
func ErrArtifactLoad(path string, cause error) error {
	return &Error{Kind: KindArtifactLoad, Msg: "cannot load artifact " + path, Err: cause}
}

func IsArtifactLoad(err error) bool { return is(err, KindArtifactLoad) }

// ErrTooBusy signals admission timeout or queue overflow (429).
func ErrTooBusy(reason string) error {
	return &Error{Kind: KindTooBusy, Msg: "too busy: " + reason}
}

func IsTooBusy(err error) bool { return is(err, KindTooBusy) }
