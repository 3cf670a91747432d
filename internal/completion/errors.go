package completion

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindMalformed Kind = "malformed_response"
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
	KindUpstream  Kind = "upstream"
)

// UpstreamError carries the upstream status and message of a failed call.
// Status is zero when no HTTP response was received.
type UpstreamError struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("completion: %s error (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("completion: %s error: %s", e.Kind, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is an upstream timeout.
func IsTimeout(err error) bool {
	var upstreamErr *UpstreamError
	return errors.As(err, &upstreamErr) && upstreamErr.Kind == KindTimeout
}

// KindOf returns the kind of an upstream error, or "" for other errors.
func KindOf(err error) Kind {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Kind
	}
	return ""
}
