// Package model defines shared types for the proxy.
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingTarget is returned when the path after /proxy/ is empty.
var ErrMissingTarget = errors.New("URL is required")

// RestSegment is the literal host[:port]/path that follows /proxy/.
// It is kept percent-escaped exactly as it arrived.
type RestSegment string

// ParseRestSegment returns s as a RestSegment, rejecting the empty string.
func ParseRestSegment(s string) (RestSegment, error) {
	if s == "" {
		return "", ErrMissingTarget
	}
	return RestSegment(s), nil
}

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Rest RestSegment
	// QueryString is the suffix of the original request URI starting at
	// its first '?', or empty when there is none.
	QueryString string
}

// TargetURL returns the upstream URL: "https://" + rest + query string.
func (r *ProxyRequest) TargetURL() string {
	return "https://" + string(r.Rest) + r.QueryString
}

// UpstreamResponse is a fully read upstream response with its body decoded
// from any content encoding.
type UpstreamResponse struct {
	StatusCode int
	// Reason is the reason phrase from the status line, as sent.
	Reason string
	Header http.Header
	Body   []byte
}

// OK reports whether the status is in the 2xx range.
func (r *UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// ProxyResult is the success payload of a forwarded request.
type ProxyResult struct {
	Target string
	Body   string
}

// FailureKind classifies an UpstreamError for logs and metrics.
type FailureKind string

// Failure kinds.
const (
	FailureStatus     FailureKind = "status"
	FailureTimeout    FailureKind = "timeout"
	FailureDNS        FailureKind = "dns"
	FailureConnection FailureKind = "connection"
	FailureRead       FailureKind = "read"
	FailureUnknown    FailureKind = "unknown"
)

// UpstreamError reports a failed upstream exchange. StatusCode and Reason
// are set only for FailureStatus.
type UpstreamError struct {
	Kind       FailureKind
	Target     string
	StatusCode int
	Reason     string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Kind == FailureStatus {
		reason := e.Reason
		if reason == "" {
			reason = http.StatusText(e.StatusCode)
		}
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, reason)
	}
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
