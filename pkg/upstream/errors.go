package upstream

import (
	"fmt"
	"io"
	"net/http"
)

// previewLimit caps how much of an upstream error body is retained. Upstream
// failures can return arbitrarily large payloads; the preview keeps error
// records bounded.
const previewLimit = 4000

// UpstreamError describes a failed upstream call: a transport failure
// (StatusCode 0) or a non-success response after the retry policy ran out.
type UpstreamError struct {
	// StatusCode is the upstream HTTP status, 0 for transport failures.
	StatusCode int

	// BodyPreview holds at most previewLimit bytes of the response body.
	BodyPreview string

	// Cause is the underlying transport error, if any.
	Cause error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream transport failure: %v", e.Cause)
	}
	if e.BodyPreview != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.BodyPreview)
	}
	return fmt.Sprintf("upstream returned %d", e.StatusCode)
}

// Unwrap returns the underlying transport error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// AuthExpired reports whether the failure indicates a stale access token.
func (e *UpstreamError) AuthExpired() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// ErrorFromResponse drains resp into an UpstreamError, keeping at most
// previewLimit bytes of the body. The response body is closed.
func ErrorFromResponse(resp *Response) *UpstreamError {
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, previewLimit))
	return &UpstreamError{
		StatusCode:  resp.StatusCode,
		BodyPreview: string(preview),
	}
}
