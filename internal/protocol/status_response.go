package protocol

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// StatusCodeTransportError marks a response that never reached the
	// backend (connection refused, timeout, ...).
	StatusCodeTransportError = -1

	// DefaultRetryAfter is used when a 429 response carries no usable
	// Retry-After header.
	DefaultRetryAfter = 10 * time.Minute

	retryAfterHeader = "retry-after"
)

// StatusResponse is the outcome of one backend request.
type StatusResponse struct {
	statusCode int
	headers    map[string][]string
	attributes ResponseAttributes
}

// NewStatusResponse creates a response. Header names are matched case
// insensitively.
func NewStatusResponse(statusCode int, headers map[string][]string, attrs ResponseAttributes) *StatusResponse {
	normalized := make(map[string][]string, len(headers))
	for k, v := range headers {
		normalized[strings.ToLower(k)] = v
	}
	return &StatusResponse{
		statusCode: statusCode,
		headers:    normalized,
		attributes: attrs,
	}
}

// NewErroneousResponse creates a response without body for the given code.
func NewErroneousResponse(statusCode int) *StatusResponse {
	return NewStatusResponse(statusCode, nil, DefaultKeyValueAttributes())
}

// StatusCode returns the HTTP status code, or StatusCodeTransportError.
func (r *StatusResponse) StatusCode() int { return r.statusCode }

// Attributes returns the parsed response body.
func (r *StatusResponse) Attributes() ResponseAttributes { return r.attributes }

// Header returns the first value of the named header.
func (r *StatusResponse) Header(name string) string {
	values := r.headers[strings.ToLower(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// IsErroneous reports whether the response must be treated as a failure.
// A nil response is erroneous.
func (r *StatusResponse) IsErroneous() bool {
	return r == nil || r.statusCode < 0 || r.statusCode >= http.StatusBadRequest
}

// IsSuccessful is the negation of IsErroneous.
func (r *StatusResponse) IsSuccessful() bool {
	return !r.IsErroneous()
}

// IsTooManyRequests reports whether the backend asked the SDK to back off.
func (r *StatusResponse) IsTooManyRequests() bool {
	return r != nil && r.statusCode == http.StatusTooManyRequests
}

// RetryAfter returns the back-off requested by a 429 response. The header
// value is interpreted as seconds; DefaultRetryAfter is returned when it
// is missing or not a number.
func (r *StatusResponse) RetryAfter() time.Duration {
	if r == nil {
		return DefaultRetryAfter
	}
	value := strings.TrimSpace(r.Header(retryAfterHeader))
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil || seconds < 0 {
		return DefaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}
