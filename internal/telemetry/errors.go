package telemetry

// This file defines error message templates for common failure scenarios.
// Templates provide consistent, actionable error messages with troubleshooting steps.
//
// Usage:
//
//	if response.IsTooManyRequests() {
//	    logging.LogWarn(logging.ComponentSender,
//	        fmt.Sprintf(telemetry.ErrTooManyRequestsTemplate, retryAfter, url))
//	}

// Error message templates for common scenarios
const (
	// ErrTooManyRequestsTemplate is logged when the backend throttles the SDK
	ErrTooManyRequestsTemplate = `Beacon backend answered 429 Too Many Requests; capturing is paused for %s.

Pending records stay buffered and are sent once capturing resumes. Records
older than the configured maxRecordAge are evicted in the meantime.

Request URL: %s`

	// ErrInitFailedTemplate is logged when no status request succeeded
	ErrInitFailedTemplate = `Could not reach the beacon backend after %d attempts; the SDK will not send data.

Troubleshooting steps:
1. Verify 'backend.endpoint' in the configuration points to the beacon URL
2. Verify 'backend.applicationId' matches an application known to the backend
3. Check network connectivity and TLS settings ('backend.insecureSkipVerify')

Last status code: %d`

	// ErrUnparsableResponseTemplate is logged when a response body cannot be parsed
	ErrUnparsableResponseTemplate = `Beacon backend returned a response that could not be parsed: %v.

Built-in defaults are used instead.

Request URL: %s
Response preview: %s`
)
