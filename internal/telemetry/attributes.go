package telemetry

// HTTP semantic convention attributes
const (
	AttrHTTPMethod                = "http.method"
	AttrHTTPURL                   = "http.url"
	AttrHTTPStatusCode            = "http.status_code"
	AttrHTTPRequestContentLength  = "http.request_content_length"
	AttrHTTPResponseContentLength = "http.response_content_length"
	AttrHTTPDurationMS            = "http.duration_ms"
)

// Beacon protocol attributes
const (
	AttrApplicationID      = "beacon.application_id"
	AttrApplicationName    = "beacon.application_name"
	AttrApplicationVersion = "beacon.application_version"
	AttrAgentVersion       = "beacon.agent_version"
	AttrServerID           = "beacon.server_id"
	AttrRequestType        = "beacon.request_type"
	AttrCompressed         = "beacon.compressed"
	AttrPayloadBytes       = "beacon.payload_bytes"
	AttrRetryAfterSeconds  = "beacon.retry_after_seconds"
)

// Sender state attributes
const (
	AttrSenderState     = "sender.state"
	AttrSenderNextState = "sender.next_state"
)

// Error attributes
const (
	AttrError = "error"
)

// Instrumentation scopes, one per instrumented component.
const (
	ScopeHTTPClient = "beaconkit/http-client"
	ScopeSender     = "beaconkit/sender"
	ScopeCollector  = "beaconkit/collector"
)

// Span names. Backend and sender spans are suffixed with the request kind
// and the state name.
const (
	spanBackendPrefix = "backend."
	spanSenderPrefix  = "sender."

	SpanScrape = "prometheus.scrape"
)

// BackendSpanName names the client span of a backend request of the
// given kind ("status", "new_session", "beacon").
func BackendSpanName(kind string) string { return spanBackendPrefix + kind }

// SenderSpanName names the span of one sending state step.
func SenderSpanName(state string) string { return spanSenderPrefix + state }
