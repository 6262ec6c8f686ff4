// Package testutil provides shared testing utilities and constants for beaconkit.
//
// This package centralizes common test constants and the mock backend
// builder to reduce duplication across test files.
//
// # Key Components
//
// Constants: Shared test values (application id, endpoint path, canned
// backend responses) defined in constants.go
//
// MockBackendBuilder: Fluent interface for creating a mock beacon backend
// with scripted responses per request kind
//
// # Usage Examples
//
// Creating a mock backend:
//
//	backend := testutil.NewMockBackend().
//	    WithResponse(testutil.KindStatus, testutil.JSONResponse(testutil.StatusCaptureOn)).
//	    ThenRespond(testutil.KindBeacon, testutil.TooManyRequests(6)).
//	    Build()
//	defer backend.Close()
//
// Inspecting what the SDK sent:
//
//	beacons := backend.Requests(testutil.KindBeacon)
package testutil

// HTTP headers
const (
	ContentTypeHeader     = "Content-Type"
	ContentEncodingHeader = "Content-Encoding"
	RetryAfterHeader      = "Retry-After"
	ClientIPHeader        = "X-Client-IP"
)

// Common test values
const (
	ContentTypeJSON   = "application/json"
	TestApplicationID = "test-app-id"
	TestPathBeacon    = "/mbeacon"
	TestPathMetrics   = "/metrics"
	TestClientIP      = "10.0.0.42"
)

// Canned backend bodies
const (
	StatusCaptureOn  = `{"mobileAgentConfig":{"maxBeaconSizeKb":30,"sendIntervalSec":1},"appConfig":{"capture":1,"applicationId":"test-app-id"},"dynamicConfig":{"multiplicity":1,"serverId":1,"status":"OK"},"timestamp":42}`
	StatusCaptureOff = `{"appConfig":{"capture":0},"dynamicConfig":{"status":"OK"},"timestamp":43}`
	NewSessionOK     = `{"dynamicConfig":{"multiplicity":1,"serverId":1,"status":"OK"}}`
)
