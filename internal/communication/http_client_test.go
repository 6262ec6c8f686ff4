package communication

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
	"github.com/fjacquet/beaconkit/internal/metrics"
	"github.com/fjacquet/beaconkit/internal/protocol"
	"github.com/fjacquet/beaconkit/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixedParams int64

func (p fixedParams) ConfigurationTimestamp() int64 { return int64(p) }

func newTestProvider(t *testing.T, backend *testutil.MockBackend, compress bool, opts ...ProviderOption) *HTTPClientProvider {
	t.Helper()
	p := NewHTTPClientProvider(HTTPClientConfig{
		BaseURL:       backend.URL(),
		ApplicationID: testutil.TestApplicationID,
		Compress:      compress,
		Timeout:       5 * time.Second,
	}, opts...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestHTTPClientStatusRequest(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindStatus, testutil.JSONResponse(testutil.StatusCaptureOn)).
		Build()
	defer backend.Close()

	stats := metrics.NewStats()
	client := newTestProvider(t, backend, false, WithStats(stats)).CreateClient(7)

	resp := client.SendStatusRequest(context.Background(), fixedParams(42))
	require.NotNil(t, resp)
	assert.True(t, resp.IsSuccessful())
	assert.True(t, resp.Attributes().Capture)
	assert.Equal(t, int64(42), resp.Attributes().Timestamp)

	requests := backend.Requests(testutil.KindStatus)
	require.Len(t, requests, 1)
	q := requests[0].Query
	assert.Equal(t, "m", q.Get(QueryParamType))
	assert.Equal(t, "7", q.Get(QueryParamServerID))
	assert.Equal(t, testutil.TestApplicationID, q.Get(QueryParamApplication))
	assert.Equal(t, beacon.AgentVersion, q.Get(QueryParamAgentVersion))
	assert.Equal(t, "1", q.Get(QueryParamPlatformType))
	assert.Equal(t, beacon.AgentTechnology, q.Get(QueryParamAgentTechnology))
	assert.Equal(t, "json", q.Get(QueryParamResponseType))
	assert.Equal(t, "42", q.Get(QueryParamConfigurationTimestamp))
	assert.Empty(t, q.Get(QueryParamNewSession))

	assert.Equal(t, float64(1), stats.RequestCount(metrics.RequestKey{Type: metrics.RequestStatus, Outcome: metrics.OutcomeSuccess}))
}

func TestHTTPClientNewSessionRequest(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindNewSession, testutil.JSONResponse(testutil.NewSessionOK)).
		Build()
	defer backend.Close()

	client := newTestProvider(t, backend, false).CreateClient(1)
	resp := client.SendNewSessionRequest(context.Background(), nil)

	assert.True(t, resp.IsSuccessful())
	assert.Equal(t, 1, resp.Attributes().Multiplicity)
	require.Equal(t, 1, backend.Count(testutil.KindNewSession))
	q := backend.Requests(testutil.KindNewSession)[0].Query
	assert.Equal(t, "1", q.Get(QueryParamNewSession))
	assert.False(t, q.Has(QueryParamConfigurationTimestamp))
}

func TestHTTPClientBeaconRequest(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		encoding string
	}{
		{name: "plain", compress: false, encoding: ""},
		{name: "gzip", compress: true, encoding: "gzip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := testutil.NewMockBackend().Build()
			defer backend.Close()

			stats := metrics.NewStats()
			client := newTestProvider(t, backend, tt.compress, WithStats(stats)).CreateClient(1)
			payload := []byte("vv=3&va=1.4.0&et=19&it=1")

			resp := client.SendBeaconRequest(context.Background(), testutil.TestClientIP, payload, fixedParams(0))
			assert.True(t, resp.IsSuccessful())

			beacons := backend.Requests(testutil.KindBeacon)
			require.Len(t, beacons, 1)
			assert.Equal(t, http.MethodPost, beacons[0].Method)
			assert.Equal(t, string(payload), beacons[0].Body)
			assert.Equal(t, tt.encoding, beacons[0].Headers.Get(testutil.ContentEncodingHeader))
			assert.Equal(t, testutil.TestClientIP, beacons[0].Headers.Get(testutil.ClientIPHeader))
			assert.Equal(t, float64(1), stats.RequestCount(metrics.RequestKey{Type: metrics.RequestBeacon, Outcome: metrics.OutcomeSuccess}))
		})
	}
}

func TestHTTPClientTooManyRequests(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindBeacon, testutil.TooManyRequests(6)).
		Build()
	defer backend.Close()

	stats := metrics.NewStats()
	client := newTestProvider(t, backend, false, WithStats(stats)).CreateClient(1)
	resp := client.SendBeaconRequest(context.Background(), "", []byte("a=b"), nil)

	assert.True(t, resp.IsErroneous())
	assert.True(t, resp.IsTooManyRequests())
	assert.Equal(t, 6*time.Second, resp.RetryAfter())
	assert.Equal(t, float64(1), stats.RequestCount(metrics.RequestKey{Type: metrics.RequestBeacon, Outcome: metrics.OutcomeThrottled}))
}

func TestHTTPClientErrorStatus(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindStatus, testutil.ErrorResponse(http.StatusInternalServerError)).
		Build()
	defer backend.Close()

	resp := newTestProvider(t, backend, false).CreateClient(1).SendStatusRequest(context.Background(), nil)
	assert.True(t, resp.IsErroneous())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())
}

func TestHTTPClientUnparsableBodyFallsBackToDefaults(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindStatus, testutil.Response{StatusCode: http.StatusOK, Body: "{not json"}).
		Build()
	defer backend.Close()

	resp := newTestProvider(t, backend, false).CreateClient(1).SendStatusRequest(context.Background(), nil)
	assert.True(t, resp.IsSuccessful())
	assert.Equal(t, protocol.DefaultKeyValueAttributes(), resp.Attributes())
}

func TestHTTPClientTransportError(t *testing.T) {
	backend := testutil.NewMockBackend().Build()
	provider := newTestProvider(t, backend, false)
	backend.Close()

	stats := metrics.NewStats()
	provider.stats = stats
	resp := provider.CreateClient(1).SendStatusRequest(context.Background(), nil)

	require.NotNil(t, resp)
	assert.Equal(t, protocol.StatusCodeTransportError, resp.StatusCode())
	assert.True(t, resp.IsErroneous())
	assert.Equal(t, float64(1), stats.RequestCount(metrics.RequestKey{Type: metrics.RequestStatus, Outcome: metrics.OutcomeTransportError}))
}

func TestHTTPClientProviderClose(t *testing.T) {
	backend := testutil.NewMockBackend().Build()
	defer backend.Close()

	provider := NewHTTPClientProvider(HTTPClientConfig{BaseURL: backend.URL()})
	require.NoError(t, provider.Close())
	assert.ErrorIs(t, provider.Close(), ErrClientClosed)

	resp := provider.CreateClient(1).SendStatusRequest(context.Background(), nil)
	assert.Equal(t, protocol.StatusCodeTransportError, resp.StatusCode())
	assert.Zero(t, backend.Count(testutil.KindStatus))
}

func TestHTTPClientRecordsSpans(t *testing.T) {
	backend := testutil.NewMockBackend().Build()
	defer backend.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	client := newTestProvider(t, backend, false, WithTracerProvider(tp)).CreateClient(1)

	client.SendStatusRequest(context.Background(), nil)
	client.SendBeaconRequest(context.Background(), "", []byte("a=b"), nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "backend.status", spans[0].Name())
	assert.Equal(t, "backend.beacon", spans[1].Name())
}
