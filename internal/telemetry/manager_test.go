package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/fjacquet/beaconkit/internal/communication"
	"github.com/fjacquet/beaconkit/internal/telemetry"
	"github.com/fjacquet/beaconkit/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:            true,
		SamplingRate:       1.0,
		ServiceName:        "beaconkit",
		ServiceVersion:     "test",
		BackendHost:        "collector.example.com",
		ApplicationID:      testutil.TestApplicationID,
		ApplicationName:    "shop",
		ApplicationVersion: "2.1",
		AgentVersion:       "1.4.0",
	}
}

// newRecordingManager returns an initialized manager exporting synchronously
// to an in-memory exporter.
func newRecordingManager(t *testing.T, cfg telemetry.Config) (*telemetry.Manager, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	m := telemetry.NewManager(cfg, telemetry.WithSpanExporter(exporter), telemetry.WithSyncExport())
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, exporter
}

func captureOnBackend(t *testing.T) *testutil.MockBackend {
	t.Helper()
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindStatus, testutil.JSONResponse(testutil.StatusCaptureOn)).
		Build()
	t.Cleanup(backend.Close)
	return backend
}

func newProvider(t *testing.T, backend *testutil.MockBackend, m *telemetry.Manager) *communication.HTTPClientProvider {
	t.Helper()
	provider := communication.NewHTTPClientProvider(
		communication.HTTPClientConfig{BaseURL: backend.URL(), ApplicationID: testutil.TestApplicationID},
		communication.WithTracerProvider(m.TracerProvider()),
	)
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestManagerDisabled(t *testing.T) {
	m := telemetry.NewManager(telemetry.Config{Enabled: false})

	require.NoError(t, m.Initialize(context.Background()))
	assert.False(t, m.IsEnabled())
	assert.Nil(t, m.TracerProvider())
	assert.NoError(t, m.ForceFlush(context.Background()))
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManagerWithoutEndpointStaysDisabled(t *testing.T) {
	cfg := testConfig()
	m := telemetry.NewManager(cfg)

	require.NoError(t, m.Initialize(context.Background()))
	assert.False(t, m.IsEnabled())
	assert.Nil(t, m.TracerProvider())
}

func TestManagerExportsBackendRequestSpans(t *testing.T) {
	m, exporter := newRecordingManager(t, testConfig())
	require.True(t, m.IsEnabled())
	client := newProvider(t, captureOnBackend(t), m).CreateClient(1)

	resp := client.SendStatusRequest(context.Background(), nil)
	require.False(t, resp.IsErroneous())
	client.SendBeaconRequest(context.Background(), "", []byte("et=1&na=browse"), nil)
	require.NoError(t, m.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, telemetry.BackendSpanName("status"), spans[0].Name)
	assert.Equal(t, telemetry.BackendSpanName("beacon"), spans[1].Name)
	assert.Equal(t, telemetry.ScopeHTTPClient, spans[0].InstrumentationScope.Name)

	kind, ok := attrValue(spans[1].Attributes, telemetry.AttrRequestType)
	require.True(t, ok)
	assert.Equal(t, "beacon", kind.AsString())
	appID, ok := attrValue(spans[0].Attributes, telemetry.AttrApplicationID)
	require.True(t, ok)
	assert.Equal(t, testutil.TestApplicationID, appID.AsString())
	payload, ok := attrValue(spans[1].Attributes, telemetry.AttrPayloadBytes)
	require.True(t, ok)
	assert.Equal(t, int64(len("et=1&na=browse")), payload.AsInt64())
}

func TestManagerResourceDescribesApplicationAndAgent(t *testing.T) {
	m, exporter := newRecordingManager(t, testConfig())
	newProvider(t, captureOnBackend(t), m).CreateClient(1).SendStatusRequest(context.Background(), nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	res := spans[0].Resource.Set()

	want := map[string]string{
		"service.name":                   "beaconkit",
		"service.version":                "test",
		"peer.service":                   "collector.example.com",
		telemetry.AttrApplicationID:      testutil.TestApplicationID,
		telemetry.AttrApplicationName:    "shop",
		telemetry.AttrApplicationVersion: "2.1",
		telemetry.AttrAgentVersion:       "1.4.0",
	}
	for key, value := range want {
		got, ok := res.Value(attribute.Key(key))
		if assert.True(t, ok, key) {
			assert.Equal(t, value, got.AsString(), key)
		}
	}
	_, ok := res.Value("host.name")
	assert.True(t, ok)
}

func TestManagerResourceOmitsUnsetAttributes(t *testing.T) {
	cfg := testConfig()
	cfg.BackendHost = ""
	cfg.ApplicationVersion = ""
	m, exporter := newRecordingManager(t, cfg)
	newProvider(t, captureOnBackend(t), m).CreateClient(1).SendStatusRequest(context.Background(), nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	res := spans[0].Resource.Set()
	_, ok := res.Value("peer.service")
	assert.False(t, ok)
	_, ok = res.Value(attribute.Key(telemetry.AttrApplicationVersion))
	assert.False(t, ok)
}

func TestManagerSenderStepParentsStatusRequest(t *testing.T) {
	m, exporter := newRecordingManager(t, testConfig())
	backend := captureOnBackend(t)
	sender := communication.NewSendingContext(communication.SendingContextParams{
		Provider:       newProvider(t, backend, m),
		TracerProvider: m.TracerProvider(),
		Config: communication.SenderConfig{
			InitRetries:         0,
			InitRetryDelay:      time.Millisecond,
			StatusCheckInterval: time.Hour,
		},
	})

	sender.ExecuteCurrentState()
	require.True(t, sender.IsCaptureOn())
	require.NoError(t, m.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	status, step := spans[0], spans[1]
	assert.Equal(t, telemetry.BackendSpanName("status"), status.Name)
	assert.Equal(t, telemetry.SenderSpanName("init"), step.Name)
	assert.Equal(t, step.SpanContext.TraceID(), status.SpanContext.TraceID())
	assert.Equal(t, step.SpanContext.SpanID(), status.Parent.SpanID())

	next, ok := attrValue(step.Attributes, telemetry.AttrSenderNextState)
	require.True(t, ok)
	assert.Equal(t, "capture_on", next.AsString())
	assert.Equal(t, 1, backend.Count(testutil.KindStatus))
}

func TestManagerZeroSamplingDropsSpans(t *testing.T) {
	cfg := testConfig()
	cfg.SamplingRate = 0
	m, exporter := newRecordingManager(t, cfg)
	newProvider(t, captureOnBackend(t), m).CreateClient(1).SendStatusRequest(context.Background(), nil)

	require.NoError(t, m.ForceFlush(context.Background()))
	assert.Empty(t, exporter.GetSpans())
}

func TestManagerForceFlushExportsBatchedSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	m := telemetry.NewManager(testConfig(), telemetry.WithSpanExporter(exporter))
	require.NoError(t, m.Initialize(context.Background()))
	defer func() { _ = m.Shutdown(context.Background()) }()

	_, span := m.TracerProvider().Tracer(telemetry.ScopeSender).Start(context.Background(), telemetry.SenderSpanName("capture_on"))
	span.End()

	require.NoError(t, m.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "sender.capture_on", spans[0].Name)
}

func TestManagerShutdownTwice(t *testing.T) {
	m, _ := newRecordingManager(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.False(t, m.IsEnabled())
	assert.Nil(t, m.TracerProvider())
	assert.NoError(t, m.Shutdown(ctx))
}
