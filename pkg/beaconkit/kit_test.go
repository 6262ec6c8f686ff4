package beaconkit

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjacquet/beaconkit/internal/communication"
	"github.com/fjacquet/beaconkit/internal/models"
	"github.com/fjacquet/beaconkit/internal/protocol"
	"github.com/fjacquet/beaconkit/internal/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func testConfig(endpoint string) *models.Config {
	cfg := &models.Config{}
	cfg.Backend.Endpoint = endpoint
	cfg.Backend.ApplicationID = testutil.TestApplicationID
	cfg.Backend.ApplicationName = "Shop"
	cfg.Device.ID = "42"
	retries := 1
	cfg.Sender.InitRetries = &retries
	cfg.Sender.InitRetryDelay = "10ms"
	cfg.Sender.ShutdownTimeout = "5s"
	cfg.Watchdog.DefaultSleep = "50ms"
	return cfg
}

func newTestKit(t *testing.T, backend *testutil.MockBackend) *Kit {
	t.Helper()
	kit, err := New(testConfig(backend.URL()), WithPacingInterval(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kit.Shutdown() })
	return kit
}

func captureOnBackend(t *testing.T) *testutil.MockBackend {
	t.Helper()
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindStatus, testutil.JSONResponse(testutil.StatusCaptureOn)).
		WithResponse(testutil.KindNewSession, testutil.JSONResponse(testutil.NewSessionOK)).
		Build()
	t.Cleanup(backend.Close)
	return backend
}

func beaconBodies(backend *testutil.MockBackend) string {
	var sb strings.Builder
	for _, r := range backend.Requests(testutil.KindBeacon) {
		sb.WriteString(r.Body)
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestKitSendsEndedSession(t *testing.T) {
	backend := captureOnBackend(t)
	kit := newTestKit(t, backend)
	require.True(t, kit.WaitForInitTimeout(waitTimeout))
	assert.True(t, kit.IsInitialized())

	s := kit.CreateSession(testutil.TestClientIP)
	a := s.EnterAction("checkout")
	a.ReportValueInt("items", 3)
	a.LeaveAction()
	s.End()

	require.Eventually(t, func() bool { return backend.Count(testutil.KindBeacon) > 0 }, waitTimeout, 10*time.Millisecond)

	first := backend.Requests(testutil.KindBeacon)[0]
	assert.Equal(t, testutil.TestClientIP, first.Headers.Get(testutil.ClientIPHeader))
	body := beaconBodies(backend)
	assert.Contains(t, body, "na=checkout")
	assert.Contains(t, body, "na=items")
	assert.Contains(t, body, "et=19", "the session end record is sent")
	assert.GreaterOrEqual(t, backend.Count(testutil.KindNewSession), 1)

	require.NoError(t, kit.Shutdown())
}

func TestKitShutdownFlushesOpenSessions(t *testing.T) {
	backend := captureOnBackend(t)
	kit := newTestKit(t, backend)
	require.True(t, kit.WaitForInitTimeout(waitTimeout))

	s := kit.CreateSession("")
	s.ReportEvent("still-open")
	tracer := s.TraceWebRequest("https://shop.example.com/api")
	tracer.Start()

	require.NoError(t, kit.Shutdown())

	body := beaconBodies(backend)
	assert.Contains(t, body, "na=still-open")
	assert.Contains(t, body, "et=30", "the open web request is closed and reported")
	assert.Contains(t, body, "et=19")
	assert.Zero(t, kit.CacheRecords())
}

func TestKitInitFailure(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindStatus, testutil.ErrorResponse(http.StatusServiceUnavailable)).
		Build()
	defer backend.Close()

	kit := newTestKit(t, backend)

	assert.False(t, kit.WaitForInitTimeout(waitTimeout))
	assert.False(t, kit.IsInitialized())
	assert.Equal(t, 2, backend.Count(testutil.KindStatus), "first attempt plus one retry")
	require.NoError(t, kit.Shutdown())
}

func TestKitCaptureOffDropsData(t *testing.T) {
	backend := testutil.NewMockBackend().
		WithResponse(testutil.KindStatus, testutil.JSONResponse(testutil.StatusCaptureOff)).
		WithResponse(testutil.KindNewSession, testutil.JSONResponse(testutil.NewSessionOK)).
		Build()
	defer backend.Close()

	kit := newTestKit(t, backend)
	require.True(t, kit.WaitForInitTimeout(waitTimeout))
	require.Eventually(t, func() bool { return kit.SenderState() == "capture_off" }, waitTimeout, 10*time.Millisecond)

	s := kit.CreateSession("")
	s.ReportEvent("dropped")
	s.End()

	require.NoError(t, kit.Shutdown())
	assert.Zero(t, backend.Count(testutil.KindBeacon))
}

func TestKitNullObjectsAfterShutdown(t *testing.T) {
	backend := captureOnBackend(t)
	kit := newTestKit(t, backend)
	require.NoError(t, kit.Shutdown())
	require.NoError(t, kit.Shutdown(), "Shutdown is idempotent")

	s := kit.CreateSession("")
	assert.IsType(t, nullSession{}, s)

	a := s.EnterAction("ignored")
	a.ReportEvent("ignored")
	child := a.EnterAction("ignored")
	child.LeaveAction()
	a.LeaveAction()
	assert.Empty(t, s.TraceWebRequest("https://example.com").Tag())
	s.End()
}

func TestKitRejectedInputReturnsNullObjects(t *testing.T) {
	backend := captureOnBackend(t)
	kit := newTestKit(t, backend)

	s := kit.CreateSession("")
	assert.IsType(t, nullAction{}, s.EnterAction(""))
	assert.IsType(t, nullTracer{}, s.TraceWebRequest("not a url"))

	root := s.EnterAction("root")
	assert.IsType(t, &rootAction{}, root)
	assert.IsType(t, nullAction{}, root.EnterAction(""))
	leaf := root.EnterAction("leaf")
	assert.IsType(t, action{}, leaf)
	s.End()
}

func TestKitUpdatePrivacyAppliesToNewSessions(t *testing.T) {
	backend := captureOnBackend(t)
	kit := newTestKit(t, backend)
	require.True(t, kit.WaitForInitTimeout(waitTimeout))

	before := kit.CreateSession("")
	kit.UpdatePrivacy(DataCollectionOff, CrashReportingOff)
	after := kit.CreateSession("")

	before.ReportEvent("before")
	after.ReportEvent("after")
	before.End()
	after.End()

	require.NoError(t, kit.Shutdown())
	body := beaconBodies(backend)
	assert.Contains(t, body, "na=before")
	assert.NotContains(t, body, "na=after")
}

func TestKitCollector(t *testing.T) {
	backend := captureOnBackend(t)
	kit := newTestKit(t, backend)
	require.True(t, kit.WaitForInitTimeout(waitTimeout))
	require.Eventually(t, func() bool { return kit.SenderState() == "capture_on" }, waitTimeout, 10*time.Millisecond)

	expected := `
# HELP beaconkit_sender_state The current state of the beacon sender
# TYPE beaconkit_sender_state gauge
beaconkit_sender_state{state="capture_on"} 1
`
	assert.NoError(t, promtestutil.CollectAndCompare(kit.Collector(), strings.NewReader(expected), "beaconkit_sender_state"))
	assert.Equal(t, 3, promtestutil.CollectAndCount(kit.Collector(), "beaconkit_sessions"))
	assert.GreaterOrEqual(t, promtestutil.CollectAndCount(kit.Collector(), "beaconkit_backend_requests_total"), 1)
}

func TestKitWithClientProvider(t *testing.T) {
	backend := captureOnBackend(t)
	provider := &countingProvider{}
	kit, err := New(testConfig(backend.URL()), WithHTTPClientProvider(provider))
	require.NoError(t, err)

	assert.False(t, kit.WaitForInitTimeout(waitTimeout))
	require.NoError(t, kit.Shutdown())
	assert.Positive(t, provider.created.Load())
	assert.Zero(t, backend.Count(testutil.KindStatus), "the injected provider replaces HTTP")
}

// countingProvider hands out clients that fail every request.
type countingProvider struct {
	created atomic.Int32
}

func (p *countingProvider) CreateClient(int) communication.Client {
	p.created.Add(1)
	return failingClient{}
}

type failingClient struct{}

func (failingClient) SendStatusRequest(context.Context, protocol.AdditionalQueryParameters) *protocol.StatusResponse {
	return protocol.NewErroneousResponse(protocol.StatusCodeTransportError)
}

func (failingClient) SendNewSessionRequest(context.Context, protocol.AdditionalQueryParameters) *protocol.StatusResponse {
	return protocol.NewErroneousResponse(protocol.StatusCodeTransportError)
}

func (failingClient) SendBeaconRequest(context.Context, string, []byte, protocol.AdditionalQueryParameters) *protocol.StatusResponse {
	return protocol.NewErroneousResponse(protocol.StatusCodeTransportError)
}
