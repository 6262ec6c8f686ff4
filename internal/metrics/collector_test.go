package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type staticSource struct {
	bytes   int64
	records int
	state   string
	counts  SessionCounts
}

func (s staticSource) CacheBytes() int64            { return s.bytes }
func (s staticSource) CacheRecords() int            { return s.records }
func (s staticSource) SenderState() string          { return s.state }
func (s staticSource) SessionCounts() SessionCounts { return s.counts }

func newTestSource() staticSource {
	return staticSource{
		bytes:   2048,
		records: 12,
		state:   "capture_on",
		counts:  SessionCounts{New: 1, Open: 2, Finished: 3},
	}
}

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))
	families, err := registry.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestStatsNilSafe(t *testing.T) {
	var s *Stats
	assert.NotPanics(t, func() {
		s.RecordRequest(RequestBeacon, OutcomeSuccess)
		s.RecordPayload(100)
		s.RecordEviction("space", 3)
	})
}

func TestStatsRecordRequest(t *testing.T) {
	s := NewStats()
	s.RecordRequest(RequestBeacon, OutcomeSuccess)
	s.RecordRequest(RequestBeacon, OutcomeSuccess)
	s.RecordRequest(RequestStatus, OutcomeThrottled)

	assert.Equal(t, float64(2), s.RequestCount(RequestKey{Type: RequestBeacon, Outcome: OutcomeSuccess}))
	assert.Equal(t, float64(1), s.RequestCount(RequestKey{Type: RequestStatus, Outcome: OutcomeThrottled}))
	assert.Equal(t, float64(0), s.RequestCount(RequestKey{Type: RequestNewSession, Outcome: OutcomeError}))
}

func TestRequestKeyLabels(t *testing.T) {
	key := RequestKey{Type: RequestNewSession, Outcome: OutcomeTransportError}
	assert.Equal(t, []string{"new_session", "transport_error"}, key.Labels())
	assert.Equal(t, "new_session|transport_error", key.String())
}

func TestSDKCollectorDescribe(t *testing.T) {
	c := NewSDKCollector(NewStats(), newTestSource())
	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, 7, count)
}

func TestSDKCollectorCollect(t *testing.T) {
	stats := NewStats()
	stats.RecordRequest(RequestBeacon, OutcomeSuccess)
	stats.RecordRequest(RequestStatus, OutcomeError)
	stats.RecordPayload(512)
	stats.RecordEviction("time", 4)

	families := gather(t, NewSDKCollector(stats, newTestSource()))

	require.Contains(t, families, "beaconkit_cache_bytes")
	assert.Equal(t, float64(2048), families["beaconkit_cache_bytes"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, float64(12), families["beaconkit_cache_records"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, float64(512), families["beaconkit_payload_bytes_total"].GetMetric()[0].GetCounter().GetValue())

	state := families["beaconkit_sender_state"].GetMetric()
	require.Len(t, state, 1)
	assert.Equal(t, "capture_on", labelValue(state[0], "state"))

	sessions := map[string]float64{}
	for _, m := range families["beaconkit_sessions"].GetMetric() {
		sessions[labelValue(m, "category")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{"new": 1, "open": 2, "finished": 3}, sessions)

	evicted := families["beaconkit_evicted_records_total"].GetMetric()
	require.Len(t, evicted, 1)
	assert.Equal(t, "time", labelValue(evicted[0], "strategy"))
	assert.Equal(t, float64(4), evicted[0].GetCounter().GetValue())

	assert.Len(t, families["beaconkit_backend_requests_total"].GetMetric(), 2)
}

func TestSDKCollectorWithoutSource(t *testing.T) {
	c := NewSDKCollector(NewStats(), nil)
	// only the payload counter is always present
	assert.Equal(t, 1, testutil.CollectAndCount(c))
}

func TestSDKCollectorExposition(t *testing.T) {
	stats := NewStats()
	stats.RecordEviction("space", 2)

	expected := `
# HELP beaconkit_evicted_records_total The quantity of records removed by cache eviction
# TYPE beaconkit_evicted_records_total counter
beaconkit_evicted_records_total{strategy="space"} 2
`
	err := testutil.CollectAndCompare(NewSDKCollector(stats, newTestSource()), strings.NewReader(expected), "beaconkit_evicted_records_total")
	assert.NoError(t, err)
}

func TestSDKCollectorRecordsScrapeSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))

	c := NewSDKCollector(NewStats(), newTestSource(), WithCollectorTracerProvider(tp))
	testutil.CollectAndCount(c)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "prometheus.scrape", spans[0].Name())
}
