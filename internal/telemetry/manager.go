package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Config describes where beaconkit spans go and which application and
// agent they are attributed to.
type Config struct {
	Enabled bool
	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string
	Insecure bool
	// SamplingRate is the share of root traces kept, from 0.0 to 1.0.
	// Sender steps started under a sampled parent follow the parent.
	SamplingRate float64

	ServiceName    string
	ServiceVersion string

	// BackendHost is the beacon collection backend, recorded as peer
	// service.
	BackendHost string

	ApplicationID      string
	ApplicationName    string
	ApplicationVersion string
	AgentVersion       string
}

// Option configures optional Manager settings.
type Option func(*Manager)

// WithSpanExporter sends spans to exp instead of an OTLP gRPC exporter
// built from the endpoint.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(m *Manager) { m.exporter = exp }
}

// WithSyncExport exports every span as it ends instead of batching.
func WithSyncExport() Option {
	return func(m *Manager) { m.syncExport = true }
}

// Manager owns the TracerProvider handed to the SDK's HTTP client, sender
// and collector. A manager whose initialization failed stays disabled and
// the SDK runs without spans.
type Manager struct {
	config     Config
	exporter   sdktrace.SpanExporter
	syncExport bool

	mu             sync.Mutex
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
}

// NewManager creates a manager. Nothing is exported until Initialize.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{config: cfg}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize builds the exporter, the beaconkit resource and the sampler,
// and registers the provider globally. Failures are logged and leave the
// manager disabled; the returned error is always nil so startup goes on.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.config.Enabled {
		logrus.Debug("OpenTelemetry is disabled in configuration")
		return nil
	}

	exporter := m.exporter
	if exporter == nil {
		var err error
		if exporter, err = m.newOTLPExporter(ctx); err != nil {
			logrus.Warnf("Failed to initialize OpenTelemetry: %v. Continuing without tracing.", err)
			return nil
		}
	}

	res, err := resource.New(ctx, resource.WithAttributes(m.resourceAttributes()...))
	if err != nil {
		logrus.Warnf("Failed to create OpenTelemetry resource: %v. Continuing without tracing.", err)
		return nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	if m.syncExport {
		processor = sdktrace.NewSimpleSpanProcessor(exporter)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(m.config.SamplingRate)),
	)
	otel.SetTracerProvider(tp)

	m.mu.Lock()
	m.tracerProvider = tp
	m.enabled = true
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"endpoint":    m.config.Endpoint,
		"sampling":    m.config.SamplingRate,
		"application": m.config.ApplicationName,
	}).Info("OpenTelemetry initialized")
	return nil
}

func (m *Manager) newOTLPExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if m.config.Endpoint == "" {
		return nil, errors.New("no OTLP endpoint configured")
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(m.config.Endpoint)}
	if m.config.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	return exporter, nil
}

// resourceAttributes describes the agent process and the application whose
// beacons it sends. Empty values are left out.
func (m *Manager) resourceAttributes() []attribute.KeyValue {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(m.config.ServiceName),
		semconv.HostName(hostname),
	}
	optional := []struct {
		key   attribute.Key
		value string
	}{
		{semconv.ServiceVersionKey, m.config.ServiceVersion},
		{semconv.PeerServiceKey, m.config.BackendHost},
		{AttrApplicationID, m.config.ApplicationID},
		{AttrApplicationName, m.config.ApplicationName},
		{AttrApplicationVersion, m.config.ApplicationVersion},
		{AttrAgentVersion, m.config.AgentVersion},
	}
	for _, o := range optional {
		if o.value != "" {
			attrs = append(attrs, o.key.String(o.value))
		}
	}
	return attrs
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// ForceFlush exports every ended span still buffered.
func (m *Manager) ForceFlush(ctx context.Context) error {
	tp := m.provider()
	if tp == nil {
		return nil
	}
	return tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans and stops the provider. It is safe to
// call more than once; later calls do nothing.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	tp := m.tracerProvider
	m.tracerProvider = nil
	m.enabled = false
	m.mu.Unlock()

	if tp == nil {
		logrus.Debug("OpenTelemetry shutdown skipped (not enabled or not initialized)")
		return nil
	}

	logrus.Info("Shutting down OpenTelemetry TracerProvider...")
	if err := tp.Shutdown(ctx); err != nil {
		logrus.Errorf("Error during OpenTelemetry shutdown: %v", err)
		return fmt.Errorf("shutdown TracerProvider: %w", err)
	}
	logrus.Info("OpenTelemetry shutdown completed")
	return nil
}

// IsEnabled reports whether spans are being exported.
func (m *Manager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// TracerProvider returns the provider to inject into the SDK, or nil while
// tracing is disabled.
func (m *Manager) TracerProvider() trace.TracerProvider {
	if tp := m.provider(); tp != nil {
		return tp
	}
	return nil
}

func (m *Manager) provider() *sdktrace.TracerProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracerProvider
}
