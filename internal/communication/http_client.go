// Package communication talks to the beacon backend and drives the
// background sending state machine. It handles request construction,
// compression, response mapping and the capture negotiation with the
// backend.
package communication

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
	"github.com/fjacquet/beaconkit/internal/logging"
	"github.com/fjacquet/beaconkit/internal/metrics"
	"github.com/fjacquet/beaconkit/internal/protocol"
	"github.com/fjacquet/beaconkit/internal/telemetry"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout = 30 * time.Second

	// Connection pool configuration
	maxIdleConns        = 20
	maxIdleConnsPerHost = 10
	idleConnTimeout     = 90 * time.Second

	closeTimeout = 30 * time.Second
)

// HTTP header names used in backend requests.
const (
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"
	HeaderClientIP        = "X-Client-IP"

	beaconContentType = "text/plain; charset=UTF-8"
	encodingGzip      = "gzip"
)

// Query parameter names understood by the backend.
const (
	QueryParamType                   = "type"
	QueryParamServerID               = "srvid"
	QueryParamApplication            = "app"
	QueryParamAgentVersion           = "va"
	QueryParamPlatformType           = "pt"
	QueryParamAgentTechnology        = "tt"
	QueryParamResponseType           = "resp"
	QueryParamConfigurationTimestamp = "cts"
	QueryParamNewSession             = "ns"

	requestTypeMobile = "m"
	responseTypeJSON  = "json"
)

// ErrClientClosed is recorded on requests issued after Close.
var ErrClientClosed = errors.New("http client is closed")

// Client issues the three requests the sender needs. Implementations
// never return a nil response: a request that did not reach the backend
// yields an erroneous response with protocol.StatusCodeTransportError.
type Client interface {
	beacon.Client
	SendStatusRequest(ctx context.Context, params protocol.AdditionalQueryParameters) *protocol.StatusResponse
	SendNewSessionRequest(ctx context.Context, params protocol.AdditionalQueryParameters) *protocol.StatusResponse
}

// ClientProvider creates clients bound to a server id. The server id
// changes when the backend assigns a new one.
type ClientProvider interface {
	CreateClient(serverID int) Client
}

// HTTPClientConfig configures the backend connection.
type HTTPClientConfig struct {
	// BaseURL is the beacon endpoint, e.g. https://collector.example.com/mbeacon.
	BaseURL            string
	ApplicationID      string
	InsecureSkipVerify bool
	// Compress gzips beacon payloads.
	Compress bool
	Timeout  time.Duration
}

// ProviderOption configures optional HTTPClientProvider settings.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	tracerProvider trace.TracerProvider
	stats          *metrics.Stats
}

// WithTracerProvider sets the TracerProvider for request spans.
// If not provided, tracing operations use a noop provider.
func WithTracerProvider(tp trace.TracerProvider) ProviderOption {
	return func(o *providerOptions) {
		o.tracerProvider = tp
	}
}

// WithStats records request outcomes and payload sizes into stats.
func WithStats(stats *metrics.Stats) ProviderOption {
	return func(o *providerOptions) {
		o.stats = stats
	}
}

// HTTPClientProvider owns the shared resty client and hands out
// lightweight clients per server id. Close waits for in-flight requests.
type HTTPClientProvider struct {
	client  *resty.Client
	cfg     HTTPClientConfig
	tracing *telemetry.TracerWrapper
	stats   *metrics.Stats

	// Connection tracking for graceful shutdown
	mu         sync.Mutex
	activeReqs int32
	closed     bool
	closeChan  chan struct{}
}

// NewHTTPClientProvider creates the provider. The resty client does not
// retry on its own; retries are the sender's decision.
func NewHTTPClientProvider(cfg HTTPClientConfig, opts ...ProviderOption) *HTTPClientProvider {
	options := providerOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	if cfg.InsecureSkipVerify {
		log.Error("SECURITY WARNING: TLS certificate verification disabled - this is insecure for production use")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := resty.New().SetTimeout(timeout)
	client.GetClient().Transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}

	return &HTTPClientProvider{
		client:  client,
		cfg:     cfg,
		tracing: telemetry.NewTracerWrapper(options.tracerProvider, telemetry.ScopeHTTPClient),
		stats:   options.stats,
	}
}

// CreateClient returns a client that reports serverID to the backend.
func (p *HTTPClientProvider) CreateClient(serverID int) Client {
	return &HTTPClient{provider: p, serverID: serverID}
}

func (p *HTTPClientProvider) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	atomic.AddInt32(&p.activeReqs, 1)
	return true
}

func (p *HTTPClientProvider) release() {
	if atomic.AddInt32(&p.activeReqs, -1) == 0 {
		p.mu.Lock()
		if p.closed && p.closeChan != nil {
			close(p.closeChan)
			p.closeChan = nil
		}
		p.mu.Unlock()
	}
}

// Close stops accepting requests and waits up to 30 seconds for active
// ones before closing idle connections.
func (p *HTTPClientProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClientClosed
	}
	p.closed = true

	activeCount := atomic.LoadInt32(&p.activeReqs)
	if activeCount > 0 {
		p.closeChan = make(chan struct{})
		ch := p.closeChan
		p.mu.Unlock()

		select {
		case <-ch:
			log.Debug("All active requests completed during shutdown")
		case <-time.After(closeTimeout):
			log.Warnf("Timeout waiting for %d active requests during shutdown", activeCount)
		}
	} else {
		p.mu.Unlock()
	}

	p.client.GetClient().CloseIdleConnections()
	return nil
}

// HTTPClient sends requests on behalf of one server id.
type HTTPClient struct {
	provider *HTTPClientProvider
	serverID int
}

// ServerID returns the server id sent as "srvid".
func (c *HTTPClient) ServerID() int { return c.serverID }

// SendStatusRequest asks the backend for the current capture policy.
func (c *HTTPClient) SendStatusRequest(ctx context.Context, params protocol.AdditionalQueryParameters) *protocol.StatusResponse {
	return c.send(ctx, request{
		kind:   metrics.RequestStatus,
		method: http.MethodGet,
		query:  c.query(params, false),
	})
}

// SendNewSessionRequest asks the backend to admit a new session.
func (c *HTTPClient) SendNewSessionRequest(ctx context.Context, params protocol.AdditionalQueryParameters) *protocol.StatusResponse {
	return c.send(ctx, request{
		kind:   metrics.RequestNewSession,
		method: http.MethodGet,
		query:  c.query(params, true),
	})
}

// SendBeaconRequest posts one beacon chunk.
func (c *HTTPClient) SendBeaconRequest(ctx context.Context, clientIP string, data []byte, params protocol.AdditionalQueryParameters) *protocol.StatusResponse {
	return c.send(ctx, request{
		kind:     metrics.RequestBeacon,
		method:   http.MethodPost,
		query:    c.query(params, false),
		clientIP: clientIP,
		body:     data,
	})
}

type request struct {
	kind     string
	method   string
	query    map[string]string
	clientIP string
	body     []byte
}

func (c *HTTPClient) query(params protocol.AdditionalQueryParameters, newSession bool) map[string]string {
	q := map[string]string{
		QueryParamType:            requestTypeMobile,
		QueryParamServerID:        strconv.Itoa(c.serverID),
		QueryParamApplication:     c.provider.cfg.ApplicationID,
		QueryParamAgentVersion:    beacon.AgentVersion,
		QueryParamPlatformType:    strconv.Itoa(beacon.PlatformTypeOther),
		QueryParamAgentTechnology: beacon.AgentTechnology,
		QueryParamResponseType:    responseTypeJSON,
	}
	if params != nil {
		q[QueryParamConfigurationTimestamp] = strconv.FormatInt(params.ConfigurationTimestamp(), 10)
	}
	if newSession {
		q[QueryParamNewSession] = "1"
	}
	return q
}

func (c *HTTPClient) send(ctx context.Context, req request) *protocol.StatusResponse {
	p := c.provider
	stats := p.stats

	ctx, span := p.tracing.StartSpan(ctx, telemetry.BackendSpanName(req.kind), trace.SpanKindClient)
	defer span.End()
	span.SetAttributes(
		attribute.String(telemetry.AttrRequestType, req.kind),
		attribute.String(telemetry.AttrApplicationID, p.cfg.ApplicationID),
		attribute.Int(telemetry.AttrServerID, c.serverID),
	)

	if !p.acquire() {
		recordError(span, ErrClientClosed)
		stats.RecordRequest(req.kind, metrics.OutcomeTransportError)
		return protocol.NewErroneousResponse(protocol.StatusCodeTransportError)
	}
	defer p.release()

	headers := map[string]string{}
	body := req.body
	if req.method == http.MethodPost {
		headers[HeaderContentType] = beaconContentType
		if req.clientIP != "" {
			headers[HeaderClientIP] = req.clientIP
		}
		if p.cfg.Compress {
			compressed, err := compress(body)
			if err != nil {
				log.Warnf("Failed to compress beacon, sending it uncompressed: %v", err)
			} else {
				body = compressed
				headers[HeaderContentEncoding] = encodingGzip
			}
		}
		span.SetAttributes(
			attribute.Bool(telemetry.AttrCompressed, headers[HeaderContentEncoding] == encodingGzip),
			attribute.Int(telemetry.AttrPayloadBytes, len(body)),
		)
	}
	headers = injectTraceContext(ctx, headers)

	r := p.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(req.query)
	if body != nil {
		r.SetBody(body)
	}

	startTime := time.Now()
	resp, err := r.Execute(req.method, p.cfg.BaseURL)
	duration := time.Since(startTime)

	if err != nil {
		recordError(span, err)
		stats.RecordRequest(req.kind, metrics.OutcomeTransportError)
		log.Debugf("%s request to %s failed: %v", req.kind, p.cfg.BaseURL, err)
		return protocol.NewErroneousResponse(protocol.StatusCodeTransportError)
	}

	recordHTTPAttributes(span, req.method, p.cfg.BaseURL, resp.StatusCode(), int64(len(body)), int64(len(resp.Body())), duration)
	if req.method == http.MethodPost {
		stats.RecordPayload(len(body))
	}

	headerValues := map[string][]string(resp.Header())
	if resp.StatusCode() >= http.StatusBadRequest {
		response := protocol.NewStatusResponse(resp.StatusCode(), headerValues, protocol.DefaultKeyValueAttributes())
		if response.IsTooManyRequests() {
			span.SetAttributes(attribute.Int64(telemetry.AttrRetryAfterSeconds, int64(response.RetryAfter()/time.Second)))
			logging.LogWarn(logging.ComponentHTTP, fmt.Sprintf(telemetry.ErrTooManyRequestsTemplate, response.RetryAfter(), p.cfg.BaseURL))
			stats.RecordRequest(req.kind, metrics.OutcomeThrottled)
		} else {
			stats.RecordRequest(req.kind, metrics.OutcomeError)
		}
		recordError(span, fmt.Errorf("%s request failed: status=%d", req.kind, resp.StatusCode()))
		return response
	}

	attrs, err := protocol.ParseResponse(resp.String())
	if err != nil {
		if !errors.Is(err, protocol.ErrEmptyResponse) {
			logging.LogWarn(logging.ComponentHTTP, fmt.Sprintf(telemetry.ErrUnparsableResponseTemplate, err, p.cfg.BaseURL, preview(resp.String())))
		}
		attrs = protocol.DefaultKeyValueAttributes()
	}
	stats.RecordRequest(req.kind, metrics.OutcomeSuccess)
	span.SetStatus(codes.Ok, "Request completed successfully")
	return protocol.NewStatusResponse(resp.StatusCode(), headerValues, attrs)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func preview(body string) string {
	if len(body) > 200 {
		return body[:200] + "..."
	}
	return body
}
