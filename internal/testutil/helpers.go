// Package testutil provides shared test utilities and helper functions.
// This file contains the fluent mock backend builder.
package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// RequestKind classifies a request received by the mock backend.
type RequestKind string

// Request kinds, matching the request types reported in metrics.
const (
	KindStatus     RequestKind = "status"
	KindNewSession RequestKind = "new_session"
	KindBeacon     RequestKind = "beacon"
)

// Response is a scripted backend answer.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// JSONResponse returns a 200 response with a JSON body.
func JSONResponse(body string) Response {
	return Response{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{ContentTypeHeader: ContentTypeJSON},
	}
}

// TooManyRequests returns a 429 response asking the client to wait
// retryAfterSeconds.
func TooManyRequests(retryAfterSeconds int) Response {
	return Response{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{RetryAfterHeader: strconv.Itoa(retryAfterSeconds)},
	}
}

// ErrorResponse returns an empty response with the given status code.
func ErrorResponse(statusCode int) Response {
	return Response{StatusCode: statusCode}
}

// RecordedRequest is a request seen by the mock backend. Body is
// decompressed when the request was gzip encoded.
type RecordedRequest struct {
	Kind    RequestKind
	Method  string
	Query   url.Values
	Headers http.Header
	Body    string
}

// MockBackendBuilder provides a fluent interface for creating a mock
// beacon backend. Every request kind has a default response and an
// optional queue of one-shot responses served first.
//
// Example usage:
//
//	backend := testutil.NewMockBackend().
//	    WithResponse(testutil.KindStatus, testutil.JSONResponse(testutil.StatusCaptureOn)).
//	    Build()
//	defer backend.Close()
type MockBackendBuilder struct {
	defaults map[RequestKind]Response
	scripted map[RequestKind][]Response
	useTLS   bool
}

// NewMockBackend creates a builder whose defaults answer every request
// with an empty 200.
func NewMockBackend() *MockBackendBuilder {
	ok := Response{StatusCode: http.StatusOK}
	return &MockBackendBuilder{
		defaults: map[RequestKind]Response{
			KindStatus:     ok,
			KindNewSession: ok,
			KindBeacon:     ok,
		},
		scripted: make(map[RequestKind][]Response),
	}
}

// WithTLS enables TLS for the mock backend.
func (b *MockBackendBuilder) WithTLS() *MockBackendBuilder {
	b.useTLS = true
	return b
}

// WithResponse sets the default response for kind.
func (b *MockBackendBuilder) WithResponse(kind RequestKind, resp Response) *MockBackendBuilder {
	b.defaults[kind] = resp
	return b
}

// ThenRespond queues one-shot responses for kind, served in order before
// the default.
func (b *MockBackendBuilder) ThenRespond(kind RequestKind, resps ...Response) *MockBackendBuilder {
	b.scripted[kind] = append(b.scripted[kind], resps...)
	return b
}

// Build starts the mock backend.
func (b *MockBackendBuilder) Build() *MockBackend {
	m := &MockBackend{
		defaults: b.defaults,
		scripted: b.scripted,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(TestPathBeacon, m.handle)

	if b.useTLS {
		m.server = httptest.NewTLSServer(mux)
	} else {
		m.server = httptest.NewServer(mux)
	}
	return m
}

// MockBackend is a running mock beacon backend.
type MockBackend struct {
	server *httptest.Server

	mu       sync.Mutex
	defaults map[RequestKind]Response
	scripted map[RequestKind][]Response
	requests []RecordedRequest
}

// URL returns the beacon endpoint URL.
func (m *MockBackend) URL() string {
	return m.server.URL + TestPathBeacon
}

// Client returns an HTTP client trusting the backend's certificate.
func (m *MockBackend) Client() *http.Client {
	return m.server.Client()
}

// Close shuts the backend down.
func (m *MockBackend) Close() {
	m.server.Close()
}

// Requests returns the recorded requests of kind, oldest first.
func (m *MockBackend) Requests(kind RequestKind) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedRequest
	for _, r := range m.requests {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of recorded requests of kind.
func (m *MockBackend) Count(kind RequestKind) int {
	return len(m.Requests(kind))
}

func (m *MockBackend) handle(w http.ResponseWriter, r *http.Request) {
	rec := RecordedRequest{
		Kind:    classify(r),
		Method:  r.Method,
		Query:   r.URL.Query(),
		Headers: r.Header.Clone(),
		Body:    readBody(r),
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	resp := m.defaults[rec.Kind]
	if queue := m.scripted[rec.Kind]; len(queue) > 0 {
		resp = queue[0]
		m.scripted[rec.Kind] = queue[1:]
	}
	m.mu.Unlock()

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = io.WriteString(w, resp.Body)
	}
}

func classify(r *http.Request) RequestKind {
	switch {
	case r.Method == http.MethodPost:
		return KindBeacon
	case r.URL.Query().Get("ns") == "1":
		return KindNewSession
	default:
		return KindStatus
	}
}

func readBody(r *http.Request) string {
	raw, err := io.ReadAll(r.Body)
	if err != nil || len(raw) == 0 {
		return ""
	}
	if r.Header.Get(ContentEncodingHeader) != "gzip" {
		return string(raw)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return string(raw)
	}
	return string(plain)
}
