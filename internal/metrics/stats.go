// Package metrics exposes the SDK's own health as Prometheus metrics.
package metrics

import (
	"sync"
)

// Request types.
const (
	RequestStatus     = "status"
	RequestNewSession = "new_session"
	RequestBeacon     = "beacon"
)

// Request outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeError          = "error"
	OutcomeThrottled      = "throttled"
	OutcomeTransportError = "transport_error"
)

// RequestKey is a structured key for backend request counters.
type RequestKey struct {
	Type    string
	Outcome string
}

// String returns a string representation for map keys.
func (k RequestKey) String() string {
	return k.Type + "|" + k.Outcome
}

// Labels returns the metric labels as a slice.
func (k RequestKey) Labels() []string {
	return []string{k.Type, k.Outcome}
}

// Stats holds the counters updated by the HTTP client and the cache
// evictor. A nil *Stats ignores every update.
type Stats struct {
	mu           sync.Mutex
	requests     map[RequestKey]float64
	evicted      map[string]float64
	payloadBytes float64
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{
		requests: make(map[RequestKey]float64),
		evicted:  make(map[string]float64),
	}
}

// RecordRequest counts one backend request.
func (s *Stats) RecordRequest(requestType, outcome string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[RequestKey{Type: requestType, Outcome: outcome}]++
}

// RecordPayload counts bytes sent in beacon request bodies.
func (s *Stats) RecordPayload(bytes int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloadBytes += float64(bytes)
}

// RecordEviction counts records removed by an eviction strategy.
func (s *Stats) RecordEviction(strategy string, records int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted[strategy] += float64(records)
}

type statsSnapshot struct {
	requests     map[RequestKey]float64
	evicted      map[string]float64
	payloadBytes float64
}

func (s *Stats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := statsSnapshot{
		requests:     make(map[RequestKey]float64, len(s.requests)),
		evicted:      make(map[string]float64, len(s.evicted)),
		payloadBytes: s.payloadBytes,
	}
	for k, v := range s.requests {
		snap.requests[k] = v
	}
	for k, v := range s.evicted {
		snap.evicted[k] = v
	}
	return snap
}

// RequestCount returns the number of requests recorded for key.
func (s *Stats) RequestCount(key RequestKey) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}
