// Package beaconkit is a client-side telemetry SDK. An application creates
// one Kit, opens sessions on it and records actions, events, values,
// errors, crashes and traced web requests. The Kit buffers the records,
// negotiates capture settings with the collection backend and sends the
// data in the background.
//
// Example:
//
//	kit, err := beaconkit.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer kit.Shutdown()
//
//	kit.WaitForInitTimeout(5 * time.Second)
//	s := kit.CreateSession("10.0.0.1")
//	a := s.EnterAction("checkout")
//	a.ReportValueInt("items", 3)
//	a.LeaveAction()
//	s.End()
package beaconkit

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
	"github.com/fjacquet/beaconkit/internal/cache"
	"github.com/fjacquet/beaconkit/internal/clock"
	"github.com/fjacquet/beaconkit/internal/communication"
	"github.com/fjacquet/beaconkit/internal/core"
	"github.com/fjacquet/beaconkit/internal/logging"
	"github.com/fjacquet/beaconkit/internal/metrics"
	"github.com/fjacquet/beaconkit/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrShutdownTimeout is returned by Shutdown when a background loop did
// not stop within the configured shutdown timeout.
var ErrShutdownTimeout = errors.New("beaconkit: background loops did not stop in time")

// Privacy levels, usable with UpdatePrivacy.
type (
	DataCollectionLevel = beacon.DataCollectionLevel
	CrashReportingLevel = beacon.CrashReportingLevel
)

const (
	DataCollectionOff          = beacon.DataCollectionOff
	DataCollectionPerformance  = beacon.DataCollectionPerformance
	DataCollectionUserBehavior = beacon.DataCollectionUserBehavior

	CrashReportingOff    = beacon.CrashReportingOff
	CrashReportingOptOut = beacon.CrashReportingOptOut
	CrashReportingOptIn  = beacon.CrashReportingOptIn
)

// ClientProvider creates backend clients for a server id. The default
// provider talks HTTP to the configured endpoint.
type ClientProvider = communication.ClientProvider

// Option configures optional Kit settings.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	provider       ClientProvider
	clock          clock.Clock
	pacing         *time.Duration
}

// WithTracerProvider sets the TracerProvider used for backend request
// spans. If not provided, tracing is a noop.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithHTTPClientProvider replaces the HTTP backend client.
func WithHTTPClientProvider(p ClientProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithClock sets the clock driving timestamps, eviction and the
// background loops.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithPacingInterval sets the pause between two sending passes while
// capture is on.
func WithPacingInterval(d time.Duration) Option {
	return func(o *options) {
		o.pacing = &d
	}
}

// Kit owns the record cache and the background loops: the beacon sender,
// the session watchdog and the cache evictor.
type Kit struct {
	cfg   models.KitConfiguration
	clock clock.Clock

	cache    *cache.BeaconCache
	evictor  *cache.Evictor
	registry *core.SessionRegistry
	sender   *communication.BeaconSender
	watchdog *core.SessionWatchdog
	closer   io.Closer

	stats     *metrics.Stats
	collector *metrics.SDKCollector

	privacy       atomic.Pointer[beacon.PrivacyConfiguration]
	nextSessionID atomic.Int32

	group errgroup.Group

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg, creates a Kit and starts its background loops.
func New(cfg *models.Config, opts ...Option) (*Kit, error) {
	kc, err := models.NewKitConfiguration(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	stats := metrics.NewStats()
	k := &Kit{
		cfg:      kc,
		clock:    o.clock,
		cache:    cache.NewBeaconCache(),
		registry: core.NewSessionRegistry(),
		stats:    stats,
		sessions: make(map[*session]struct{}),
	}
	k.privacy.Store(kc.Privacy())

	provider := o.provider
	if provider == nil {
		httpProvider := communication.NewHTTPClientProvider(communication.HTTPClientConfig{
			BaseURL:            kc.Endpoint(),
			ApplicationID:      kc.Application().ApplicationID,
			InsecureSkipVerify: kc.InsecureSkipVerify(),
			Compress:           kc.CompressBeacons(),
		}, communication.WithTracerProvider(o.tracerProvider), communication.WithStats(stats))
		provider = httpProvider
		k.closer = httpProvider
	}

	k.evictor = cache.NewEvictor(k.cache, cache.Configuration{
		MaxRecordAge:        kc.MaxRecordAge(),
		LowerMemoryBoundary: kc.LowerMemoryBoundary(),
		UpperMemoryBoundary: kc.UpperMemoryBoundary(),
	}, cache.WithClock(o.clock), cache.WithEvictionListener(stats.RecordEviction))

	senderCfg := communication.SenderConfig{
		InitRetries:         kc.InitRetries(),
		InitRetryDelay:      kc.InitRetryDelay(),
		StatusCheckInterval: kc.StatusCheckInterval(),
		PacingInterval:      communication.DefaultPacingInterval,
	}
	if o.pacing != nil {
		senderCfg.PacingInterval = *o.pacing
	}
	k.sender = communication.NewBeaconSender(communication.NewSendingContext(communication.SendingContextParams{
		Registry:       k.registry,
		Provider:       provider,
		Clock:          o.clock,
		Config:         senderCfg,
		TracerProvider: o.tracerProvider,
	}))
	k.watchdog = core.NewSessionWatchdog(o.clock, kc.WatchdogSleep())
	k.collector = metrics.NewSDKCollector(stats, k, metrics.WithCollectorTracerProvider(o.tracerProvider))

	k.evictor.Start()
	k.group.Go(k.sender.Run)
	k.group.Go(k.watchdog.Run)

	logging.LogInfo(logging.ComponentKit, fmt.Sprintf("Kit started for application %s at %s",
		kc.MaskedApplicationID(), kc.Endpoint()))
	return k, nil
}

// WaitForInit blocks until the first status request to the backend has
// resolved. It returns false when initialization failed or the Kit was
// shut down first.
func (k *Kit) WaitForInit() bool {
	return k.sender.WaitForInit()
}

// WaitForInitTimeout is WaitForInit bounded by timeout.
func (k *Kit) WaitForInitTimeout(timeout time.Duration) bool {
	return k.sender.WaitForInitTimeout(timeout)
}

// IsInitialized reports whether initialization completed successfully.
func (k *Kit) IsInitialized() bool {
	return k.sender.IsInitialized()
}

// CreateSession opens a session for a client. clientIP is sent to the
// backend with every beacon of the session and may be empty. After
// Shutdown a no-op session is returned.
func (k *Kit) CreateSession(clientIP string) Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nullSession{}
	}

	proxy := core.NewSessionProxy(core.SessionCreatorParams{
		Cache:       k.cache,
		Registry:    k.registry,
		Application: k.cfg.Application(),
		Privacy:     k.privacy.Load(),
		ClientIP:    clientIP,
		SessionID:   k.nextSessionID.Add(1),
		Clock:       k.clock,
	}, k.watchdog)
	s := &session{proxy: proxy, kit: k}
	k.sessions[s] = struct{}{}
	return s
}

func (k *Kit) forget(s *session) {
	k.mu.Lock()
	delete(k.sessions, s)
	k.mu.Unlock()
}

// UpdatePrivacy changes the privacy levels of sessions created from now
// on. Open sessions keep the levels they were created with.
func (k *Kit) UpdatePrivacy(dcl DataCollectionLevel, crl CrashReportingLevel) {
	k.privacy.Store(beacon.NewPrivacyConfiguration(dcl, crl))
	logging.LogInfo(logging.ComponentKit, fmt.Sprintf("Privacy updated: data collection %s, crash reporting %s", dcl, crl))
}

// Collector returns a Prometheus collector exposing the Kit's own state.
func (k *Kit) Collector() prometheus.Collector {
	return k.collector
}

// Shutdown ends every open session, lets the sender flush what is left
// and stops the background loops. Later calls return the first result.
func (k *Kit) Shutdown() error {
	k.shutdownOnce.Do(func() {
		k.shutdownErr = k.shutdown()
	})
	return k.shutdownErr
}

func (k *Kit) shutdown() error {
	logging.LogInfo(logging.ComponentKit, "Shutting down")

	k.mu.Lock()
	k.closed = true
	open := make([]*session, 0, len(k.sessions))
	for s := range k.sessions {
		open = append(open, s)
	}
	k.sessions = make(map[*session]struct{})
	k.mu.Unlock()

	for _, s := range open {
		s.proxy.End()
	}

	timeout := k.cfg.ShutdownTimeout()
	stopped := k.watchdog.Shutdown(timeout)
	stopped = k.sender.Shutdown(timeout) && stopped
	k.evictor.Stop(timeout)

	var errs []error
	if k.closer != nil {
		if err := k.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if !stopped {
		errs = append(errs, ErrShutdownTimeout)
		return errors.Join(errs...)
	}
	if err := k.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	logging.LogInfo(logging.ComponentKit, "Kit stopped")
	return errors.Join(errs...)
}

// CacheBytes implements metrics.Source.
func (k *Kit) CacheBytes() int64 { return k.cache.NumBytesInCache() }

// CacheRecords implements metrics.Source.
func (k *Kit) CacheRecords() int { return k.cache.NumRecords() }

// SenderState implements metrics.Source.
func (k *Kit) SenderState() string { return k.sender.State().Kind.String() }

// SessionCounts implements metrics.Source.
func (k *Kit) SessionCounts() metrics.SessionCounts {
	newSessions, open, finished := k.registry.Counts()
	return metrics.SessionCounts{New: newSessions, Open: open, Finished: finished}
}
