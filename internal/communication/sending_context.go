package communication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjacquet/beaconkit/internal/clock"
	"github.com/fjacquet/beaconkit/internal/core"
	"github.com/fjacquet/beaconkit/internal/protocol"
	"github.com/fjacquet/beaconkit/internal/telemetry"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sender defaults.
const (
	DefaultInitRetries         = 5
	DefaultInitRetryDelay      = time.Second
	DefaultStatusCheckInterval = 2 * time.Hour
	DefaultPacingInterval      = time.Second
)

// SenderConfig tunes the sending state machine.
type SenderConfig struct {
	// InitRetries is the number of status requests retried after the
	// first one failed, both in Init and in CaptureOff.
	InitRetries    int
	InitRetryDelay time.Duration
	// StatusCheckInterval is how long CaptureOff waits between status
	// requests when the backend did not ask for a specific delay.
	StatusCheckInterval time.Duration
	// PacingInterval is the pause at the start of every CaptureOn step.
	PacingInterval time.Duration
}

// DefaultSenderConfig returns the default sender settings.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		InitRetries:         DefaultInitRetries,
		InitRetryDelay:      DefaultInitRetryDelay,
		StatusCheckInterval: DefaultStatusCheckInterval,
		PacingInterval:      DefaultPacingInterval,
	}
}

func (c SenderConfig) withDefaults() SenderConfig {
	d := DefaultSenderConfig()
	if c.InitRetries < 0 {
		c.InitRetries = d.InitRetries
	}
	if c.InitRetryDelay <= 0 {
		c.InitRetryDelay = d.InitRetryDelay
	}
	if c.StatusCheckInterval <= 0 {
		c.StatusCheckInterval = d.StatusCheckInterval
	}
	if c.PacingInterval < 0 {
		c.PacingInterval = d.PacingInterval
	}
	return c
}

// SendingContextParams wires a SendingContext to its collaborators.
type SendingContextParams struct {
	Registry       *core.SessionRegistry
	Provider       ClientProvider
	Clock          clock.Clock
	Config         SenderConfig
	TracerProvider trace.TracerProvider
}

// SendingContext is the state shared by all sending states: the current
// and next state, the negotiated server configuration, the timestamps
// driving status checks and open session sends, and the one-shot init
// signal that WaitForInit blocks on.
type SendingContext struct {
	registry *core.SessionRegistry
	provider ClientProvider
	clock    clock.Clock
	cfg      SenderConfig
	tracing  *telemetry.TracerWrapper

	mu                     sync.Mutex
	current                State
	next                   *State
	serverConfig           *protocol.ServerConfiguration
	lastResponseAttributes protocol.ResponseAttributes
	lastStatusCheck        time.Time
	lastOpenSessionSend    time.Time

	// ctx is cancelled on shutdown so in-flight status retries stop.
	ctx          context.Context
	cancel       context.CancelFunc
	shutdown     atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	initOnce      sync.Once
	initDone      chan struct{}
	initSucceeded atomic.Bool
}

// NewSendingContext creates a context in the Init state.
func NewSendingContext(p SendingContextParams) *SendingContext {
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	if p.Registry == nil {
		p.Registry = core.NewSessionRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SendingContext{
		registry:               p.Registry,
		provider:               p.Provider,
		clock:                  p.Clock,
		cfg:                    p.Config.withDefaults(),
		tracing:                telemetry.NewTracerWrapper(p.TracerProvider, telemetry.ScopeSender),
		current:                State{Kind: StateInit},
		serverConfig:           protocol.DefaultServerConfiguration(),
		lastResponseAttributes: protocol.DefaultJSONAttributes(),
		ctx:                    ctx,
		cancel:                 cancel,
		shutdownCh:             make(chan struct{}),
		initDone:               make(chan struct{}),
	}
}

// Registry returns the sessions the sender drains.
func (c *SendingContext) Registry() *core.SessionRegistry { return c.registry }

// CurrentState returns the active state.
func (c *SendingContext) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetNextState schedules the state entered after the current step.
func (c *SendingContext) SetNextState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = &s
}

// NextState returns the scheduled state, if any.
func (c *SendingContext) NextState() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == nil {
		return State{}, false
	}
	return *c.next, true
}

// ExecuteCurrentState runs one step of the active state and switches to
// the scheduled next state. When shutdown was requested the next state is
// the shutdown state of the one that just ran.
func (c *SendingContext) ExecuteCurrentState() {
	c.mu.Lock()
	c.next = nil
	state := c.current
	c.mu.Unlock()

	ctx := c.ctx
	if state.Kind == StateFlushSessions || state.Kind == StateTerminal {
		// The final flush runs after shutdown cancelled c.ctx.
		ctx = context.Background()
	}
	ctx, span := c.tracing.StartSpan(ctx, telemetry.SenderSpanName(state.Kind.String()), trace.SpanKindInternal)
	defer span.End()
	span.SetAttributes(attribute.String(telemetry.AttrSenderState, state.Kind.String()))

	executeState(ctx, c, state)
	if c.IsShutdownRequested() {
		c.SetNextState(State{Kind: shutdownState(state.Kind)})
	}

	c.mu.Lock()
	if c.next != nil && *c.next != c.current {
		log.Debugf("Sender state %s -> %s", c.current, *c.next)
		c.current = *c.next
	}
	next := c.current
	c.mu.Unlock()
	span.SetAttributes(attribute.String(telemetry.AttrSenderNextState, next.Kind.String()))
}

// IsInTerminalState reports whether the state machine has stopped.
func (c *SendingContext) IsInTerminalState() bool {
	return c.CurrentState().Kind == StateTerminal
}

// RequestShutdown asks the state machine to stop. Blocked sleeps and
// status retries return immediately, and WaitForInit is released with
// failure if init has not completed.
func (c *SendingContext) RequestShutdown() {
	c.shutdownOnce.Do(func() {
		c.shutdown.Store(true)
		close(c.shutdownCh)
		c.cancel()
	})
	c.InitCompleted(false)
}

// IsShutdownRequested reports whether RequestShutdown was called.
func (c *SendingContext) IsShutdownRequested() bool {
	return c.shutdown.Load()
}

// Sleep blocks for d or until shutdown. It reports whether the full
// duration elapsed.
func (c *SendingContext) Sleep(d time.Duration) bool {
	if c.IsShutdownRequested() {
		return false
	}
	if d <= 0 {
		return true
	}
	select {
	case <-c.clock.After(d):
		return true
	case <-c.shutdownCh:
		return false
	}
}

// InitCompleted releases WaitForInit. Only the first call has an effect.
func (c *SendingContext) InitCompleted(success bool) {
	c.initOnce.Do(func() {
		c.initSucceeded.Store(success)
		close(c.initDone)
	})
}

// WaitForInit blocks until init completed and reports whether it
// succeeded.
func (c *SendingContext) WaitForInit() bool {
	<-c.initDone
	return c.initSucceeded.Load()
}

// WaitForInitTimeout is WaitForInit bounded by timeout. It returns false
// when the timeout elapsed first.
func (c *SendingContext) WaitForInitTimeout(timeout time.Duration) bool {
	select {
	case <-c.initDone:
		return c.initSucceeded.Load()
	case <-time.After(timeout):
		return false
	}
}

// IsInitialized reports whether init completed successfully.
func (c *SendingContext) IsInitialized() bool {
	select {
	case <-c.initDone:
		return c.initSucceeded.Load()
	default:
		return false
	}
}

// ServerConfiguration returns the negotiated configuration.
func (c *SendingContext) ServerConfiguration() *protocol.ServerConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverConfig
}

// LastResponseAttributes returns the merge of every successful response.
func (c *SendingContext) LastResponseAttributes() protocol.ResponseAttributes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponseAttributes
}

// ConfigurationTimestamp implements protocol.AdditionalQueryParameters.
func (c *SendingContext) ConfigurationTimestamp() int64 {
	return c.LastResponseAttributes().Timestamp
}

// IsCaptureOn reports whether the backend allows capturing.
func (c *SendingContext) IsCaptureOn() bool {
	return c.ServerConfiguration().IsCaptureEnabled()
}

// UpdateFrom merges a successful response into the last response
// attributes and derives the server configuration from the result.
// Erroneous responses are ignored. It returns the merged attributes.
func (c *SendingContext) UpdateFrom(resp *protocol.StatusResponse) protocol.ResponseAttributes {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.IsErroneous() {
		return c.lastResponseAttributes
	}
	c.lastResponseAttributes = c.lastResponseAttributes.Merge(resp.Attributes())
	c.serverConfig = protocol.ServerConfigurationFrom(c.lastResponseAttributes)
	return c.lastResponseAttributes
}

// HandleStatusResponse applies a status response. An erroneous response
// disables capture and drops all buffered data; a response that turns
// capture off drops the data as well.
func (c *SendingContext) HandleStatusResponse(resp *protocol.StatusResponse) {
	if resp.IsErroneous() {
		c.DisableCaptureAndClear()
		return
	}
	c.UpdateFrom(resp)
	if !c.IsCaptureOn() {
		c.clearAllSessionData()
	}
}

// DisableCaptureAndClear switches capture off and drops all buffered data.
func (c *SendingContext) DisableCaptureAndClear() {
	c.mu.Lock()
	c.serverConfig = c.serverConfig.WithCapture(false)
	c.mu.Unlock()
	c.clearAllSessionData()
}

// clearAllSessionData drops the records of every session and forgets the
// finished ones.
func (c *SendingContext) clearAllSessionData() {
	for _, s := range c.registry.All() {
		s.ClearCapturedData()
		if s.IsFinished() {
			c.registry.Remove(s)
		}
	}
}

func (c *SendingContext) client() Client {
	return c.provider.CreateClient(c.ServerConfiguration().ServerID())
}

// LastStatusCheck returns when the last status request was sent.
func (c *SendingContext) LastStatusCheck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatusCheck
}

func (c *SendingContext) setLastStatusCheck(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStatusCheck = t
}

// LastOpenSessionSend returns when open sessions were last sent.
func (c *SendingContext) LastOpenSessionSend() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOpenSessionSend
}

func (c *SendingContext) setLastOpenSessionSend(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOpenSessionSend = t
}
