package communication

import (
	"fmt"
	"sync"
	"time"

	"github.com/fjacquet/beaconkit/internal/logging"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for the final
// flush.
const DefaultShutdownTimeout = 10 * time.Second

// BeaconSender drives the sending state machine on its own goroutine.
type BeaconSender struct {
	ctx *SendingContext

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
}

// NewBeaconSender creates a sender around ctx. Nothing runs until
// Initialize or Run is called.
func NewBeaconSender(ctx *SendingContext) *BeaconSender {
	return &BeaconSender{
		ctx:     ctx,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Context returns the shared sending context.
func (s *BeaconSender) Context() *SendingContext { return s.ctx }

// Initialize starts the state machine in the background.
func (s *BeaconSender) Initialize() {
	if s.claimStart() {
		go s.loop()
	}
}

// Run executes states on the calling goroutine until the terminal state
// is reached. Only the first of Run and Initialize starts the loop.
func (s *BeaconSender) Run() error {
	if s.claimStart() {
		s.loop()
	}
	return nil
}

// claimStart marks the sender as started. Only the first caller gets true,
// so Shutdown knows whether a loop exists to wait for.
func (s *BeaconSender) claimStart() bool {
	first := false
	s.startOnce.Do(func() {
		first = true
		close(s.started)
	})
	return first
}

func (s *BeaconSender) loop() {
	defer close(s.done)

	logging.LogInfo(logging.ComponentSender, "Beacon sender started")
	for !s.ctx.IsInTerminalState() {
		s.ctx.ExecuteCurrentState()
	}
	// Terminal runs once so a failed init also marks the context shut down.
	s.ctx.ExecuteCurrentState()
	logging.LogInfo(logging.ComponentSender, "Beacon sender stopped")
}

// WaitForInit blocks until the first status request resolved.
func (s *BeaconSender) WaitForInit() bool {
	return s.ctx.WaitForInit()
}

// WaitForInitTimeout is WaitForInit bounded by timeout.
func (s *BeaconSender) WaitForInitTimeout(timeout time.Duration) bool {
	return s.ctx.WaitForInitTimeout(timeout)
}

// IsInitialized reports whether init succeeded.
func (s *BeaconSender) IsInitialized() bool {
	return s.ctx.IsInitialized()
}

// State returns the active state.
func (s *BeaconSender) State() State {
	return s.ctx.CurrentState()
}

// Shutdown requests shutdown and waits up to timeout for the final flush.
// It reports whether the sender stopped in time.
func (s *BeaconSender) Shutdown(timeout time.Duration) bool {
	s.ctx.RequestShutdown()

	select {
	case <-s.started:
	default:
		return true
	}

	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		logging.LogWarn(logging.ComponentSender, fmt.Sprintf("Beacon sender did not stop within %s", timeout))
		return false
	}
}
