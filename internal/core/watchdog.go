package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/fjacquet/beaconkit/internal/clock"
	"github.com/fjacquet/beaconkit/internal/logging"
	log "github.com/sirupsen/logrus"
)

// DefaultWatchdogSleep is the longest the watchdog sleeps between cycles.
const DefaultWatchdogSleep = 5 * time.Second

// watchdogContext holds the state of the watchdog loop: sessions waiting
// to be closed and proxies waiting to be split by timeout.
type watchdogContext struct {
	clock        clock.Clock
	defaultSleep time.Duration

	mu             sync.Mutex
	closing        []*Session
	splitByTimeout []*SessionProxy

	wake         chan struct{}
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newWatchdogContext(clk clock.Clock, defaultSleep time.Duration) *watchdogContext {
	if defaultSleep <= 0 {
		defaultSleep = DefaultWatchdogSleep
	}
	return &watchdogContext{
		clock:        clk,
		defaultSleep: defaultSleep,
		wake:         make(chan struct{}, 1),
		shutdown:     make(chan struct{}),
	}
}

func (c *watchdogContext) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *watchdogContext) requestShutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdown) })
}

func (c *watchdogContext) isShutdownRequested() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// closeOrEnqueueForClosing ends s right away when it has no open
// children. Otherwise s is given until now+grace to close by itself.
func (c *watchdogContext) closeOrEnqueueForClosing(s *Session, grace time.Duration) {
	if s.TryEnd() {
		return
	}
	s.setGraceEndTime(c.clock.Now().Add(grace))

	c.mu.Lock()
	c.closing = append(c.closing, s)
	c.mu.Unlock()
	c.notify()
}

// dequeueFromClosing forgets s and wakes the loop so it stops sleeping
// toward the removed deadline.
func (c *watchdogContext) dequeueFromClosing(s *Session) {
	if c.removeFromClosing(s) {
		c.notify()
	}
}

func (c *watchdogContext) removeFromClosing(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, pending := range c.closing {
		if pending == s {
			c.closing = append(c.closing[:i], c.closing[i+1:]...)
			return true
		}
	}
	return false
}

func (c *watchdogContext) addToSplitByTimeout(p *SessionProxy) {
	c.mu.Lock()
	for _, existing := range c.splitByTimeout {
		if existing == p {
			c.mu.Unlock()
			return
		}
	}
	c.splitByTimeout = append(c.splitByTimeout, p)
	c.mu.Unlock()
	c.notify()
}

func (c *watchdogContext) removeFromSplitByTimeout(p *SessionProxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.splitByTimeout {
		if existing == p {
			c.splitByTimeout = append(c.splitByTimeout[:i], c.splitByTimeout[i+1:]...)
			return
		}
	}
}

func (c *watchdogContext) pendingClosing() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.closing...)
}

func (c *watchdogContext) pendingSplits() []*SessionProxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*SessionProxy(nil), c.splitByTimeout...)
}

// execute runs one cycle and then sleeps until the next deadline, a new
// registration, or shutdown.
func (c *watchdogContext) execute() {
	sleep := c.closeExpiredSessions()
	if d := c.splitTimedOutSessions(); d < sleep {
		sleep = d
	}
	c.sleep(sleep)
}

// closeExpiredSessions force-ends every session whose grace period has
// passed and returns how long to sleep until the next one expires.
// Sessions are ended without holding the lock, since ending a session
// calls back into the watchdog.
func (c *watchdogContext) closeExpiredSessions() time.Duration {
	now := c.clock.Now()
	sleep := c.defaultSleep

	var done []*Session
	for _, s := range c.pendingClosing() {
		if s.IsFinished() {
			done = append(done, s)
			continue
		}
		end := s.GraceEndTime()
		if !now.Before(end) {
			log.Debugf("Grace period of session %d expired, ending it", s.Beacon().SessionNumber())
			s.End()
			done = append(done, s)
			continue
		}
		if remaining := end.Sub(now); remaining < sleep {
			sleep = remaining
		}
	}
	for _, s := range done {
		c.removeFromClosing(s)
	}
	return clampSleep(sleep, c.defaultSleep)
}

// splitTimedOutSessions splits proxies whose idle timeout or maximum
// duration has passed and returns how long to sleep until the next split.
func (c *watchdogContext) splitTimedOutSessions() time.Duration {
	sleep := c.defaultSleep
	for _, p := range c.pendingSplits() {
		next, ok := p.SplitByTimeout()
		if !ok {
			c.removeFromSplitByTimeout(p)
			continue
		}
		if remaining := next.Sub(c.clock.Now()); remaining < sleep {
			sleep = remaining
		}
	}
	return clampSleep(sleep, c.defaultSleep)
}

func clampSleep(d, limit time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}

func (c *watchdogContext) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-c.clock.After(d):
	case <-c.wake:
	case <-c.shutdown:
	}
}

// SessionWatchdog finalizes sessions in the background. Sessions replaced
// by a split are ended once their children close or their grace period
// elapses, and proxies are split when their idle timeout or maximum
// duration is reached.
type SessionWatchdog struct {
	ctx *watchdogContext

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
}

// NewSessionWatchdog creates a watchdog. defaultSleep <= 0 selects
// DefaultWatchdogSleep; a nil clock selects the real clock.
func NewSessionWatchdog(clk clock.Clock, defaultSleep time.Duration) *SessionWatchdog {
	if clk == nil {
		clk = clock.Real()
	}
	return &SessionWatchdog{
		ctx:     newWatchdogContext(clk, defaultSleep),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Initialize starts the watchdog goroutine.
func (w *SessionWatchdog) Initialize() {
	first := false
	w.startOnce.Do(func() {
		first = true
		close(w.started)
	})
	if first {
		go w.loop()
	}
}

// Run executes watchdog cycles on the calling goroutine until Shutdown.
// Only the first of Run and Initialize starts the loop.
func (w *SessionWatchdog) Run() error {
	first := false
	w.startOnce.Do(func() {
		first = true
		close(w.started)
	})
	if first {
		w.loop()
	}
	return nil
}

func (w *SessionWatchdog) loop() {
	defer close(w.done)
	logging.LogInfo(logging.ComponentWatchdog, "Session watchdog started")
	for !w.ctx.isShutdownRequested() {
		w.ctx.execute()
	}
	logging.LogInfo(logging.ComponentWatchdog, "Session watchdog stopped")
}

// Shutdown stops the watchdog and waits up to timeout for its goroutine.
// It reports whether the goroutine stopped in time.
func (w *SessionWatchdog) Shutdown(timeout time.Duration) bool {
	w.ctx.requestShutdown()

	select {
	case <-w.started:
	default:
		return true
	}

	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		logging.LogWarn(logging.ComponentWatchdog, fmt.Sprintf("Session watchdog did not stop within %s", timeout))
		return false
	}
}

// Execute runs a single watchdog cycle on the calling goroutine.
func (w *SessionWatchdog) Execute() {
	w.ctx.execute()
}

// CloseOrEnqueueForClosing ends s now or after grace at the latest.
func (w *SessionWatchdog) CloseOrEnqueueForClosing(s *Session, grace time.Duration) {
	w.ctx.closeOrEnqueueForClosing(s, grace)
}

// DequeueFromClosing forgets a pending session, typically because it
// ended by itself.
func (w *SessionWatchdog) DequeueFromClosing(s *Session) {
	w.ctx.dequeueFromClosing(s)
}

// AddToSplitByTimeout registers a proxy for timeout based splitting.
func (w *SessionWatchdog) AddToSplitByTimeout(p *SessionProxy) {
	w.ctx.addToSplitByTimeout(p)
}

// RemoveFromSplitByTimeout unregisters a proxy.
func (w *SessionWatchdog) RemoveFromSplitByTimeout(p *SessionProxy) {
	w.ctx.removeFromSplitByTimeout(p)
}

// PendingClosing returns the sessions waiting to be closed.
func (w *SessionWatchdog) PendingClosing() []*Session {
	return w.ctx.pendingClosing()
}
