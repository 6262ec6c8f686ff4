package communication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fjacquet/beaconkit/internal/logging"
	"github.com/fjacquet/beaconkit/internal/protocol"
	"github.com/fjacquet/beaconkit/internal/telemetry"
	log "github.com/sirupsen/logrus"
)

// StateKind tags the active sending state.
type StateKind int

const (
	StateInit StateKind = iota
	StateCaptureOn
	StateCaptureOff
	StateFlushSessions
	StateTerminal
)

func (k StateKind) String() string {
	switch k {
	case StateInit:
		return "init"
	case StateCaptureOn:
		return "capture_on"
	case StateCaptureOff:
		return "capture_off"
	case StateFlushSessions:
		return "flush_sessions"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// State is the active sending state. SleepDuration is only used by
// CaptureOff, where zero selects the regular status check interval.
type State struct {
	Kind          StateKind
	SleepDuration time.Duration
}

func (s State) String() string {
	if s.Kind == StateCaptureOff && s.SleepDuration > 0 {
		return fmt.Sprintf("%s(%s)", s.Kind, s.SleepDuration)
	}
	return s.Kind.String()
}

func captureOff(sleep time.Duration) State {
	return State{Kind: StateCaptureOff, SleepDuration: sleep}
}

// shutdownState returns the state a shutdown request fast-forwards to.
func shutdownState(k StateKind) StateKind {
	switch k {
	case StateCaptureOn, StateCaptureOff:
		return StateFlushSessions
	default:
		return StateTerminal
	}
}

func executeState(ctx context.Context, c *SendingContext, s State) {
	switch s.Kind {
	case StateInit:
		executeInit(ctx, c)
	case StateCaptureOn:
		executeCaptureOn(ctx, c)
	case StateCaptureOff:
		executeCaptureOff(ctx, c, s)
	case StateFlushSessions:
		executeFlushSessions(ctx, c)
	case StateTerminal:
		executeTerminal(c)
	}
}

// errStatusRequest marks an erroneous status response inside the retry
// loop.
var errStatusRequest = errors.New("status request failed")

// sendStatusRequest sends status requests until one succeeds, the retry
// budget is exhausted or shutdown is requested. With waitOnThrottle a 429
// waits for the requested retry-after and counts as a retry; otherwise it
// ends the loop. The last response is returned in every case.
//
// Throttling waits run on the sending context's clock so shutdown can
// interrupt them. The retry budget is bounded by tries only.
func sendStatusRequest(ctx context.Context, c *SendingContext, waitOnThrottle bool) *protocol.StatusResponse {
	maxTries := uint(c.cfg.InitRetries + 1)
	var last *protocol.StatusResponse
	var attempt uint
	operation := func() (*protocol.StatusResponse, error) {
		attempt++
		last = c.client().SendStatusRequest(ctx, c)
		c.setLastStatusCheck(c.clock.Now())
		switch {
		case last.IsTooManyRequests() && waitOnThrottle && attempt < maxTries:
			log.Debugf("Status request throttled, waiting %s", last.RetryAfter())
			if !c.Sleep(last.RetryAfter()) {
				return nil, backoff.Permanent(errStatusRequest)
			}
			return nil, backoff.RetryAfter(0)
		case last.IsTooManyRequests():
			return nil, backoff.Permanent(errStatusRequest)
		case last.IsErroneous():
			return nil, fmt.Errorf("%w: status=%d", errStatusRequest, last.StatusCode())
		}
		return last, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.InitRetryDelay)),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debugf("Status request failed (%v), retrying in %s", err, next)
		}),
	)
	if err != nil && !errors.Is(err, errStatusRequest) {
		log.Debugf("Status request retries stopped: %v", err)
	}
	return last
}

// executeInit negotiates the initial capture policy and releases
// WaitForInit.
func executeInit(ctx context.Context, c *SendingContext) {
	now := c.clock.Now()
	c.setLastOpenSessionSend(now)
	c.setLastStatusCheck(now)

	resp := sendStatusRequest(ctx, c, true)
	if c.IsShutdownRequested() {
		c.InitCompleted(false)
		return
	}
	if resp.IsErroneous() {
		code := protocol.StatusCodeTransportError
		if resp != nil {
			code = resp.StatusCode()
		}
		logging.LogError(logging.ComponentSender, fmt.Sprintf(telemetry.ErrInitFailedTemplate, c.cfg.InitRetries+1, code))
		c.InitCompleted(false)
		c.SetNextState(State{Kind: StateTerminal})
		return
	}

	c.HandleStatusResponse(resp)
	if c.IsCaptureOn() {
		c.SetNextState(State{Kind: StateCaptureOn})
	} else {
		c.SetNextState(captureOff(0))
	}
	c.InitCompleted(true)
}

// executeCaptureOn sends new session requests and the data of finished
// and open sessions.
func executeCaptureOn(ctx context.Context, c *SendingContext) {
	if !c.Sleep(c.cfg.PacingInterval) {
		return
	}

	last := sendNewSessionRequests(ctx, c)
	if !last.IsTooManyRequests() {
		if resp := sendFinishedSessions(ctx, c); resp != nil {
			last = resp
		}
	}
	if !last.IsTooManyRequests() {
		if resp := sendOpenSessions(ctx, c); resp != nil {
			last = resp
		}
	}
	if last.IsTooManyRequests() {
		c.SetNextState(captureOff(last.RetryAfter()))
		return
	}

	// Only successful responses carry a configuration. Failed sends keep
	// their data buffered for the next step.
	if last.IsSuccessful() {
		c.HandleStatusResponse(last)
		if !c.IsCaptureOn() {
			c.SetNextState(captureOff(0))
		}
	}
}

// sendNewSessionRequests asks the backend to admit every session that
// has no configuration yet. Sessions whose request budget is exhausted
// stop capturing. A 429 ends the pass.
func sendNewSessionRequests(ctx context.Context, c *SendingContext) *protocol.StatusResponse {
	var last *protocol.StatusResponse
	for _, s := range c.registry.NewSessions() {
		if !s.CanSendNewSessionRequest() {
			log.Debugf("No new session request left for session %d, disabling capture", s.Beacon().SessionNumber())
			s.DisableCapture()
			continue
		}

		resp := c.client().SendNewSessionRequest(ctx, c)
		last = resp
		if resp.IsTooManyRequests() {
			return resp
		}
		if resp.IsSuccessful() {
			attrs := c.UpdateFrom(resp)
			s.UpdateServerConfiguration(protocol.ServerConfigurationFrom(attrs))
		} else {
			s.DecreaseNumRemainingSessionRequests()
		}
	}
	return last
}

// sendFinishedSessions sends and forgets finished sessions. A session
// that may not send, or that ended up empty, is dropped. A failed send of
// a session that still holds data stops the pass so it is retried later.
func sendFinishedSessions(ctx context.Context, c *SendingContext) *protocol.StatusResponse {
	var last *protocol.StatusResponse
	for _, s := range c.registry.FinishedAndConfigured() {
		if s.IsDataSendingAllowed() {
			resp := s.SendBeacon(ctx, c.client(), c)
			if resp != nil {
				last = resp
			}
			if !resp.IsSuccessful() && (resp.IsTooManyRequests() || !s.IsEmpty()) {
				break
			}
		}
		s.ClearCapturedData()
		c.registry.Remove(s)
	}
	return last
}

// sendOpenSessions sends the data of open sessions at most once per send
// interval. Sessions that may not send lose their data. The interval only
// restarts when every send went through, so failed data is retried on the
// next pass.
func sendOpenSessions(ctx context.Context, c *SendingContext) *protocol.StatusResponse {
	now := c.clock.Now()
	if now.Sub(c.LastOpenSessionSend()) < c.ServerConfiguration().SendInterval() {
		return nil
	}

	var last *protocol.StatusResponse
	failed := false
	for _, s := range c.registry.OpenAndConfigured() {
		if !s.IsDataSendingAllowed() {
			s.ClearCapturedData()
			continue
		}
		resp := s.SendBeacon(ctx, c.client(), c)
		if resp == nil {
			continue
		}
		last = resp
		if resp.IsErroneous() {
			failed = true
		}
		if resp.IsTooManyRequests() {
			break
		}
	}
	if !failed {
		c.setLastOpenSessionSend(now)
	}
	return last
}

// executeCaptureOff drops buffered data, waits and asks the backend
// whether capturing may resume.
func executeCaptureOff(ctx context.Context, c *SendingContext, s State) {
	c.DisableCaptureAndClear()

	sleep := s.SleepDuration
	if sleep <= 0 {
		sleep = c.cfg.StatusCheckInterval - c.clock.Now().Sub(c.LastStatusCheck())
	}
	if !c.Sleep(sleep) {
		return
	}

	resp := sendStatusRequest(ctx, c, false)
	if c.IsShutdownRequested() {
		return
	}
	if resp.IsTooManyRequests() {
		c.SetNextState(captureOff(resp.RetryAfter()))
		return
	}
	c.HandleStatusResponse(resp)
	if c.IsCaptureOn() {
		c.SetNextState(State{Kind: StateCaptureOn})
	} else {
		c.SetNextState(captureOff(0))
	}
}

// executeFlushSessions ends every session and makes one last attempt to
// deliver their data.
func executeFlushSessions(ctx context.Context, c *SendingContext) {
	for _, s := range c.registry.All() {
		if !s.IsFinished() {
			s.End()
		}
	}

	if resp := sendNewSessionRequests(ctx, c); !resp.IsTooManyRequests() {
		// Sessions the backend never answered for send with the default
		// configuration.
		for _, s := range c.registry.NewSessions() {
			s.EnableCapture()
		}
	}

	throttledFlush := false
	for _, s := range c.registry.All() {
		if !throttledFlush && s.IsConfigured() && s.IsDataSendingAllowed() {
			resp := s.SendBeacon(ctx, c.client(), c)
			throttledFlush = resp.IsTooManyRequests()
		}
		s.ClearCapturedData()
		c.registry.Remove(s)
	}

	c.SetNextState(State{Kind: StateTerminal})
}

func executeTerminal(c *SendingContext) {
	c.RequestShutdown()
	c.SetNextState(State{Kind: StateTerminal})
}
