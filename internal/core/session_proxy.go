package core

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
	"github.com/fjacquet/beaconkit/internal/cache"
	"github.com/fjacquet/beaconkit/internal/clock"
	"github.com/fjacquet/beaconkit/internal/logging"
	"github.com/fjacquet/beaconkit/internal/protocol"
)

// SessionCreatorParams configures the sessions created for one proxy.
type SessionCreatorParams struct {
	Cache       *cache.BeaconCache
	Registry    *SessionRegistry
	Application beacon.ApplicationConfiguration
	Privacy     *beacon.PrivacyConfiguration
	ClientIP    string
	SessionID   int32
	Clock       clock.Clock
	ThreadID    beacon.ThreadIDProvider
	Random      beacon.RandomSource
}

// sessionCreator builds the sessions of one proxy. Split sessions share
// the session id, the anonymized device id and the traffic control value;
// only the session sequence increases.
type sessionCreator struct {
	params SessionCreatorParams
	random fixedRandom

	mu       sync.Mutex
	sequence int32
}

// fixedRandom replays values drawn once so every split of a session
// reports the same anonymized identity.
type fixedRandom struct {
	value   int64
	traffic int
}

func (r fixedRandom) Int64() int64 { return r.value }
func (r fixedRandom) IntN(int) int { return r.traffic }

func newSessionCreator(p SessionCreatorParams) *sessionCreator {
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	if p.Registry == nil {
		p.Registry = NewSessionRegistry()
	}
	random := fixedRandom{value: rand.Int64(), traffic: rand.IntN(100)}
	if p.Random != nil {
		random = fixedRandom{value: p.Random.Int64(), traffic: p.Random.IntN(100)}
	}
	return &sessionCreator{params: p, random: random}
}

func (c *sessionCreator) createSession(parent childCloser) *Session {
	c.mu.Lock()
	sequence := c.sequence
	c.sequence++
	c.mu.Unlock()

	b := beacon.New(beacon.Params{
		Cache:           c.params.Cache,
		Configuration:   beacon.NewConfiguration(c.params.Application, c.params.Privacy, nil),
		ClientIP:        c.params.ClientIP,
		SessionID:       c.params.SessionID,
		SessionSequence: sequence,
		Clock:           c.params.Clock,
		ThreadID:        c.params.ThreadID,
		Random:          c.random,
	})
	s := newSession(b, parent)
	c.params.Registry.Add(s)
	return s
}

// SessionProxy is the session handed to the application. It forwards to
// an underlying Session and replaces that session with a new one when the
// server's split thresholds are reached: too many top-level events, the
// maximum session duration, or the idle timeout. Replaced sessions are
// handed to the watchdog, which ends them once their open children close
// or their grace period elapses.
type SessionProxy struct {
	creator  *sessionCreator
	watchdog *SessionWatchdog
	clock    clock.Clock

	mu                  sync.Mutex
	current             *Session
	serverConfig        *protocol.ServerConfiguration
	topLevelActionCount int
	lastInteraction     time.Time
	lastUserTag         string
	finished            bool
}

// NewSessionProxy creates a proxy and its initial session.
func NewSessionProxy(p SessionCreatorParams, watchdog *SessionWatchdog) *SessionProxy {
	creator := newSessionCreator(p)
	proxy := &SessionProxy{
		creator:  creator,
		watchdog: watchdog,
		clock:    creator.params.Clock,
	}

	proxy.mu.Lock()
	proxy.startNewSessionLocked()
	proxy.mu.Unlock()
	return proxy
}

func (p *SessionProxy) startNewSessionLocked() {
	s := p.creator.createSession(p)
	s.setConfigListener(p.onServerConfigurationUpdate)
	s.Start()
	p.current = s
	p.topLevelActionCount = 0
	p.lastInteraction = p.clock.Now()
	if p.lastUserTag != "" {
		s.IdentifyUser(p.lastUserTag)
	}
}

// CurrentSession returns the session currently receiving data.
func (p *SessionProxy) CurrentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// IsFinished reports whether End was called.
func (p *SessionProxy) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// EnterAction opens a root action on the current session, splitting it
// first when the event limit was reached.
func (p *SessionProxy) EnterAction(name string) *Action {
	if name == "" {
		logging.LogWarn(logging.ComponentSession, "EnterAction: actionName must not be empty")
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return nil
	}
	s := p.sessionForTopLevelEventLocked()
	return s.EnterAction(name)
}

// IdentifyUser tags the current session and every later split.
func (p *SessionProxy) IdentifyUser(userTag string) {
	if userTag == "" {
		logging.LogWarn(logging.ComponentSession, "IdentifyUser: userTag must not be empty")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	s := p.splitByEventsIfRequiredLocked()
	p.lastInteraction = p.clock.Now()
	s.IdentifyUser(userTag)
	p.lastUserTag = userTag
}

// ReportCrash reports a crash and starts a fresh session, because a
// crash ends the user's activity.
func (p *SessionProxy) ReportCrash(errorName, reason, stacktrace string) {
	if errorName == "" {
		logging.LogWarn(logging.ComponentSession, "ReportCrash: errorName must not be empty")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	s := p.sessionForTopLevelEventLocked()
	s.ReportCrash(errorName, reason, stacktrace)
	p.splitLocked()
}

// ReportEvent reports a named event on the current session.
func (p *SessionProxy) ReportEvent(name string) {
	p.withTopLevelEvent(func(s *Session) { s.ReportEvent(name) })
}

// ReportValueInt reports an integer value on the current session.
func (p *SessionProxy) ReportValueInt(name string, value int64) {
	p.withTopLevelEvent(func(s *Session) { s.ReportValueInt(name, value) })
}

// ReportValueDouble reports a floating point value on the current session.
func (p *SessionProxy) ReportValueDouble(name string, value float64) {
	p.withTopLevelEvent(func(s *Session) { s.ReportValueDouble(name, value) })
}

// ReportValueString reports a string value on the current session.
func (p *SessionProxy) ReportValueString(name, value string) {
	p.withTopLevelEvent(func(s *Session) { s.ReportValueString(name, value) })
}

// ReportError reports an error code on the current session.
func (p *SessionProxy) ReportError(name string, code int) {
	p.withTopLevelEvent(func(s *Session) { s.ReportError(name, code) })
}

// ReportErrorCause reports an error with reason and stack trace.
func (p *SessionProxy) ReportErrorCause(name, reason, stacktrace string) {
	p.withTopLevelEvent(func(s *Session) { s.ReportErrorCause(name, reason, stacktrace) })
}

func (p *SessionProxy) withTopLevelEvent(report func(*Session)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	report(p.sessionForTopLevelEventLocked())
}

// TraceWebRequest traces a request on the current session. Tracing does
// not count towards the event limit.
func (p *SessionProxy) TraceWebRequest(rawURL string) *WebRequestTracer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return nil
	}
	s := p.splitByEventsIfRequiredLocked()
	p.lastInteraction = p.clock.Now()
	return s.TraceWebRequest(rawURL)
}

// End ends the current session and stops splitting.
func (p *SessionProxy) End() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	current := p.current
	p.mu.Unlock()

	current.End()
	if p.watchdog != nil {
		p.watchdog.RemoveFromSplitByTimeout(p)
	}
}

// sessionForTopLevelEventLocked returns the session for a top-level
// action or event and counts it.
func (p *SessionProxy) sessionForTopLevelEventLocked() *Session {
	s := p.splitByEventsIfRequiredLocked()
	p.topLevelActionCount++
	p.lastInteraction = p.clock.Now()
	return s
}

func (p *SessionProxy) splitByEventsIfRequiredLocked() *Session {
	cfg := p.serverConfig
	if cfg != nil && cfg.IsSessionSplitByEventsEnabled() && cfg.MaxEventsPerSession() <= p.topLevelActionCount {
		p.splitLocked()
	}
	return p.current
}

// splitLocked hands the current session to the watchdog and starts the
// next one.
func (p *SessionProxy) splitLocked() {
	old := p.current
	p.startNewSessionLocked()
	p.closeOrEnqueue(old)
}

func (p *SessionProxy) closeOrEnqueue(s *Session) {
	grace := protocol.DefaultSendInterval
	if p.serverConfig != nil {
		grace = p.serverConfig.SendInterval()
	}
	if p.watchdog == nil {
		s.TryEnd()
		return
	}
	p.watchdog.CloseOrEnqueueForClosing(s, grace)
}

// onServerConfigurationUpdate keeps the split thresholds of the first
// configuration and merges later ones into it.
func (p *SessionProxy) onServerConfigurationUpdate(cfg *protocol.ServerConfiguration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	if p.serverConfig != nil {
		p.serverConfig = p.serverConfig.Merge(cfg)
		return
	}
	p.serverConfig = cfg
	if p.watchdog != nil && (cfg.IsSessionSplitBySessionDurationEnabled() || cfg.IsSessionSplitByIdleTimeoutEnabled()) {
		p.watchdog.AddToSplitByTimeout(p)
	}
}

// onChildClosed is called by sessions of this proxy once they ended.
func (p *SessionProxy) onChildClosed(child closable) {
	if s, ok := child.(*Session); ok && p.watchdog != nil {
		p.watchdog.DequeueFromClosing(s)
	}
}

// SplitByTimeout splits the current session when its idle timeout or
// maximum duration has passed. It returns the time of the next possible
// split; ok is false when the proxy no longer needs to be checked.
func (p *SessionProxy) SplitByTimeout() (next time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return time.Time{}, false
	}

	next, ok = p.nextSplitTimeLocked()
	if !ok || p.clock.Now().Before(next) {
		return next, ok
	}
	p.splitLocked()
	return p.nextSplitTimeLocked()
}

func (p *SessionProxy) nextSplitTimeLocked() (time.Time, bool) {
	cfg := p.serverConfig
	if cfg == nil {
		return time.Time{}, false
	}
	byIdle := cfg.IsSessionSplitByIdleTimeoutEnabled()
	byDuration := cfg.IsSessionSplitBySessionDurationEnabled()

	idleEnd := p.lastInteraction.Add(cfg.SessionTimeout())
	durationEnd := p.current.Beacon().SessionStartTime().Add(cfg.MaxSessionDuration())

	switch {
	case byIdle && byDuration:
		if idleEnd.Before(durationEnd) {
			return idleEnd, true
		}
		return durationEnd, true
	case byIdle:
		return idleEnd, true
	case byDuration:
		return durationEnd, true
	default:
		return time.Time{}, false
	}
}
