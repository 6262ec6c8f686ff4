package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
	"github.com/fjacquet/beaconkit/internal/logging"
	"github.com/fjacquet/beaconkit/internal/protocol"
)

// MaxNewSessionRequests is the number of new-session requests the sender
// may issue for one session before giving up on it.
const MaxNewSessionRequests = 4

// Session records the telemetry of one bounded unit of activity. It owns
// its beacon and its open actions and web request tracers. All methods
// are safe for concurrent use; once End has been called every method is
// a no-op.
type Session struct {
	beacon   *beacon.Beacon
	parent   childCloser
	children children

	mu                          sync.Mutex
	finishing                   bool
	finished                    bool
	triedForEnding              bool
	remainingNewSessionRequests int
	graceEndTime                time.Time

	// configListener is told about every server configuration the
	// session receives. The split proxy uses it to learn the thresholds.
	configListener func(*protocol.ServerConfiguration)
}

// NewSession creates a session around b. The session does not report a
// start record; call Start for that.
func NewSession(b *beacon.Beacon) *Session {
	return newSession(b, nil)
}

func newSession(b *beacon.Beacon, parent childCloser) *Session {
	return &Session{
		beacon:                      b,
		parent:                      parent,
		remainingNewSessionRequests: MaxNewSessionRequests,
	}
}

// Beacon returns the session's encoder.
func (s *Session) Beacon() *beacon.Beacon { return s.beacon }

// Start reports the session start record.
func (s *Session) Start() {
	if s.isFinishing() {
		return
	}
	s.beacon.StartSession()
}

func (s *Session) isFinishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishing
}

// EnterAction opens a root action. It returns nil for an empty name or
// when the session has ended.
func (s *Session) EnterAction(name string) *Action {
	if name == "" {
		logging.LogWarn(logging.ComponentSession, "EnterAction: actionName must not be empty")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing {
		return nil
	}
	a := newAction(s.beacon, s, 0, name, true)
	s.children.add(a)
	return a
}

// IdentifyUser tags the session with a user.
func (s *Session) IdentifyUser(userTag string) {
	if userTag == "" {
		logging.LogWarn(logging.ComponentSession, "IdentifyUser: userTag must not be empty")
		return
	}
	if s.isFinishing() {
		return
	}
	s.beacon.IdentifyUser(userTag)
}

// ReportCrash reports an application crash.
func (s *Session) ReportCrash(errorName, reason, stacktrace string) {
	if errorName == "" {
		logging.LogWarn(logging.ComponentSession, "ReportCrash: errorName must not be empty")
		return
	}
	if s.isFinishing() {
		return
	}
	s.beacon.ReportCrash(errorName, reason, stacktrace)
}

// ReportEvent reports a named event on the session.
func (s *Session) ReportEvent(name string) {
	if !s.acceptsReport("ReportEvent", name) {
		return
	}
	s.beacon.ReportEvent(0, name)
}

// ReportValueInt reports an integer value on the session.
func (s *Session) ReportValueInt(name string, value int64) {
	if !s.acceptsReport("ReportValue", name) {
		return
	}
	s.beacon.ReportValueInt(0, name, value)
}

// ReportValueDouble reports a floating point value on the session.
func (s *Session) ReportValueDouble(name string, value float64) {
	if !s.acceptsReport("ReportValue", name) {
		return
	}
	s.beacon.ReportValueDouble(0, name, value)
}

// ReportValueString reports a string value on the session.
func (s *Session) ReportValueString(name, value string) {
	if !s.acceptsReport("ReportValue", name) {
		return
	}
	s.beacon.ReportValueString(0, name, value)
}

// ReportError reports an error code on the session.
func (s *Session) ReportError(name string, code int) {
	if !s.acceptsReport("ReportError", name) {
		return
	}
	s.beacon.ReportError(0, name, code)
}

// ReportErrorCause reports an error with reason and stack trace.
func (s *Session) ReportErrorCause(name, reason, stacktrace string) {
	if !s.acceptsReport("ReportError", name) {
		return
	}
	s.beacon.ReportErrorCause(0, name, reason, stacktrace)
}

func (s *Session) acceptsReport(operation, name string) bool {
	if name == "" {
		logging.LogWarn(logging.ComponentSession, fmt.Sprintf("%s: name must not be empty", operation))
		return false
	}
	return !s.isFinishing()
}

// TraceWebRequest starts tracing a request to rawURL. It returns nil for
// an invalid URL or when the session has ended.
func (s *Session) TraceWebRequest(rawURL string) *WebRequestTracer {
	target, ok := validateURL(rawURL)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing {
		return nil
	}
	t := newWebRequestTracer(s.beacon, s, 0, target)
	s.children.add(t)
	return t
}

// End closes all open children, reports the session end and marks the
// session finished. Only the first call has an effect.
func (s *Session) End() {
	s.mu.Lock()
	if s.finishing {
		s.mu.Unlock()
		return
	}
	s.finishing = true
	s.mu.Unlock()

	s.children.closeAll(false)
	s.beacon.EndSession()

	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()

	if s.parent != nil {
		s.parent.onChildClosed(s)
	}
}

// TryEnd ends the session if it has no open children. Otherwise it
// remembers the attempt, so the session ends as soon as its last child
// closes, and returns false.
func (s *Session) TryEnd() bool {
	if s.isFinishing() {
		return true
	}
	if s.children.count() > 0 {
		s.mu.Lock()
		s.triedForEnding = true
		s.mu.Unlock()
		return false
	}
	s.End()
	return true
}

func (s *Session) closeWithParent(bool) {
	s.End()
}

func (s *Session) onChildClosed(child closable) {
	s.children.remove(child)

	s.mu.Lock()
	endNow := s.triedForEnding && !s.finishing
	s.mu.Unlock()
	if endNow && s.children.count() == 0 {
		s.End()
	}
}

// OpenChildCount returns the number of open actions and tracers.
func (s *Session) OpenChildCount() int {
	return s.children.count()
}

// IsFinished reports whether End has completed.
func (s *Session) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// IsConfigured reports whether a server configuration was applied.
func (s *Session) IsConfigured() bool {
	return s.beacon.IsServerConfigurationSet()
}

// WasTriedForEnding reports whether TryEnd failed earlier.
func (s *Session) WasTriedForEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triedForEnding
}

// GraceEndTime returns the time after which the watchdog forces the
// session to end.
func (s *Session) GraceEndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graceEndTime
}

func (s *Session) setGraceEndTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graceEndTime = t
}

// SendBeacon transmits the session's pending records. It returns nil when
// nothing was pending.
func (s *Session) SendBeacon(ctx context.Context, client beacon.Client, params protocol.AdditionalQueryParameters) *protocol.StatusResponse {
	return s.beacon.Send(ctx, client, params)
}

// ClearCapturedData drops every buffered record of the session.
func (s *Session) ClearCapturedData() {
	s.beacon.ClearData()
}

// IsEmpty reports whether the session has no buffered records.
func (s *Session) IsEmpty() bool {
	return s.beacon.IsEmpty()
}

// ServerConfiguration returns the session's current server configuration.
func (s *Session) ServerConfiguration() *protocol.ServerConfiguration {
	return s.beacon.Configuration().ServerConfiguration()
}

// UpdateServerConfiguration applies a configuration received from the
// backend.
func (s *Session) UpdateServerConfiguration(cfg *protocol.ServerConfiguration) {
	if cfg == nil {
		return
	}
	s.beacon.UpdateServerConfiguration(cfg)

	s.mu.Lock()
	listener := s.configListener
	s.mu.Unlock()
	if listener != nil {
		listener(cfg)
	}
}

func (s *Session) setConfigListener(listener func(*protocol.ServerConfiguration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configListener = listener
}

// EnableCapture allows the session to capture data.
func (s *Session) EnableCapture() { s.beacon.EnableCapture() }

// DisableCapture stops the session from capturing data.
func (s *Session) DisableCapture() { s.beacon.DisableCapture() }

// IsDataSendingAllowed reports whether the session is configured and its
// configuration permits sending.
func (s *Session) IsDataSendingAllowed() bool {
	return s.IsConfigured() && s.beacon.IsDataCapturingEnabled()
}

// CanSendNewSessionRequest reports whether the new-session request budget
// is not exhausted.
func (s *Session) CanSendNewSessionRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingNewSessionRequests > 0
}

// DecreaseNumRemainingSessionRequests consumes one new-session request.
func (s *Session) DecreaseNumRemainingSessionRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remainingNewSessionRequests > 0 {
		s.remainingNewSessionRequests--
	}
}
