package beaconkit

import (
	"github.com/fjacquet/beaconkit/internal/core"
)

// Session records user activity for one visit. Ending the session closes
// every action and web request tracer still open in it; afterwards all
// calls are ignored.
type Session interface {
	// EnterAction opens a top-level action.
	EnterAction(name string) RootAction
	// IdentifyUser tags the session, and every session it is split
	// into later, with a user identifier.
	IdentifyUser(userTag string)
	// ReportCrash reports an application crash. Activity reported
	// afterwards goes to a fresh session.
	ReportCrash(errorName, reason, stacktrace string)
	ReportEvent(name string)
	ReportValueInt(name string, value int64)
	ReportValueDouble(name string, value float64)
	ReportValueString(name, value string)
	ReportError(name string, code int)
	ReportErrorCause(name, reason, stacktrace string)
	// TraceWebRequest traces an outgoing request not bound to an action.
	TraceWebRequest(url string) WebRequestTracer
	End()
}

// Action is a timed unit of work.
type Action interface {
	ReportEvent(name string)
	ReportValueInt(name string, value int64)
	ReportValueDouble(name string, value float64)
	ReportValueString(name, value string)
	ReportError(name string, code int)
	ReportErrorCause(name, reason, stacktrace string)
	TraceWebRequest(url string) WebRequestTracer
	// LeaveAction closes the action and reports it.
	LeaveAction()
	// CancelAction closes the action and drops everything it recorded.
	CancelAction()
}

// RootAction is a top-level action that may contain child actions.
type RootAction interface {
	Action
	EnterAction(name string) Action
}

// WebRequestTracer times an outgoing HTTP request. Tag returns the value
// to send in the request's correlation header.
type WebRequestTracer interface {
	Tag() string
	SetResponseCode(code int)
	SetBytesSent(n int64)
	SetBytesReceived(n int64)
	Start()
	Stop(responseCode int)
}

type session struct {
	proxy *core.SessionProxy
	kit   *Kit
}

func (s *session) EnterAction(name string) RootAction {
	if a := s.proxy.EnterAction(name); a != nil {
		return &rootAction{action{a}}
	}
	return nullAction{}
}

func (s *session) IdentifyUser(userTag string) { s.proxy.IdentifyUser(userTag) }

func (s *session) ReportCrash(errorName, reason, stacktrace string) {
	s.proxy.ReportCrash(errorName, reason, stacktrace)
}

func (s *session) ReportEvent(name string) { s.proxy.ReportEvent(name) }

func (s *session) ReportValueInt(name string, value int64) { s.proxy.ReportValueInt(name, value) }

func (s *session) ReportValueDouble(name string, value float64) {
	s.proxy.ReportValueDouble(name, value)
}

func (s *session) ReportValueString(name, value string) { s.proxy.ReportValueString(name, value) }

func (s *session) ReportError(name string, code int) { s.proxy.ReportError(name, code) }

func (s *session) ReportErrorCause(name, reason, stacktrace string) {
	s.proxy.ReportErrorCause(name, reason, stacktrace)
}

func (s *session) TraceWebRequest(url string) WebRequestTracer {
	return wrapTracer(s.proxy.TraceWebRequest(url))
}

func (s *session) End() {
	s.proxy.End()
	s.kit.forget(s)
}

type action struct {
	a *core.Action
}

func (a action) ReportEvent(name string) { a.a.ReportEvent(name) }

func (a action) ReportValueInt(name string, value int64) { a.a.ReportValueInt(name, value) }

func (a action) ReportValueDouble(name string, value float64) { a.a.ReportValueDouble(name, value) }

func (a action) ReportValueString(name, value string) { a.a.ReportValueString(name, value) }

func (a action) ReportError(name string, code int) { a.a.ReportError(name, code) }

func (a action) ReportErrorCause(name, reason, stacktrace string) {
	a.a.ReportErrorCause(name, reason, stacktrace)
}

func (a action) TraceWebRequest(url string) WebRequestTracer {
	return wrapTracer(a.a.TraceWebRequest(url))
}

func (a action) LeaveAction() { a.a.LeaveAction() }

func (a action) CancelAction() { a.a.CancelAction() }

type rootAction struct {
	action
}

func (r *rootAction) EnterAction(name string) Action {
	if child := r.a.EnterAction(name); child != nil {
		return action{child}
	}
	return nullAction{}
}

func wrapTracer(t *core.WebRequestTracer) WebRequestTracer {
	if t == nil {
		return nullTracer{}
	}
	return t
}

// Null objects returned once the Kit has shut down or when the input was
// rejected. They accept every call and record nothing.

type nullSession struct{}

func (nullSession) EnterAction(string) RootAction { return nullAction{} }
func (nullSession) IdentifyUser(string) {}
func (nullSession) ReportCrash(string, string, string) {}
func (nullSession) ReportEvent(string) {}
func (nullSession) ReportValueInt(string, int64) {}
func (nullSession) ReportValueDouble(string, float64) {}
func (nullSession) ReportValueString(string, string) {}
func (nullSession) ReportError(string, int) {}
func (nullSession) ReportErrorCause(string, string, string) {}
func (nullSession) TraceWebRequest(string) WebRequestTracer { return nullTracer{} }
func (nullSession) End() {}

type nullAction struct{}

func (nullAction) EnterAction(string) Action { return nullAction{} }
func (nullAction) ReportEvent(string) {}
func (nullAction) ReportValueInt(string, int64) {}
func (nullAction) ReportValueDouble(string, float64) {}
func (nullAction) ReportValueString(string, string) {}
func (nullAction) ReportError(string, int) {}
func (nullAction) ReportErrorCause(string, string, string) {}
func (nullAction) TraceWebRequest(string) WebRequestTracer { return nullTracer{} }
func (nullAction) LeaveAction() {}
func (nullAction) CancelAction() {}

type nullTracer struct{}

func (nullTracer) Tag() string { return "" }
func (nullTracer) SetResponseCode(int) {}
func (nullTracer) SetBytesSent(int64) {}
func (nullTracer) SetBytesReceived(int64) {}
func (nullTracer) Start() {}
func (nullTracer) Stop(int) {}
