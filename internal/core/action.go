package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
	"github.com/fjacquet/beaconkit/internal/logging"
)

// Action is a named, timed unit of work. Root actions belong to a
// session and may contain leaf actions; leaf actions belong to a root
// action. Both may trace web requests.
type Action struct {
	beacon   *beacon.Beacon
	parent   childCloser
	children children
	root     bool

	id        int32
	parentID  int32
	name      string
	startTime time.Time
	startSeq  int32

	mu     sync.Mutex
	closed bool
}

func newAction(b *beacon.Beacon, parent childCloser, parentID int32, name string, root bool) *Action {
	return &Action{
		beacon:    b,
		parent:    parent,
		root:      root,
		id:        b.CreateID(),
		parentID:  parentID,
		name:      name,
		startTime: b.CurrentTimestamp(),
		startSeq:  b.CreateSequenceNumber(),
	}
}

// ID returns the action id used as parent id by nested records.
func (a *Action) ID() int32 { return a.id }

// IsRoot reports whether the action was entered on a session.
func (a *Action) IsRoot() bool { return a.root }

func (a *Action) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// EnterAction opens a leaf action. Only root actions have leaf actions;
// on a leaf it logs a warning and returns nil.
func (a *Action) EnterAction(name string) *Action {
	if !a.root {
		logging.LogWarn(logging.ComponentSession, "EnterAction: leaf actions cannot contain actions")
		return nil
	}
	if name == "" {
		logging.LogWarn(logging.ComponentSession, "EnterAction: actionName must not be empty")
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	child := newAction(a.beacon, a, a.id, name, false)
	a.children.add(child)
	return child
}

// ReportEvent reports a named event inside the action.
func (a *Action) ReportEvent(name string) {
	if !a.acceptsReport("ReportEvent", name) {
		return
	}
	a.beacon.ReportEvent(a.id, name)
}

// ReportValueInt reports an integer value inside the action.
func (a *Action) ReportValueInt(name string, value int64) {
	if !a.acceptsReport("ReportValue", name) {
		return
	}
	a.beacon.ReportValueInt(a.id, name, value)
}

// ReportValueDouble reports a floating point value inside the action.
func (a *Action) ReportValueDouble(name string, value float64) {
	if !a.acceptsReport("ReportValue", name) {
		return
	}
	a.beacon.ReportValueDouble(a.id, name, value)
}

// ReportValueString reports a string value inside the action.
func (a *Action) ReportValueString(name, value string) {
	if !a.acceptsReport("ReportValue", name) {
		return
	}
	a.beacon.ReportValueString(a.id, name, value)
}

// ReportError reports an error code inside the action.
func (a *Action) ReportError(name string, code int) {
	if !a.acceptsReport("ReportError", name) {
		return
	}
	a.beacon.ReportError(a.id, name, code)
}

// ReportErrorCause reports an error with reason and stack trace inside
// the action.
func (a *Action) ReportErrorCause(name, reason, stacktrace string) {
	if !a.acceptsReport("ReportError", name) {
		return
	}
	a.beacon.ReportErrorCause(a.id, name, reason, stacktrace)
}

func (a *Action) acceptsReport(operation, name string) bool {
	if name == "" {
		logging.LogWarn(logging.ComponentSession, fmt.Sprintf("%s: name must not be empty", operation))
		return false
	}
	return !a.isClosed()
}

// TraceWebRequest starts tracing a request made inside the action.
func (a *Action) TraceWebRequest(rawURL string) *WebRequestTracer {
	target, ok := validateURL(rawURL)
	if !ok {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	t := newWebRequestTracer(a.beacon, a, a.id, target)
	a.children.add(t)
	return t
}

// LeaveAction closes the open children, reports the action and detaches
// it from its parent.
func (a *Action) LeaveAction() {
	a.close(false)
}

// CancelAction closes the action without reporting it or its children.
func (a *Action) CancelAction() {
	a.close(true)
}

func (a *Action) close(discard bool) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.children.closeAll(discard)

	if !discard {
		a.beacon.AddAction(beacon.ActionData{
			ID:              a.id,
			ParentID:        a.parentID,
			Name:            a.name,
			StartTime:       a.startTime,
			EndTime:         a.beacon.CurrentTimestamp(),
			StartSequenceNo: a.startSeq,
			EndSequenceNo:   a.beacon.CreateSequenceNumber(),
		})
	}
	a.parent.onChildClosed(a)
}

func (a *Action) closeWithParent(discard bool) {
	a.close(discard)
}

func (a *Action) onChildClosed(child closable) {
	a.children.remove(child)
}
