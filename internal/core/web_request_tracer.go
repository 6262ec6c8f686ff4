package core

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
	"github.com/fjacquet/beaconkit/internal/logging"
)

// WebRequestTracer times an outgoing request. Its Tag is sent along with
// the request so the backend can correlate both sides.
type WebRequestTracer struct {
	beacon   *beacon.Beacon
	parent   childCloser
	parentID int32
	url      string
	tag      string

	mu            sync.Mutex
	startTime     time.Time
	startSeq      int32
	responseCode  int
	bytesSent     int64
	bytesReceived int64
	stopped       bool
}

func newWebRequestTracer(b *beacon.Beacon, parent childCloser, parentID int32, target string) *WebRequestTracer {
	startSeq := b.CreateSequenceNumber()
	return &WebRequestTracer{
		beacon:    b,
		parent:    parent,
		parentID:  parentID,
		url:       target,
		tag:       b.CreateTag(parentID, startSeq),
		startTime: b.CurrentTimestamp(),
		startSeq:  startSeq,
	}
}

// validateURL accepts absolute URLs and strips their query and fragment.
func validateURL(rawURL string) (string, bool) {
	if rawURL == "" {
		logging.LogWarn(logging.ComponentSession, "TraceWebRequest: url must not be empty")
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		logging.LogWarn(logging.ComponentSession, fmt.Sprintf("TraceWebRequest: url %q is not a valid absolute URL", rawURL))
		return "", false
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), true
}

// Tag returns the correlation tag, or "" when web request tracing is not
// allowed by the privacy settings.
func (t *WebRequestTracer) Tag() string { return t.tag }

// URL returns the traced URL without query and fragment.
func (t *WebRequestTracer) URL() string { return t.url }

// SetResponseCode records the response status code.
func (t *WebRequestTracer) SetResponseCode(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.responseCode = code
	}
}

// SetBytesSent records the request body size.
func (t *WebRequestTracer) SetBytesSent(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.bytesSent = n
	}
}

// SetBytesReceived records the response body size.
func (t *WebRequestTracer) SetBytesReceived(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.bytesReceived = n
	}
}

// Start resets the start time to now.
func (t *WebRequestTracer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.startTime = t.beacon.CurrentTimestamp()
	}
}

// Stop records the response code and reports the request. Only the first
// call has an effect.
func (t *WebRequestTracer) Stop(responseCode int) {
	t.SetResponseCode(responseCode)
	t.stop(false)
}

// IsStopped reports whether the tracer was stopped.
func (t *WebRequestTracer) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *WebRequestTracer) stop(discard bool) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	data := beacon.WebRequestData{
		URL:             t.url,
		StartTime:       t.startTime,
		StartSequenceNo: t.startSeq,
		BytesSent:       t.bytesSent,
		BytesReceived:   t.bytesReceived,
		ResponseCode:    t.responseCode,
	}
	t.mu.Unlock()

	if !discard {
		data.EndTime = t.beacon.CurrentTimestamp()
		data.EndSequenceNo = t.beacon.CreateSequenceNumber()
		t.beacon.AddWebRequest(t.parentID, data)
	}
	t.parent.onChildClosed(t)
}

func (t *WebRequestTracer) closeWithParent(discard bool) {
	t.stop(discard)
}
