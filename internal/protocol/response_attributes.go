// Package protocol defines the backend protocol of the SDK: the attribute
// set carried by status and new-session responses, the two response body
// formats the backend emits, and the ServerConfiguration derived from
// them.
package protocol

import "time"

// Attribute identifies one field of ResponseAttributes.
type Attribute uint32

// Response attributes. The order is irrelevant; each value is a bit in
// the presence set.
const (
	AttrMaxBeaconSize Attribute = 1 << iota
	AttrMaxSessionDuration
	AttrMaxEventsPerSession
	AttrSessionTimeout
	AttrSendInterval
	AttrVisitStoreVersion
	AttrCapture
	AttrCaptureCrashes
	AttrCaptureErrors
	AttrTrafficControlPercentage
	AttrApplicationID
	AttrMultiplicity
	AttrServerID
	AttrStatus
	AttrTimestamp
)

var allAttributes = []Attribute{
	AttrMaxBeaconSize,
	AttrMaxSessionDuration,
	AttrMaxEventsPerSession,
	AttrSessionTimeout,
	AttrSendInterval,
	AttrVisitStoreVersion,
	AttrCapture,
	AttrCaptureCrashes,
	AttrCaptureErrors,
	AttrTrafficControlPercentage,
	AttrApplicationID,
	AttrMultiplicity,
	AttrServerID,
	AttrStatus,
	AttrTimestamp,
}

// Default values shared by both response formats.
const (
	DefaultMaxBeaconSizeKeyValue    = 30 * 1024
	DefaultMaxBeaconSizeJSON        = 150 * 1024
	DefaultSendInterval             = 120 * time.Second
	DefaultMultiplicity             = 1
	DefaultServerID                 = 1
	DefaultVisitStoreVersion        = 1
	DefaultTrafficControlPercentage = 100
	// Split thresholds are disabled unless the backend sends them.
	ThresholdDisabled = -1
)

// ResponseAttributes is the structured form of a backend response. It
// records which attributes were explicitly present in the response so
// that successive responses can be merged field by field.
type ResponseAttributes struct {
	MaxBeaconSizeBytes       int
	MaxSessionDuration       time.Duration
	MaxEventsPerSession      int
	SessionTimeout           time.Duration
	SendInterval             time.Duration
	VisitStoreVersion        int
	Capture                  bool
	CaptureCrashes           bool
	CaptureErrors            bool
	TrafficControlPercentage int
	ApplicationID            string
	Multiplicity             int
	ServerID                 int
	Status                   string
	Timestamp                int64

	set Attribute
}

func defaultAttributes(maxBeaconSize int) ResponseAttributes {
	return ResponseAttributes{
		MaxBeaconSizeBytes:       maxBeaconSize,
		MaxSessionDuration:       ThresholdDisabled,
		MaxEventsPerSession:      ThresholdDisabled,
		SessionTimeout:           ThresholdDisabled,
		SendInterval:             DefaultSendInterval,
		VisitStoreVersion:        DefaultVisitStoreVersion,
		Capture:                  true,
		CaptureCrashes:           true,
		CaptureErrors:            true,
		TrafficControlPercentage: DefaultTrafficControlPercentage,
		Multiplicity:             DefaultMultiplicity,
		ServerID:                 DefaultServerID,
	}
}

// DefaultKeyValueAttributes returns the defaults applied to responses in
// the flat key/value format. No attribute is marked as set.
func DefaultKeyValueAttributes() ResponseAttributes {
	return defaultAttributes(DefaultMaxBeaconSizeKeyValue)
}

// DefaultJSONAttributes returns the defaults applied to responses in the
// JSON format. No attribute is marked as set.
func DefaultJSONAttributes() ResponseAttributes {
	return defaultAttributes(DefaultMaxBeaconSizeJSON)
}

// IsAttributeSet reports whether attr was explicitly present.
func (r ResponseAttributes) IsAttributeSet(attr Attribute) bool {
	return r.set&attr != 0
}

// markSet flags attr as explicitly present.
func (r *ResponseAttributes) markSet(attr Attribute) {
	r.set |= attr
}

// Merge returns a new attribute set where every attribute flagged as set
// in other takes other's value, and every other attribute keeps the value
// and set flag of r.
func (r ResponseAttributes) Merge(other ResponseAttributes) ResponseAttributes {
	merged := r
	for _, attr := range allAttributes {
		if !other.IsAttributeSet(attr) {
			continue
		}
		merged.copyAttribute(attr, other)
		merged.markSet(attr)
	}
	return merged
}

func (r *ResponseAttributes) copyAttribute(attr Attribute, from ResponseAttributes) {
	switch attr {
	case AttrMaxBeaconSize:
		r.MaxBeaconSizeBytes = from.MaxBeaconSizeBytes
	case AttrMaxSessionDuration:
		r.MaxSessionDuration = from.MaxSessionDuration
	case AttrMaxEventsPerSession:
		r.MaxEventsPerSession = from.MaxEventsPerSession
	case AttrSessionTimeout:
		r.SessionTimeout = from.SessionTimeout
	case AttrSendInterval:
		r.SendInterval = from.SendInterval
	case AttrVisitStoreVersion:
		r.VisitStoreVersion = from.VisitStoreVersion
	case AttrCapture:
		r.Capture = from.Capture
	case AttrCaptureCrashes:
		r.CaptureCrashes = from.CaptureCrashes
	case AttrCaptureErrors:
		r.CaptureErrors = from.CaptureErrors
	case AttrTrafficControlPercentage:
		r.TrafficControlPercentage = from.TrafficControlPercentage
	case AttrApplicationID:
		r.ApplicationID = from.ApplicationID
	case AttrMultiplicity:
		r.Multiplicity = from.Multiplicity
	case AttrServerID:
		r.ServerID = from.ServerID
	case AttrStatus:
		r.Status = from.Status
	case AttrTimestamp:
		r.Timestamp = from.Timestamp
	}
}
