package protocol

import "time"

// ServerConfiguration is the capture policy negotiated with the backend.
// Values are immutable; every change produces a new ServerConfiguration
// which callers publish through an atomic pointer swap.
type ServerConfiguration struct {
	captureEnabled           bool
	crashReportingEnabled    bool
	errorReportingEnabled    bool
	serverID                 int
	beaconSizeBytes          int
	multiplicity             int
	sendInterval             time.Duration
	maxSessionDuration       time.Duration
	maxSessionDurationSet    bool
	maxEventsPerSession      int
	maxEventsPerSessionSet   bool
	sessionTimeout           time.Duration
	sessionTimeoutSet        bool
	visitStoreVersion        int
	trafficControlPercentage int
}

// DefaultServerConfiguration returns the configuration used before the
// backend answered, or when its answer could not be parsed: capture on,
// 30 KiB beacons, 120 s send interval.
func DefaultServerConfiguration() *ServerConfiguration {
	return ServerConfigurationFrom(DefaultKeyValueAttributes())
}

// ServerConfigurationFrom builds a ServerConfiguration from response
// attributes. The split thresholds are enabled only when the attribute
// was present in a response and carries a positive value.
func ServerConfigurationFrom(attrs ResponseAttributes) *ServerConfiguration {
	return &ServerConfiguration{
		captureEnabled:           attrs.Capture,
		crashReportingEnabled:    attrs.CaptureCrashes,
		errorReportingEnabled:    attrs.CaptureErrors,
		serverID:                 attrs.ServerID,
		beaconSizeBytes:          attrs.MaxBeaconSizeBytes,
		multiplicity:             attrs.Multiplicity,
		sendInterval:             attrs.SendInterval,
		maxSessionDuration:       attrs.MaxSessionDuration,
		maxSessionDurationSet:    attrs.IsAttributeSet(AttrMaxSessionDuration),
		maxEventsPerSession:      attrs.MaxEventsPerSession,
		maxEventsPerSessionSet:   attrs.IsAttributeSet(AttrMaxEventsPerSession),
		sessionTimeout:           attrs.SessionTimeout,
		sessionTimeoutSet:        attrs.IsAttributeSet(AttrSessionTimeout),
		visitStoreVersion:        attrs.VisitStoreVersion,
		trafficControlPercentage: attrs.TrafficControlPercentage,
	}
}

// Merge returns a new configuration that keeps c's multiplicity, server
// id, split thresholds (with their enabled flags) and visit-store
// version, and takes every other field from other.
func (c *ServerConfiguration) Merge(other *ServerConfiguration) *ServerConfiguration {
	merged := *other
	merged.multiplicity = c.multiplicity
	merged.serverID = c.serverID
	merged.maxSessionDuration = c.maxSessionDuration
	merged.maxSessionDurationSet = c.maxSessionDurationSet
	merged.maxEventsPerSession = c.maxEventsPerSession
	merged.maxEventsPerSessionSet = c.maxEventsPerSessionSet
	merged.sessionTimeout = c.sessionTimeout
	merged.sessionTimeoutSet = c.sessionTimeoutSet
	merged.visitStoreVersion = c.visitStoreVersion
	return &merged
}

// WithCapture returns a copy of c with capturing switched on or off.
func (c *ServerConfiguration) WithCapture(enabled bool) *ServerConfiguration {
	copied := *c
	copied.captureEnabled = enabled
	return &copied
}

// IsCaptureEnabled reports whether the backend allows capturing at all.
func (c *ServerConfiguration) IsCaptureEnabled() bool { return c.captureEnabled }

// IsCrashReportingEnabled reports whether crashes may be captured.
func (c *ServerConfiguration) IsCrashReportingEnabled() bool { return c.crashReportingEnabled }

// IsErrorReportingEnabled reports whether errors may be captured.
func (c *ServerConfiguration) IsErrorReportingEnabled() bool { return c.errorReportingEnabled }

// ServerID is the backend cluster node the SDK talks to.
func (c *ServerConfiguration) ServerID() int { return c.serverID }

// BeaconSizeBytes is the maximum size of one beacon transmission.
func (c *ServerConfiguration) BeaconSizeBytes() int { return c.beaconSizeBytes }

// Multiplicity is the sampling weight assigned by the backend.
func (c *ServerConfiguration) Multiplicity() int { return c.multiplicity }

// SendInterval is the minimum interval between two sends of open sessions.
func (c *ServerConfiguration) SendInterval() time.Duration { return c.sendInterval }

// MaxSessionDuration is the session split threshold by duration.
func (c *ServerConfiguration) MaxSessionDuration() time.Duration { return c.maxSessionDuration }

// IsSessionSplitBySessionDurationEnabled reports whether sessions are
// split after MaxSessionDuration.
func (c *ServerConfiguration) IsSessionSplitBySessionDurationEnabled() bool {
	return c.maxSessionDurationSet && c.maxSessionDuration > 0
}

// MaxEventsPerSession is the session split threshold by top level events.
func (c *ServerConfiguration) MaxEventsPerSession() int { return c.maxEventsPerSession }

// IsSessionSplitByEventsEnabled reports whether sessions are split after
// MaxEventsPerSession top level events.
func (c *ServerConfiguration) IsSessionSplitByEventsEnabled() bool {
	return c.maxEventsPerSessionSet && c.maxEventsPerSession > 0
}

// SessionTimeout is the idle timeout after which a session is split.
func (c *ServerConfiguration) SessionTimeout() time.Duration { return c.sessionTimeout }

// IsSessionSplitByIdleTimeoutEnabled reports whether idle sessions are split.
func (c *ServerConfiguration) IsSessionSplitByIdleTimeoutEnabled() bool {
	return c.sessionTimeoutSet && c.sessionTimeout > 0
}

// VisitStoreVersion selects the session numbering scheme of the backend.
func (c *ServerConfiguration) VisitStoreVersion() int { return c.visitStoreVersion }

// TrafficControlPercentage is the share of sessions that may be captured.
func (c *ServerConfiguration) TrafficControlPercentage() int { return c.trafficControlPercentage }

// IsSendingDataAllowed reports whether data may be sent at all.
func (c *ServerConfiguration) IsSendingDataAllowed() bool {
	return c.captureEnabled && c.multiplicity > 0
}

// IsSendingCrashesAllowed reports whether crash records may be sent.
func (c *ServerConfiguration) IsSendingCrashesAllowed() bool {
	return c.crashReportingEnabled && c.IsSendingDataAllowed()
}

// IsSendingErrorsAllowed reports whether error records may be sent.
func (c *ServerConfiguration) IsSendingErrorsAllowed() bool {
	return c.errorReportingEnabled && c.IsSendingDataAllowed()
}
