package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyValueResponse(t *testing.T) {
	attrs, err := ParseKeyValueResponse("type=m&cp=0&si=30&id=7&bl=64&er=0&cr=1&mp=3")
	require.NoError(t, err)

	assert.False(t, attrs.Capture)
	assert.Equal(t, 30*time.Second, attrs.SendInterval)
	assert.Equal(t, 7, attrs.ServerID)
	assert.Equal(t, 64*1024, attrs.MaxBeaconSizeBytes)
	assert.False(t, attrs.CaptureErrors)
	assert.True(t, attrs.CaptureCrashes)
	assert.Equal(t, 3, attrs.Multiplicity)

	for _, attr := range []Attribute{AttrCapture, AttrSendInterval, AttrServerID, AttrMaxBeaconSize, AttrCaptureErrors, AttrCaptureCrashes, AttrMultiplicity} {
		assert.True(t, attrs.IsAttributeSet(attr), "attribute %d should be set", attr)
	}
	assert.False(t, attrs.IsAttributeSet(AttrMaxSessionDuration))
	assert.False(t, attrs.IsAttributeSet(AttrTrafficControlPercentage))
}

func TestParseKeyValueResponseInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing equals sign", body: "type=m&cp"},
		{name: "non numeric value", body: "type=m&si=abc"},
		{name: "empty body", body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKeyValueResponse(tt.body)
			assert.Error(t, err)
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	body := `{
		"mobileAgentConfig": {
			"maxBeaconSizeKb": 100,
			"maxSessionDurationMins": 360,
			"maxEventsPerSession": 200,
			"sessionTimeoutSec": 600,
			"sendIntervalSec": 60,
			"visitStoreVersion": 2
		},
		"appConfig": {
			"capture": 1,
			"reportCrashes": 0,
			"reportErrors": 1,
			"trafficControlPercentage": 50,
			"applicationId": "app-uuid"
		},
		"dynamicConfig": {
			"multiplicity": 2,
			"serverId": 9,
			"status": "ok"
		},
		"timestamp": 1700000000000
	}`

	attrs, err := ParseJSONResponse(body)
	require.NoError(t, err)

	assert.Equal(t, 100*1024, attrs.MaxBeaconSizeBytes)
	assert.Equal(t, 6*time.Hour, attrs.MaxSessionDuration)
	assert.Equal(t, 200, attrs.MaxEventsPerSession)
	assert.Equal(t, 10*time.Minute, attrs.SessionTimeout)
	assert.Equal(t, time.Minute, attrs.SendInterval)
	assert.Equal(t, 2, attrs.VisitStoreVersion)
	assert.True(t, attrs.Capture)
	assert.False(t, attrs.CaptureCrashes)
	assert.True(t, attrs.CaptureErrors)
	assert.Equal(t, 50, attrs.TrafficControlPercentage)
	assert.Equal(t, "app-uuid", attrs.ApplicationID)
	assert.Equal(t, 2, attrs.Multiplicity)
	assert.Equal(t, 9, attrs.ServerID)
	assert.Equal(t, "ok", attrs.Status)
	assert.Equal(t, int64(1700000000000), attrs.Timestamp)

	for _, attr := range allAttributes {
		assert.True(t, attrs.IsAttributeSet(attr))
	}
}

func TestParseJSONResponsePartial(t *testing.T) {
	attrs, err := ParseJSONResponse(`{"dynamicConfig":{"multiplicity":0}}`)
	require.NoError(t, err)

	assert.Equal(t, 0, attrs.Multiplicity)
	assert.True(t, attrs.IsAttributeSet(AttrMultiplicity))
	assert.False(t, attrs.IsAttributeSet(AttrCapture))
	assert.True(t, attrs.Capture, "unset attributes keep defaults")
	assert.Equal(t, DefaultMaxBeaconSizeJSON, attrs.MaxBeaconSizeBytes)
}

func TestParseResponseDispatch(t *testing.T) {
	kv, err := ParseResponse("type=m&mp=4")
	require.NoError(t, err)
	assert.Equal(t, 4, kv.Multiplicity)

	js, err := ParseResponse(`  {"dynamicConfig":{"serverId":3}}`)
	require.NoError(t, err)
	assert.Equal(t, 3, js.ServerID)

	_, err = ParseResponse("   ")
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = ParseResponse("<html>oops</html>")
	assert.Error(t, err)
}

func TestResponseAttributesMergeFieldLevel(t *testing.T) {
	self, err := ParseJSONResponse(`{"mobileAgentConfig":{"maxBeaconSizeKb":10,"sendIntervalSec":5},"dynamicConfig":{"serverId":2}}`)
	require.NoError(t, err)
	other, err := ParseJSONResponse(`{"mobileAgentConfig":{"sendIntervalSec":99},"appConfig":{"capture":0}}`)
	require.NoError(t, err)

	merged := self.Merge(other)

	// set in other: other's value, marked set
	assert.Equal(t, 99*time.Second, merged.SendInterval)
	assert.True(t, merged.IsAttributeSet(AttrSendInterval))
	assert.False(t, merged.Capture)
	assert.True(t, merged.IsAttributeSet(AttrCapture))

	// unset in other: self's value and self's flag
	assert.Equal(t, 10*1024, merged.MaxBeaconSizeBytes)
	assert.True(t, merged.IsAttributeSet(AttrMaxBeaconSize))
	assert.Equal(t, 2, merged.ServerID)
	assert.True(t, merged.IsAttributeSet(AttrServerID))
	assert.Equal(t, self.Multiplicity, merged.Multiplicity)
	assert.False(t, merged.IsAttributeSet(AttrMultiplicity))
}

func TestResponseAttributesMergeEveryAttribute(t *testing.T) {
	self := DefaultJSONAttributes()
	other := ResponseAttributes{
		MaxBeaconSizeBytes:       1,
		MaxSessionDuration:       2 * time.Minute,
		MaxEventsPerSession:      3,
		SessionTimeout:           4 * time.Second,
		SendInterval:             5 * time.Second,
		VisitStoreVersion:        6,
		Capture:                  false,
		CaptureCrashes:           false,
		CaptureErrors:            false,
		TrafficControlPercentage: 7,
		ApplicationID:            "eight",
		Multiplicity:             9,
		ServerID:                 10,
		Status:                   "eleven",
		Timestamp:                12,
	}

	// nothing set in other: self unchanged
	assert.Equal(t, self, self.Merge(other))

	for _, attr := range allAttributes {
		other.markSet(attr)
	}
	merged := self.Merge(other)
	expected := other
	assert.Equal(t, expected, merged)
}

func TestServerConfigurationDefaults(t *testing.T) {
	cfg := DefaultServerConfiguration()

	assert.True(t, cfg.IsCaptureEnabled())
	assert.True(t, cfg.IsCrashReportingEnabled())
	assert.True(t, cfg.IsErrorReportingEnabled())
	assert.Equal(t, DefaultServerID, cfg.ServerID())
	assert.Equal(t, DefaultMaxBeaconSizeKeyValue, cfg.BeaconSizeBytes())
	assert.Equal(t, DefaultMultiplicity, cfg.Multiplicity())
	assert.Equal(t, DefaultSendInterval, cfg.SendInterval())
	assert.False(t, cfg.IsSessionSplitBySessionDurationEnabled())
	assert.False(t, cfg.IsSessionSplitByEventsEnabled())
	assert.False(t, cfg.IsSessionSplitByIdleTimeoutEnabled())
	assert.True(t, cfg.IsSendingDataAllowed())
}

func TestServerConfigurationMergeRetainsSelfFields(t *testing.T) {
	selfAttrs := DefaultJSONAttributes()
	selfAttrs.Multiplicity = 3
	selfAttrs.ServerID = 4
	selfAttrs.MaxSessionDuration = 10 * time.Minute
	selfAttrs.markSet(AttrMaxSessionDuration)
	selfAttrs.MaxEventsPerSession = 50
	selfAttrs.markSet(AttrMaxEventsPerSession)
	selfAttrs.SessionTimeout = 30 * time.Second
	selfAttrs.markSet(AttrSessionTimeout)
	selfAttrs.VisitStoreVersion = 2
	self := ServerConfigurationFrom(selfAttrs)

	otherAttrs := ResponseAttributes{
		Capture:                  false,
		CaptureCrashes:           false,
		CaptureErrors:            true,
		ServerID:                 99,
		MaxBeaconSizeBytes:       2048,
		Multiplicity:             0,
		SendInterval:             time.Second,
		MaxSessionDuration:       ThresholdDisabled,
		MaxEventsPerSession:      ThresholdDisabled,
		SessionTimeout:           ThresholdDisabled,
		VisitStoreVersion:        1,
		TrafficControlPercentage: 42,
	}
	other := ServerConfigurationFrom(otherAttrs)

	merged := self.Merge(other)

	// retained from self
	assert.Equal(t, 3, merged.Multiplicity())
	assert.Equal(t, 4, merged.ServerID())
	assert.Equal(t, 10*time.Minute, merged.MaxSessionDuration())
	assert.True(t, merged.IsSessionSplitBySessionDurationEnabled())
	assert.Equal(t, 50, merged.MaxEventsPerSession())
	assert.True(t, merged.IsSessionSplitByEventsEnabled())
	assert.Equal(t, 30*time.Second, merged.SessionTimeout())
	assert.True(t, merged.IsSessionSplitByIdleTimeoutEnabled())
	assert.Equal(t, 2, merged.VisitStoreVersion())

	// adopted from other
	assert.False(t, merged.IsCaptureEnabled())
	assert.False(t, merged.IsCrashReportingEnabled())
	assert.True(t, merged.IsErrorReportingEnabled())
	assert.Equal(t, 2048, merged.BeaconSizeBytes())
	assert.Equal(t, time.Second, merged.SendInterval())
	assert.Equal(t, 42, merged.TrafficControlPercentage())

	// inputs untouched
	assert.Equal(t, 99, other.ServerID())
	assert.True(t, self.IsCaptureEnabled())
}

func TestServerConfigurationWithCapture(t *testing.T) {
	cfg := DefaultServerConfiguration()
	off := cfg.WithCapture(false)

	assert.True(t, cfg.IsCaptureEnabled())
	assert.False(t, off.IsCaptureEnabled())
	assert.False(t, off.IsSendingDataAllowed())
	assert.False(t, off.IsSendingCrashesAllowed())
	assert.False(t, off.IsSendingErrorsAllowed())
}

func TestServerConfigurationMultiplicityZeroDisallowsSending(t *testing.T) {
	attrs := DefaultKeyValueAttributes()
	attrs.Multiplicity = 0
	cfg := ServerConfigurationFrom(attrs)

	assert.True(t, cfg.IsCaptureEnabled())
	assert.False(t, cfg.IsSendingDataAllowed())
}

func TestStatusResponse(t *testing.T) {
	tests := []struct {
		name           string
		code           int
		headers        map[string][]string
		wantErroneous  bool
		wantTooMany    bool
		wantRetryAfter time.Duration
	}{
		{name: "ok", code: 200, wantRetryAfter: DefaultRetryAfter},
		{name: "bad request", code: 400, wantErroneous: true, wantRetryAfter: DefaultRetryAfter},
		{name: "transport error", code: StatusCodeTransportError, wantErroneous: true, wantRetryAfter: DefaultRetryAfter},
		{
			name:           "too many requests",
			code:           429,
			headers:        map[string][]string{"Retry-After": {"6"}},
			wantErroneous:  true,
			wantTooMany:    true,
			wantRetryAfter: 6 * time.Second,
		},
		{
			name:           "too many requests with garbage header",
			code:           429,
			headers:        map[string][]string{"Retry-After": {"soon"}},
			wantErroneous:  true,
			wantTooMany:    true,
			wantRetryAfter: DefaultRetryAfter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewStatusResponse(tt.code, tt.headers, DefaultKeyValueAttributes())
			assert.Equal(t, tt.wantErroneous, resp.IsErroneous())
			assert.Equal(t, !tt.wantErroneous, resp.IsSuccessful())
			assert.Equal(t, tt.wantTooMany, resp.IsTooManyRequests())
			assert.Equal(t, tt.wantRetryAfter, resp.RetryAfter())
		})
	}
}

func TestNilStatusResponse(t *testing.T) {
	var resp *StatusResponse
	assert.True(t, resp.IsErroneous())
	assert.False(t, resp.IsTooManyRequests())
	assert.Equal(t, DefaultRetryAfter, resp.RetryAfter())
}
