package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	keyValueTypeToken = "type=m"

	// key/value response keys
	kvKeyType              = "type"
	kvKeyMaxBeaconSizeKB   = "bl"
	kvKeySendIntervalSec   = "si"
	kvKeyCapture           = "cp"
	kvKeyReportCrashes     = "cr"
	kvKeyReportErrors      = "er"
	kvKeyServerID          = "id"
	kvKeyMultiplicity      = "mp"
	kvKeyTrafficControlPct = "tc"
)

// ErrEmptyResponse is returned when the response body carries nothing.
var ErrEmptyResponse = errors.New("empty response body")

// ParseResponse parses a backend response body in either of the two
// supported formats. Key/value bodies start with "type=m"; everything
// else is parsed as JSON.
func ParseResponse(body string) (ResponseAttributes, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ResponseAttributes{}, ErrEmptyResponse
	}
	if strings.HasPrefix(trimmed, keyValueTypeToken) {
		return ParseKeyValueResponse(trimmed)
	}
	return ParseJSONResponse(trimmed)
}

// ParseKeyValueResponse parses the flat "k=v&k=v" response format.
// Beacon size is transmitted in KiB and the send interval in seconds.
func ParseKeyValueResponse(body string) (ResponseAttributes, error) {
	attrs := DefaultKeyValueAttributes()
	if strings.TrimSpace(body) == "" {
		return attrs, ErrEmptyResponse
	}

	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return attrs, fmt.Errorf("invalid key/value pair %q", pair)
		}
		if err := applyKeyValue(&attrs, key, value); err != nil {
			return attrs, err
		}
	}
	return attrs, nil
}

func applyKeyValue(attrs *ResponseAttributes, key, value string) error {
	if key == kvKeyType {
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %q: %w", key, err)
	}

	switch key {
	case kvKeyMaxBeaconSizeKB:
		attrs.MaxBeaconSizeBytes = n * 1024
		attrs.markSet(AttrMaxBeaconSize)
	case kvKeySendIntervalSec:
		attrs.SendInterval = time.Duration(n) * time.Second
		attrs.markSet(AttrSendInterval)
	case kvKeyCapture:
		attrs.Capture = n == 1
		attrs.markSet(AttrCapture)
	case kvKeyReportCrashes:
		attrs.CaptureCrashes = n != 0
		attrs.markSet(AttrCaptureCrashes)
	case kvKeyReportErrors:
		attrs.CaptureErrors = n != 0
		attrs.markSet(AttrCaptureErrors)
	case kvKeyServerID:
		attrs.ServerID = n
		attrs.markSet(AttrServerID)
	case kvKeyMultiplicity:
		attrs.Multiplicity = n
		attrs.markSet(AttrMultiplicity)
	case kvKeyTrafficControlPct:
		attrs.TrafficControlPercentage = n
		attrs.markSet(AttrTrafficControlPercentage)
	}
	// unknown keys are ignored for forward compatibility
	return nil
}

// JSON response paths.
const (
	jsonMaxBeaconSizeKB     = "mobileAgentConfig.maxBeaconSizeKb"
	jsonMaxSessionDurationM = "mobileAgentConfig.maxSessionDurationMins"
	jsonMaxEventsPerSession = "mobileAgentConfig.maxEventsPerSession"
	jsonSessionTimeoutSec   = "mobileAgentConfig.sessionTimeoutSec"
	jsonSendIntervalSec     = "mobileAgentConfig.sendIntervalSec"
	jsonVisitStoreVersion   = "mobileAgentConfig.visitStoreVersion"
	jsonCapture             = "appConfig.capture"
	jsonReportCrashes       = "appConfig.reportCrashes"
	jsonReportErrors        = "appConfig.reportErrors"
	jsonTrafficControlPct   = "appConfig.trafficControlPercentage"
	jsonApplicationID       = "appConfig.applicationId"
	jsonMultiplicity        = "dynamicConfig.multiplicity"
	jsonServerID            = "dynamicConfig.serverId"
	jsonStatus              = "dynamicConfig.status"
	jsonTimestamp           = "timestamp"
)

// ParseJSONResponse parses the nested JSON response format.
func ParseJSONResponse(body string) (ResponseAttributes, error) {
	attrs := DefaultJSONAttributes()
	if !gjson.Valid(body) {
		return attrs, fmt.Errorf("invalid JSON response")
	}
	root := gjson.Parse(body)
	if !root.IsObject() {
		return attrs, fmt.Errorf("JSON response is not an object")
	}

	if v := root.Get(jsonMaxBeaconSizeKB); v.Exists() {
		attrs.MaxBeaconSizeBytes = int(v.Int()) * 1024
		attrs.markSet(AttrMaxBeaconSize)
	}
	if v := root.Get(jsonMaxSessionDurationM); v.Exists() {
		attrs.MaxSessionDuration = time.Duration(v.Int()) * time.Minute
		attrs.markSet(AttrMaxSessionDuration)
	}
	if v := root.Get(jsonMaxEventsPerSession); v.Exists() {
		attrs.MaxEventsPerSession = int(v.Int())
		attrs.markSet(AttrMaxEventsPerSession)
	}
	if v := root.Get(jsonSessionTimeoutSec); v.Exists() {
		attrs.SessionTimeout = time.Duration(v.Int()) * time.Second
		attrs.markSet(AttrSessionTimeout)
	}
	if v := root.Get(jsonSendIntervalSec); v.Exists() {
		attrs.SendInterval = time.Duration(v.Int()) * time.Second
		attrs.markSet(AttrSendInterval)
	}
	if v := root.Get(jsonVisitStoreVersion); v.Exists() {
		attrs.VisitStoreVersion = int(v.Int())
		attrs.markSet(AttrVisitStoreVersion)
	}
	if v := root.Get(jsonCapture); v.Exists() {
		attrs.Capture = v.Int() == 1
		attrs.markSet(AttrCapture)
	}
	if v := root.Get(jsonReportCrashes); v.Exists() {
		attrs.CaptureCrashes = v.Int() != 0
		attrs.markSet(AttrCaptureCrashes)
	}
	if v := root.Get(jsonReportErrors); v.Exists() {
		attrs.CaptureErrors = v.Int() != 0
		attrs.markSet(AttrCaptureErrors)
	}
	if v := root.Get(jsonTrafficControlPct); v.Exists() {
		attrs.TrafficControlPercentage = int(v.Int())
		attrs.markSet(AttrTrafficControlPercentage)
	}
	if v := root.Get(jsonApplicationID); v.Exists() {
		attrs.ApplicationID = v.String()
		attrs.markSet(AttrApplicationID)
	}
	if v := root.Get(jsonMultiplicity); v.Exists() {
		attrs.Multiplicity = int(v.Int())
		attrs.markSet(AttrMultiplicity)
	}
	if v := root.Get(jsonServerID); v.Exists() {
		attrs.ServerID = int(v.Int())
		attrs.markSet(AttrServerID)
	}
	if v := root.Get(jsonStatus); v.Exists() {
		attrs.Status = v.String()
		attrs.markSet(AttrStatus)
	}
	if v := root.Get(jsonTimestamp); v.Exists() {
		attrs.Timestamp = v.Int()
		attrs.markSet(AttrTimestamp)
	}

	return attrs, nil
}
