package beacon

import (
	"fmt"
	"strings"
)

// DataCollectionLevel controls which record types may be produced.
type DataCollectionLevel int

const (
	// DataCollectionOff captures nothing.
	DataCollectionOff DataCollectionLevel = iota
	// DataCollectionPerformance captures actions, errors and web requests
	// but nothing that identifies the user.
	DataCollectionPerformance
	// DataCollectionUserBehavior captures everything.
	DataCollectionUserBehavior
)

// DefaultDataCollectionLevel is used when no level is configured.
const DefaultDataCollectionLevel = DataCollectionUserBehavior

var dataCollectionLevelNames = map[DataCollectionLevel]string{
	DataCollectionOff:          "off",
	DataCollectionPerformance:  "performance",
	DataCollectionUserBehavior: "user_behavior",
}

func (l DataCollectionLevel) String() string {
	if name, ok := dataCollectionLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("DataCollectionLevel(%d)", int(l))
}

// ParseDataCollectionLevel parses "off", "performance" or "user_behavior".
func ParseDataCollectionLevel(s string) (DataCollectionLevel, error) {
	for level, name := range dataCollectionLevelNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return level, nil
		}
	}
	return DefaultDataCollectionLevel, fmt.Errorf("invalid data collection level %q", s)
}

// CrashReportingLevel controls whether crashes are reported.
type CrashReportingLevel int

const (
	CrashReportingOff CrashReportingLevel = iota
	CrashReportingOptOut
	CrashReportingOptIn
)

// DefaultCrashReportingLevel is used when no level is configured.
const DefaultCrashReportingLevel = CrashReportingOptIn

var crashReportingLevelNames = map[CrashReportingLevel]string{
	CrashReportingOff:    "off",
	CrashReportingOptOut: "opt_out_crashes",
	CrashReportingOptIn:  "opt_in_crashes",
}

func (l CrashReportingLevel) String() string {
	if name, ok := crashReportingLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("CrashReportingLevel(%d)", int(l))
}

// ParseCrashReportingLevel parses "off", "opt_out_crashes" or
// "opt_in_crashes".
func ParseCrashReportingLevel(s string) (CrashReportingLevel, error) {
	for level, name := range crashReportingLevelNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return level, nil
		}
	}
	return DefaultCrashReportingLevel, fmt.Errorf("invalid crash reporting level %q", s)
}

// PrivacyConfiguration combines the local privacy levels and answers which
// capabilities they permit.
type PrivacyConfiguration struct {
	dataCollectionLevel DataCollectionLevel
	crashReportingLevel CrashReportingLevel
}

// NewPrivacyConfiguration creates a privacy configuration.
func NewPrivacyConfiguration(dcl DataCollectionLevel, crl CrashReportingLevel) *PrivacyConfiguration {
	return &PrivacyConfiguration{dataCollectionLevel: dcl, crashReportingLevel: crl}
}

// DefaultPrivacyConfiguration captures everything.
func DefaultPrivacyConfiguration() *PrivacyConfiguration {
	return NewPrivacyConfiguration(DefaultDataCollectionLevel, DefaultCrashReportingLevel)
}

func (p *PrivacyConfiguration) DataCollectionLevel() DataCollectionLevel {
	return p.dataCollectionLevel
}

func (p *PrivacyConfiguration) CrashReportingLevel() CrashReportingLevel {
	return p.crashReportingLevel
}

// IsDeviceIDSendingAllowed reports whether the configured device id may
// leave the process. Otherwise a random id is reported.
func (p *PrivacyConfiguration) IsDeviceIDSendingAllowed() bool {
	return p.dataCollectionLevel == DataCollectionUserBehavior
}

// IsSessionNumberReportingAllowed reports whether the real session number
// may be sent. Otherwise every session reports number 1.
func (p *PrivacyConfiguration) IsSessionNumberReportingAllowed() bool {
	return p.dataCollectionLevel == DataCollectionUserBehavior
}

func (p *PrivacyConfiguration) IsWebRequestTracingAllowed() bool {
	return p.dataCollectionLevel != DataCollectionOff
}

func (p *PrivacyConfiguration) IsSessionReportingAllowed() bool {
	return p.dataCollectionLevel != DataCollectionOff
}

func (p *PrivacyConfiguration) IsActionReportingAllowed() bool {
	return p.dataCollectionLevel != DataCollectionOff
}

func (p *PrivacyConfiguration) IsValueReportingAllowed() bool {
	return p.dataCollectionLevel == DataCollectionUserBehavior
}

func (p *PrivacyConfiguration) IsEventReportingAllowed() bool {
	return p.dataCollectionLevel == DataCollectionUserBehavior
}

func (p *PrivacyConfiguration) IsErrorReportingAllowed() bool {
	return p.dataCollectionLevel != DataCollectionOff
}

func (p *PrivacyConfiguration) IsCrashReportingAllowed() bool {
	return p.crashReportingLevel == CrashReportingOptIn
}

func (p *PrivacyConfiguration) IsUserIdentificationAllowed() bool {
	return p.dataCollectionLevel == DataCollectionUserBehavior
}
