// Package beacon encodes the telemetry of one session into key/value
// records and ships them, chunk by chunk, to the backend.
package beacon

import (
	"context"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fjacquet/beaconkit/internal/cache"
	"github.com/fjacquet/beaconkit/internal/clock"
	"github.com/fjacquet/beaconkit/internal/protocol"
	log "github.com/sirupsen/logrus"
)

// Client transmits one encoded chunk. Implementations never return nil.
type Client interface {
	SendBeaconRequest(ctx context.Context, clientIP string, data []byte, params protocol.AdditionalQueryParameters) *protocol.StatusResponse
}

// RandomSource provides the random numbers used for anonymized device ids
// and traffic control sampling. *rand.Rand satisfies it.
type RandomSource interface {
	Int64() int64
	IntN(n int) int
}

type defaultRandom struct{}

func (defaultRandom) Int64() int64 { return rand.Int64() }
func (defaultRandom) IntN(n int) int { return rand.IntN(n) }

// ThreadIDProvider returns the id reported in the "it" field. Goroutines
// have no stable identity, so the default reports the process id.
type ThreadIDProvider func() int64

func defaultThreadID() int64 {
	return int64(os.Getpid())
}

// Params carries everything a Beacon needs. SessionID must be unique
// within the Kit; it keys the cache even when privacy settings hide the
// real session number from the backend.
type Params struct {
	Cache           *cache.BeaconCache
	Configuration   *Configuration
	ClientIP        string
	SessionID       int32
	SessionSequence int32
	Clock           clock.Clock
	ThreadID        ThreadIDProvider
	Random          RandomSource
}

// ActionData describes a finished action.
type ActionData struct {
	ID              int32
	ParentID        int32
	Name            string
	StartTime       time.Time
	EndTime         time.Time
	StartSequenceNo int32
	EndSequenceNo   int32
}

// WebRequestData describes a finished web request.
type WebRequestData struct {
	URL             string
	StartTime       time.Time
	EndTime         time.Time
	StartSequenceNo int32
	EndSequenceNo   int32
	BytesSent       int64
	BytesReceived   int64
	// ResponseCode is omitted from the record when not positive.
	ResponseCode int
}

// Beacon collects the encoded records of one session.
type Beacon struct {
	cache  *cache.BeaconCache
	key    cache.Key
	config *Configuration
	clock  clock.Clock

	threadID            ThreadIDProvider
	clientIP            string
	deviceID            int64
	sessionNumber       int32
	sessionSequence     int32
	sessionStart        time.Time
	trafficControlValue int
	encodedAppID        string
	immutablePrefix     string

	nextID             atomic.Int32
	nextSequenceNumber atomic.Int32
}

// New creates the beacon of a session.
func New(p Params) *Beacon {
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	if p.ThreadID == nil {
		p.ThreadID = defaultThreadID
	}
	if p.Random == nil {
		p.Random = defaultRandom{}
	}
	privacy := p.Configuration.Privacy()
	app := p.Configuration.Application()

	b := &Beacon{
		cache:               p.Cache,
		key:                 cache.Key{BeaconID: p.SessionID, SessionSequence: p.SessionSequence},
		config:              p.Configuration,
		clock:               p.Clock,
		threadID:            p.ThreadID,
		clientIP:            p.ClientIP,
		sessionSequence:     p.SessionSequence,
		sessionStart:        p.Clock.Now(),
		trafficControlValue: p.Random.IntN(100),
		encodedAppID:        encodeValue(app.ApplicationID),
	}

	if privacy.IsDeviceIDSendingAllowed() {
		b.deviceID = app.DeviceID
	} else {
		b.deviceID = p.Random.Int64()
	}
	if privacy.IsSessionNumberReportingAllowed() {
		b.sessionNumber = p.SessionID
	} else {
		b.sessionNumber = 1
	}

	b.immutablePrefix = b.buildImmutablePrefix(app, privacy)
	return b
}

func (b *Beacon) buildImmutablePrefix(app ApplicationConfiguration, privacy *PrivacyConfiguration) string {
	var r recordBuilder
	r.addInt(keyProtocolVersion, ProtocolVersion)
	r.addString(keyAgentVersion, AgentVersion)
	r.addString(keyApplicationID, app.ApplicationID)
	r.addStringIfNotEmpty(keyApplicationName, app.ApplicationName)
	r.addStringIfNotEmpty(keyApplicationVersion, app.ApplicationVersion)
	r.addInt(keyPlatformType, PlatformTypeOther)
	r.addString(keyAgentTechnology, AgentTechnology)
	r.addInt(keyVisitorID, b.deviceID)
	r.addInt(keySessionNumber, int64(b.sessionNumber))
	r.addStringIfNotEmpty(keyClientIPAddress, b.clientIP)
	r.addStringIfNotEmpty(keyDeviceOS, app.OperatingSystem)
	r.addStringIfNotEmpty(keyDeviceManufacturer, app.Manufacturer)
	r.addStringIfNotEmpty(keyDeviceModel, app.ModelID)
	r.addInt(keyDataCollectionLevel, int64(privacy.DataCollectionLevel()))
	r.addInt(keyCrashReportingLevel, int64(privacy.CrashReportingLevel()))
	return r.String()
}

// Key returns the cache key of this beacon.
func (b *Beacon) Key() cache.Key { return b.key }

// SessionNumber returns the session number reported to the backend.
func (b *Beacon) SessionNumber() int32 { return b.sessionNumber }

// SessionSequence returns the split sequence of the session.
func (b *Beacon) SessionSequence() int32 { return b.sessionSequence }

// DeviceID returns the device id reported to the backend.
func (b *Beacon) DeviceID() int64 { return b.deviceID }

// SessionStartTime returns the time the beacon was created.
func (b *Beacon) SessionStartTime() time.Time { return b.sessionStart }

// ClientIP returns the client IP address reported with each chunk.
func (b *Beacon) ClientIP() string { return b.clientIP }

// Configuration returns the session configuration.
func (b *Beacon) Configuration() *Configuration { return b.config }

// CreateID returns the next action id of the session, starting at 1.
func (b *Beacon) CreateID() int32 {
	return b.nextID.Add(1)
}

// CreateSequenceNumber returns the next event sequence number, starting
// at 1.
func (b *Beacon) CreateSequenceNumber() int32 {
	return b.nextSequenceNumber.Add(1)
}

// CurrentTimestamp returns the time according to the beacon's clock.
func (b *Beacon) CurrentTimestamp() time.Time {
	return b.clock.Now()
}

// CreateTag builds the value of the web request tag header. It is empty
// when web request tracing is not permitted.
func (b *Beacon) CreateTag(parentActionID, sequenceNo int32) string {
	if !b.config.Privacy().IsWebRequestTracingAllowed() {
		return ""
	}
	server := b.config.ServerConfiguration()

	var sb strings.Builder
	sb.WriteString(tagPrefix)
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(ProtocolVersion))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(server.ServerID()))
	sb.WriteByte('_')
	sb.WriteString(strconv.FormatInt(b.deviceID, 10))
	sb.WriteByte('_')
	sb.WriteString(strconv.FormatInt(int64(b.sessionNumber), 10))
	if server.VisitStoreVersion() > 1 {
		sb.WriteByte('-')
		sb.WriteString(strconv.FormatInt(int64(b.sessionSequence), 10))
	}
	sb.WriteByte('_')
	sb.WriteString(b.encodedAppID)
	sb.WriteByte('_')
	sb.WriteString(strconv.FormatInt(int64(parentActionID), 10))
	sb.WriteByte('_')
	sb.WriteString(strconv.FormatInt(b.threadID(), 10))
	sb.WriteByte('_')
	sb.WriteString(strconv.FormatInt(int64(sequenceNo), 10))
	return sb.String()
}

// IsDataCapturingEnabled reports whether the server allows sending and
// the session was not sampled out by traffic control.
func (b *Beacon) IsDataCapturingEnabled() bool {
	server := b.config.ServerConfiguration()
	return server.IsSendingDataAllowed() && b.trafficControlValue < server.TrafficControlPercentage()
}

// IsServerConfigurationSet reports whether a backend response was applied.
func (b *Beacon) IsServerConfigurationSet() bool {
	return b.config.IsServerConfigurationSet()
}

// UpdateServerConfiguration applies a backend configuration to the session.
func (b *Beacon) UpdateServerConfiguration(cfg *protocol.ServerConfiguration) {
	b.config.UpdateServerConfiguration(cfg)
}

func (b *Beacon) EnableCapture() { b.config.EnableCapture() }
func (b *Beacon) DisableCapture() { b.config.DisableCapture() }

func (b *Beacon) elapsed(t time.Time) int64 {
	return t.Sub(b.sessionStart).Milliseconds()
}

// basicRecord starts a record with type, optional name and thread id.
func (b *Beacon) basicRecord(eventType EventType, name string) *recordBuilder {
	r := &recordBuilder{}
	r.addInt(keyEventType, int64(eventType))
	if name != "" {
		r.addString(keyName, truncate(name))
	}
	r.addInt(keyThreadID, b.threadID())
	return r
}

// eventRecord builds a record for an event happening now.
func (b *Beacon) eventRecord(eventType EventType, name string, parentID int32) (*recordBuilder, time.Time) {
	now := b.clock.Now()
	r := b.basicRecord(eventType, name)
	r.addInt(keyParentActionID, int64(parentID))
	r.addInt(keyStartSequenceNo, int64(b.CreateSequenceNumber()))
	r.addInt(keyTimeZero, b.elapsed(now))
	return r, now
}

func (b *Beacon) addEventData(timestamp time.Time, r *recordBuilder) {
	if !b.IsDataCapturingEnabled() {
		return
	}
	b.cache.AddEventData(b.key, timestamp, r.String())
}

func (b *Beacon) addActionData(timestamp time.Time, r *recordBuilder) {
	if !b.IsDataCapturingEnabled() {
		return
	}
	b.cache.AddActionData(b.key, timestamp, r.String())
}

// StartSession records the session start event.
func (b *Beacon) StartSession() {
	if !b.config.Privacy().IsSessionReportingAllowed() {
		return
	}
	r := b.basicRecord(EventTypeSessionStart, "")
	r.addInt(keyParentActionID, 0)
	r.addInt(keyStartSequenceNo, int64(b.CreateSequenceNumber()))
	r.addInt(keyTimeZero, 0)
	b.addEventData(b.sessionStart, r)
}

// EndSession records the session end event.
func (b *Beacon) EndSession() {
	if !b.config.Privacy().IsSessionReportingAllowed() {
		return
	}
	r, now := b.eventRecord(EventTypeSessionEnd, "", 0)
	b.addEventData(now, r)
}

// AddAction records a finished action.
func (b *Beacon) AddAction(action ActionData) {
	if !b.config.Privacy().IsActionReportingAllowed() {
		return
	}
	r := b.basicRecord(EventTypeAction, action.Name)
	r.addInt(keyActionID, int64(action.ID))
	r.addInt(keyParentActionID, int64(action.ParentID))
	r.addInt(keyStartSequenceNo, int64(action.StartSequenceNo))
	r.addInt(keyTimeZero, b.elapsed(action.StartTime))
	r.addInt(keyEndSequenceNo, int64(action.EndSequenceNo))
	r.addInt(keyTimeOne, action.EndTime.Sub(action.StartTime).Milliseconds())
	b.addActionData(action.StartTime, r)
}

// ReportValueInt records an integer value.
func (b *Beacon) ReportValueInt(parentID int32, name string, value int64) {
	if !b.config.Privacy().IsValueReportingAllowed() {
		return
	}
	r, now := b.eventRecord(EventTypeValueInt, name, parentID)
	r.addInt(keyValue, value)
	b.addEventData(now, r)
}

// ReportValueDouble records a floating point value. Non-finite values are
// dropped.
func (b *Beacon) ReportValueDouble(parentID int32, name string, value float64) {
	if !b.config.Privacy().IsValueReportingAllowed() {
		return
	}
	formatted, ok := formatDouble(value)
	if !ok {
		log.WithField("name", name).Debug("Dropping non-finite value")
		return
	}
	r, now := b.eventRecord(EventTypeValueDouble, name, parentID)
	r.addRaw(keyValue, formatted)
	b.addEventData(now, r)
}

// ReportValueString records a string value.
func (b *Beacon) ReportValueString(parentID int32, name, value string) {
	if !b.config.Privacy().IsValueReportingAllowed() {
		return
	}
	r, now := b.eventRecord(EventTypeValueString, name, parentID)
	r.addStringIfNotEmpty(keyValue, truncate(value))
	b.addEventData(now, r)
}

// ReportEvent records a named event.
func (b *Beacon) ReportEvent(parentID int32, name string) {
	if !b.config.Privacy().IsEventReportingAllowed() {
		return
	}
	r, now := b.eventRecord(EventTypeNamedEvent, name, parentID)
	b.addEventData(now, r)
}

// ReportError records an error with its code.
func (b *Beacon) ReportError(parentID int32, name string, errorCode int) {
	if !b.config.Privacy().IsErrorReportingAllowed() {
		return
	}
	if !b.config.ServerConfiguration().IsSendingErrorsAllowed() {
		return
	}
	r, now := b.eventRecord(EventTypeError, name, parentID)
	r.addInt(keyErrorValue, int64(errorCode))
	b.addEventData(now, r)
}

// ReportErrorCause records an error described by a cause and stack trace.
func (b *Beacon) ReportErrorCause(parentID int32, name, reason, stacktrace string) {
	if !b.config.Privacy().IsErrorReportingAllowed() {
		return
	}
	if !b.config.ServerConfiguration().IsSendingErrorsAllowed() {
		return
	}
	r, now := b.eventRecord(EventTypeError, name, parentID)
	r.addStringIfNotEmpty(keyErrorReason, reason)
	r.addStringIfNotEmpty(keyErrorStacktrace, stacktrace)
	b.addEventData(now, r)
}

// ReportCrash records an application crash.
func (b *Beacon) ReportCrash(errorName, reason, stacktrace string) {
	if !b.config.Privacy().IsCrashReportingAllowed() {
		return
	}
	if !b.config.ServerConfiguration().IsSendingCrashesAllowed() {
		return
	}
	r, now := b.eventRecord(EventTypeCrash, errorName, 0)
	r.addStringIfNotEmpty(keyErrorReason, reason)
	r.addStringIfNotEmpty(keyErrorStacktrace, stacktrace)
	b.addEventData(now, r)
}

// IdentifyUser tags the session with a user tag.
func (b *Beacon) IdentifyUser(userTag string) {
	if !b.config.Privacy().IsUserIdentificationAllowed() {
		return
	}
	r, now := b.eventRecord(EventTypeIdentifyUser, userTag, 0)
	b.addEventData(now, r)
}

// AddWebRequest records a finished web request.
func (b *Beacon) AddWebRequest(parentID int32, req WebRequestData) {
	if !b.config.Privacy().IsWebRequestTracingAllowed() {
		return
	}
	r := b.basicRecord(EventTypeWebRequest, req.URL)
	r.addInt(keyParentActionID, int64(parentID))
	r.addInt(keyStartSequenceNo, int64(req.StartSequenceNo))
	r.addInt(keyTimeZero, b.elapsed(req.StartTime))
	r.addInt(keyEndSequenceNo, int64(req.EndSequenceNo))
	r.addInt(keyTimeOne, req.EndTime.Sub(req.StartTime).Milliseconds())
	if req.BytesSent > 0 {
		r.addInt(keyWebRequestSent, req.BytesSent)
	}
	if req.BytesReceived > 0 {
		r.addInt(keyWebRequestRecv, req.BytesReceived)
	}
	if req.ResponseCode > 0 {
		r.addInt(keyWebRequestRespCode, int64(req.ResponseCode))
	}
	b.addEventData(req.StartTime, r)
}

// mutablePrefix holds the parts of the chunk prefix that may change
// between transmissions.
func (b *Beacon) mutablePrefix() string {
	server := b.config.ServerConfiguration()
	var r recordBuilder
	if server.VisitStoreVersion() > 1 {
		r.addInt(keyVisitStoreVersion, int64(server.VisitStoreVersion()))
		r.addInt(keySessionSequence, int64(b.sessionSequence))
	}
	r.addInt(keySessionStartTime, b.sessionStart.UnixMilli())
	r.addInt(keyTransmissionTime, b.clock.Now().UnixMilli())
	r.addInt(keyMultiplicity, int64(server.Multiplicity()))
	return r.String()
}

// Send transmits all pending records in chunks no larger than the
// server's beacon size minus a reserve. A failed chunk is restored to the
// cache and stops the transmission. It returns the last response, or nil
// when there was nothing to send.
func (b *Beacon) Send(ctx context.Context, client Client, params protocol.AdditionalQueryParameters) *protocol.StatusResponse {
	var response *protocol.StatusResponse
	for {
		if ctx.Err() != nil {
			return response
		}
		server := b.config.ServerConfiguration()
		prefix := b.immutablePrefix + recordDelimiter + b.mutablePrefix()
		chunk := b.cache.GetNextChunk(b.key, prefix, server.BeaconSizeBytes()-beaconSizeReserve, recordDelimiter)
		if chunk == "" {
			return response
		}

		response = client.SendBeaconRequest(ctx, b.clientIP, []byte(chunk), params)
		if response.IsErroneous() {
			b.cache.ResetChunkedData(b.key)
			return response
		}
		b.cache.RemoveChunkedData(b.key)
	}
}

// ClearData drops every record of the session.
func (b *Beacon) ClearData() {
	b.cache.DeleteCacheEntry(b.key)
}

// IsEmpty reports whether the session has no buffered records.
func (b *Beacon) IsEmpty() bool {
	return b.cache.IsEmpty(b.key)
}
