package beacon

// Wire protocol constants.
const (
	ProtocolVersion   = 3
	AgentVersion      = "1.4.0"
	PlatformTypeOther = 1
	AgentTechnology   = "gokit"

	// MaxNameLength is the number of characters kept from action, event
	// and value names.
	MaxNameLength = 250

	// beaconSizeReserve is subtracted from the server's beacon size so a
	// transmission never exceeds the limit once headers are added.
	beaconSizeReserve = 1024

	tagPrefix         = "MT"
	recordDelimiter   = "&"
	keyValueDelimiter = "="
)

// immutable prefix
const (
	keyProtocolVersion     = "vv"
	keyAgentVersion        = "va"
	keyApplicationID       = "ap"
	keyApplicationName     = "an"
	keyApplicationVersion  = "vn"
	keyPlatformType        = "pt"
	keyAgentTechnology     = "tt"
	keyVisitorID           = "vi"
	keySessionNumber       = "sn"
	keyClientIPAddress     = "ip"
	keyDeviceOS            = "os"
	keyDeviceManufacturer  = "mf"
	keyDeviceModel         = "md"
	keyDataCollectionLevel = "dl"
	keyCrashReportingLevel = "cl"
)

// per transmission
const (
	keyVisitStoreVersion = "vs"
	keySessionSequence   = "ss"
	keyMultiplicity      = "mp"
	keyTransmissionTime  = "tv"
	keySessionStartTime  = "ts"
)

// per record
const (
	keyEventType          = "et"
	keyName               = "na"
	keyThreadID           = "it"
	keyActionID           = "ca"
	keyParentActionID     = "pa"
	keyStartSequenceNo    = "s0"
	keyTimeZero           = "t0"
	keyEndSequenceNo      = "s1"
	keyTimeOne            = "t1"
	keyValue              = "vl"
	keyErrorValue         = "ev"
	keyErrorReason        = "rs"
	keyErrorStacktrace    = "st"
	keyWebRequestSent     = "bw"
	keyWebRequestRecv     = "br"
	keyWebRequestRespCode = "rc"
)
