package protocol

// AdditionalQueryParameters supplies request parameters that change over
// the lifetime of the SDK.
type AdditionalQueryParameters interface {
	// ConfigurationTimestamp is the timestamp of the last server
	// configuration, sent as "cts" so the backend can skip unchanged
	// configuration in its answer.
	ConfigurationTimestamp() int64
}
