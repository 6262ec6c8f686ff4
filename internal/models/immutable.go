package models

import (
	"fmt"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
)

// KitConfiguration holds configuration values that are fixed once a Kit
// starts. It is built from a validated Config, so every duration is parsed
// and every level resolved; readers need no synchronization.
type KitConfiguration struct {
	endpoint           string
	insecureSkipVerify bool
	compressBeacons    bool

	application beacon.ApplicationConfiguration
	privacy     *beacon.PrivacyConfiguration

	maxRecordAge        time.Duration
	lowerMemoryBoundary int64
	upperMemoryBoundary int64

	initRetries         int
	initRetryDelay      time.Duration
	statusCheckInterval time.Duration
	shutdownTimeout     time.Duration
	watchdogSleep       time.Duration

	serverAddress string
	metricsURI    string
	logName       string

	otelEnabled      bool
	otelEndpoint     string
	otelInsecure     bool
	otelSamplingRate float64
}

// NewKitConfiguration creates a KitConfiguration from cfg. It validates
// cfg first, which also applies the defaults.
func NewKitConfiguration(cfg *Config) (KitConfiguration, error) {
	if err := cfg.Validate(); err != nil {
		return KitConfiguration{}, err
	}

	dcl, err := beacon.ParseDataCollectionLevel(cfg.Privacy.DataCollectionLevel)
	if err != nil {
		return KitConfiguration{}, err
	}
	crl, err := beacon.ParseCrashReportingLevel(cfg.Privacy.CrashReportingLevel)
	if err != nil {
		return KitConfiguration{}, err
	}

	var parseErr error
	duration := func(name, value string) time.Duration {
		d, err := time.ParseDuration(value)
		if err != nil && parseErr == nil {
			parseErr = fmt.Errorf("invalid %s: %w", name, err)
		}
		return d
	}

	kc := KitConfiguration{
		endpoint:           cfg.Backend.Endpoint,
		insecureSkipVerify: cfg.Backend.InsecureSkipVerify,
		compressBeacons:    cfg.Backend.CompressBeacons,

		application: beacon.ApplicationConfiguration{
			ApplicationID:      cfg.Backend.ApplicationID,
			ApplicationName:    cfg.Backend.ApplicationName,
			ApplicationVersion: cfg.Backend.ApplicationVersion,
			DeviceID:           cfg.DeviceID(),
			OperatingSystem:    cfg.Device.OperatingSystem,
			Manufacturer:       cfg.Device.Manufacturer,
			ModelID:            cfg.Device.ModelID,
		},
		privacy: beacon.NewPrivacyConfiguration(dcl, crl),

		maxRecordAge:        duration("cache maxRecordAge", cfg.Cache.MaxRecordAge),
		lowerMemoryBoundary: cfg.Cache.LowerMemoryBoundary,
		upperMemoryBoundary: cfg.Cache.UpperMemoryBoundary,

		initRetries:         *cfg.Sender.InitRetries,
		initRetryDelay:      duration("sender initRetryDelay", cfg.Sender.InitRetryDelay),
		statusCheckInterval: duration("sender statusCheckInterval", cfg.Sender.StatusCheckInterval),
		shutdownTimeout:     duration("sender shutdownTimeout", cfg.Sender.ShutdownTimeout),
		watchdogSleep:       duration("watchdog defaultSleep", cfg.Watchdog.DefaultSleep),

		serverAddress: cfg.GetServerAddress(),
		metricsURI:    cfg.Server.URI,
		logName:       cfg.Server.LogName,

		otelEnabled:      cfg.OpenTelemetry.Enabled,
		otelEndpoint:     cfg.OpenTelemetry.Endpoint,
		otelInsecure:     cfg.OpenTelemetry.Insecure,
		otelSamplingRate: cfg.OpenTelemetry.SamplingRate,
	}
	if parseErr != nil {
		return KitConfiguration{}, parseErr
	}
	return kc, nil
}

// Endpoint returns the beacon backend URL.
func (c KitConfiguration) Endpoint() string { return c.endpoint }

// InsecureSkipVerify returns whether TLS verification is disabled.
func (c KitConfiguration) InsecureSkipVerify() bool { return c.insecureSkipVerify }

// CompressBeacons returns whether beacon bodies are gzip compressed.
func (c KitConfiguration) CompressBeacons() bool { return c.compressBeacons }

// Application returns the application and device identity.
func (c KitConfiguration) Application() beacon.ApplicationConfiguration { return c.application }

// Privacy returns the privacy configuration for new sessions.
func (c KitConfiguration) Privacy() *beacon.PrivacyConfiguration { return c.privacy }

func (c KitConfiguration) MaxRecordAge() time.Duration { return c.maxRecordAge }

func (c KitConfiguration) LowerMemoryBoundary() int64 { return c.lowerMemoryBoundary }

func (c KitConfiguration) UpperMemoryBoundary() int64 { return c.upperMemoryBoundary }

func (c KitConfiguration) InitRetries() int { return c.initRetries }

func (c KitConfiguration) InitRetryDelay() time.Duration { return c.initRetryDelay }

func (c KitConfiguration) StatusCheckInterval() time.Duration { return c.statusCheckInterval }

// ShutdownTimeout bounds how long Shutdown waits for the background loops.
func (c KitConfiguration) ShutdownTimeout() time.Duration { return c.shutdownTimeout }

func (c KitConfiguration) WatchdogSleep() time.Duration { return c.watchdogSleep }

// ServerAddress returns the HTTP server bind address (host:port).
func (c KitConfiguration) ServerAddress() string { return c.serverAddress }

// MetricsURI returns the metrics endpoint URI path.
func (c KitConfiguration) MetricsURI() string { return c.metricsURI }

// LogName returns the log file name.
func (c KitConfiguration) LogName() string { return c.logName }

// OTelEnabled returns whether OpenTelemetry is enabled.
func (c KitConfiguration) OTelEnabled() bool { return c.otelEnabled }

// OTelEndpoint returns the OTLP endpoint address.
func (c KitConfiguration) OTelEndpoint() string { return c.otelEndpoint }

// OTelInsecure returns whether OTLP uses insecure connection.
func (c KitConfiguration) OTelInsecure() bool { return c.otelInsecure }

// OTelSamplingRate returns the trace sampling rate.
func (c KitConfiguration) OTelSamplingRate() float64 { return c.otelSamplingRate }

// MaskedApplicationID returns a masked application id for safe logging.
func (c KitConfiguration) MaskedApplicationID() string { return mask(c.application.ApplicationID) }
