// Package models defines the configuration model of beaconkit: the YAML
// file layout, environment overrides, defaults and validation, and the
// immutable runtime view handed to the SDK components.
package models

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cespare/xxhash/v2"
	"github.com/fjacquet/beaconkit/internal/beacon"
	log "github.com/sirupsen/logrus"
)

// Defaults applied by SetDefaults.
const (
	DefaultApplicationName     = "beaconkit"
	DefaultMaxRecordAge        = "105m"
	DefaultLowerMemoryBoundary = 80 * 1024 * 1024
	DefaultUpperMemoryBoundary = 100 * 1024 * 1024
	DefaultInitRetries         = 5
	DefaultInitRetryDelay      = "1s"
	DefaultStatusCheckInterval = "2h"
	DefaultShutdownTimeout     = "10s"
	DefaultWatchdogSleep       = "5s"
	DefaultServerHost          = "127.0.0.1"
	DefaultServerPort          = "2112"
	DefaultServerURI           = "/metrics"
	DefaultSamplingRate        = 1.0
)

// Config represents the complete beaconkit configuration as read from
// YAML. Every field can be overridden from the environment, see ApplyEnv.
type Config struct {
	Backend struct {
		Endpoint           string `yaml:"endpoint" env:"BEACONKIT_ENDPOINT"`
		ApplicationID      string `yaml:"applicationId" env:"BEACONKIT_APPLICATION_ID"`
		ApplicationName    string `yaml:"applicationName" env:"BEACONKIT_APPLICATION_NAME"`
		ApplicationVersion string `yaml:"applicationVersion" env:"BEACONKIT_APPLICATION_VERSION"`
		InsecureSkipVerify bool   `yaml:"insecureSkipVerify" env:"BEACONKIT_INSECURE_SKIP_VERIFY"`
		CompressBeacons    bool   `yaml:"compressBeacons" env:"BEACONKIT_COMPRESS_BEACONS"`
	} `yaml:"backend"`

	Device struct {
		ID              string `yaml:"id" env:"BEACONKIT_DEVICE_ID"`
		OperatingSystem string `yaml:"operatingSystem" env:"BEACONKIT_OPERATING_SYSTEM"`
		Manufacturer    string `yaml:"manufacturer" env:"BEACONKIT_MANUFACTURER"`
		ModelID         string `yaml:"modelId" env:"BEACONKIT_MODEL_ID"`
	} `yaml:"device"`

	Privacy struct {
		DataCollectionLevel string `yaml:"dataCollectionLevel" env:"BEACONKIT_DATA_COLLECTION_LEVEL"`
		CrashReportingLevel string `yaml:"crashReportingLevel" env:"BEACONKIT_CRASH_REPORTING_LEVEL"`
	} `yaml:"privacy"`

	Cache struct {
		MaxRecordAge        string `yaml:"maxRecordAge" env:"BEACONKIT_CACHE_MAX_RECORD_AGE"`
		LowerMemoryBoundary int64  `yaml:"lowerMemoryBoundary" env:"BEACONKIT_CACHE_LOWER_MEMORY_BOUNDARY"`
		UpperMemoryBoundary int64  `yaml:"upperMemoryBoundary" env:"BEACONKIT_CACHE_UPPER_MEMORY_BOUNDARY"`
	} `yaml:"cache"`

	Sender struct {
		InitRetries         *int   `yaml:"initRetries" env:"BEACONKIT_INIT_RETRIES"`
		InitRetryDelay      string `yaml:"initRetryDelay" env:"BEACONKIT_INIT_RETRY_DELAY"`
		StatusCheckInterval string `yaml:"statusCheckInterval" env:"BEACONKIT_STATUS_CHECK_INTERVAL"`
		ShutdownTimeout     string `yaml:"shutdownTimeout" env:"BEACONKIT_SHUTDOWN_TIMEOUT"`
	} `yaml:"sender"`

	Watchdog struct {
		DefaultSleep string `yaml:"defaultSleep" env:"BEACONKIT_WATCHDOG_SLEEP"`
	} `yaml:"watchdog"`

	Server struct {
		Host    string `yaml:"host" env:"BEACONKIT_SERVER_HOST"`
		Port    string `yaml:"port" env:"BEACONKIT_SERVER_PORT"`
		URI     string `yaml:"uri" env:"BEACONKIT_SERVER_URI"`
		LogName string `yaml:"logName" env:"BEACONKIT_LOG_NAME"`
	} `yaml:"server"`

	OpenTelemetry struct {
		Enabled      bool    `yaml:"enabled" env:"BEACONKIT_OTEL_ENABLED"`
		Endpoint     string  `yaml:"endpoint" env:"BEACONKIT_OTEL_ENDPOINT"`
		Insecure     bool    `yaml:"insecure" env:"BEACONKIT_OTEL_INSECURE"`
		SamplingRate float64 `yaml:"samplingRate" env:"BEACONKIT_OTEL_SAMPLING_RATE"`
	} `yaml:"opentelemetry"`
}

// ApplyEnv overrides configuration fields from BEACONKIT_* environment
// variables. Unset variables leave the YAML value untouched.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// SetDefaults sets default values for optional configuration fields.
// Zero values are replaced; negative memory boundaries are kept since they
// disable space eviction. initRetries is a pointer so an explicit 0 (no
// retries) is told apart from an absent value.
func (c *Config) SetDefaults() {
	if c.Backend.ApplicationName == "" {
		c.Backend.ApplicationName = DefaultApplicationName
	}
	if c.Privacy.DataCollectionLevel == "" {
		c.Privacy.DataCollectionLevel = beacon.DefaultDataCollectionLevel.String()
	}
	if c.Privacy.CrashReportingLevel == "" {
		c.Privacy.CrashReportingLevel = beacon.DefaultCrashReportingLevel.String()
	}
	if c.Cache.MaxRecordAge == "" {
		c.Cache.MaxRecordAge = DefaultMaxRecordAge
	}
	if c.Cache.LowerMemoryBoundary == 0 {
		c.Cache.LowerMemoryBoundary = DefaultLowerMemoryBoundary
	}
	if c.Cache.UpperMemoryBoundary == 0 {
		c.Cache.UpperMemoryBoundary = DefaultUpperMemoryBoundary
	}
	if c.Sender.InitRetries == nil {
		retries := DefaultInitRetries
		c.Sender.InitRetries = &retries
	}
	if c.Sender.InitRetryDelay == "" {
		c.Sender.InitRetryDelay = DefaultInitRetryDelay
	}
	if c.Sender.StatusCheckInterval == "" {
		c.Sender.StatusCheckInterval = DefaultStatusCheckInterval
	}
	if c.Sender.ShutdownTimeout == "" {
		c.Sender.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Watchdog.DefaultSleep == "" {
		c.Watchdog.DefaultSleep = DefaultWatchdogSleep
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port == "" {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.URI == "" {
		c.Server.URI = DefaultServerURI
	}
	if c.OpenTelemetry.SamplingRate == 0 {
		c.OpenTelemetry.SamplingRate = DefaultSamplingRate
	}
}

// Validate checks if the configuration is valid and returns an error
// describing the first failure. It calls SetDefaults first.
func (c *Config) Validate() error {
	c.SetDefaults()

	if c.Backend.Endpoint == "" {
		return errors.New("backend endpoint is required")
	}
	u, err := url.Parse(c.Backend.Endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid backend endpoint: %s", c.Backend.Endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid backend endpoint scheme: %s (must be http or https)", u.Scheme)
	}
	if c.Backend.ApplicationID == "" {
		return errors.New("backend application id is required")
	}

	if _, err := beacon.ParseDataCollectionLevel(c.Privacy.DataCollectionLevel); err != nil {
		return err
	}
	if _, err := beacon.ParseCrashReportingLevel(c.Privacy.CrashReportingLevel); err != nil {
		return err
	}

	durations := []struct {
		name     string
		value    string
		positive bool
	}{
		{"cache maxRecordAge", c.Cache.MaxRecordAge, false},
		{"sender initRetryDelay", c.Sender.InitRetryDelay, true},
		{"sender statusCheckInterval", c.Sender.StatusCheckInterval, true},
		{"sender shutdownTimeout", c.Sender.ShutdownTimeout, true},
		{"watchdog defaultSleep", c.Watchdog.DefaultSleep, true},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if d.positive && parsed <= 0 {
			return fmt.Errorf("invalid %s: %s (must be positive)", d.name, d.value)
		}
	}

	if *c.Sender.InitRetries < 0 {
		return fmt.Errorf("invalid sender initRetries: %d", *c.Sender.InitRetries)
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", c.Server.Port)
	}

	if c.OpenTelemetry.Enabled {
		if c.OpenTelemetry.Endpoint == "" {
			return errors.New("opentelemetry endpoint is required when tracing is enabled")
		}
		if c.OpenTelemetry.SamplingRate < 0 || c.OpenTelemetry.SamplingRate > 1 {
			return fmt.Errorf("invalid opentelemetry samplingRate: %v (must be between 0 and 1)", c.OpenTelemetry.SamplingRate)
		}
	}

	return nil
}

// DeviceID returns the configured device id. Numeric ids are used as is;
// any other string is hashed into a stable non-negative id. An empty id
// yields 0.
func (c *Config) DeviceID() int64 {
	if c.Device.ID == "" {
		return 0
	}
	if id, err := strconv.ParseInt(c.Device.ID, 10, 64); err == nil {
		return id
	}
	hashed := int64(xxhash.Sum64String(c.Device.ID) &^ (1 << 63))
	log.WithField("deviceId", c.Device.ID).Warn("Device id is not numeric, using its hash")
	return hashed
}

// GetServerAddress returns the complete server address for HTTP server binding.
// Format: host:port
//
// Example: "127.0.0.1:2112"
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// BackendHost returns the host part of the backend endpoint.
func (c *Config) BackendHost() string {
	u, err := url.Parse(c.Backend.Endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}

// MaskApplicationID returns a masked application id for safe logging.
//
// Example: "abcd1234efgh5678" -> "abcd****5678"
func (c *Config) MaskApplicationID() string {
	return mask(c.Backend.ApplicationID)
}

func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
