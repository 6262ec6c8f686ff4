package beacon

import (
	"sync/atomic"

	"github.com/fjacquet/beaconkit/internal/protocol"
)

// ApplicationConfiguration identifies the instrumented application and
// the device it runs on. It is shared by all sessions of a Kit.
type ApplicationConfiguration struct {
	ApplicationID      string
	ApplicationName    string
	ApplicationVersion string
	DeviceID           int64
	OperatingSystem    string
	Manufacturer       string
	ModelID            string
}

// Configuration is the per-session view of the application, privacy and
// server configuration. The server configuration is swapped atomically;
// readers always see a complete snapshot.
type Configuration struct {
	app     ApplicationConfiguration
	privacy *PrivacyConfiguration

	server    atomic.Pointer[protocol.ServerConfiguration]
	serverSet atomic.Bool
}

// NewConfiguration creates a session configuration. A nil privacy
// configuration captures everything and a nil server configuration
// starts from the defaults.
func NewConfiguration(app ApplicationConfiguration, privacy *PrivacyConfiguration, server *protocol.ServerConfiguration) *Configuration {
	if privacy == nil {
		privacy = DefaultPrivacyConfiguration()
	}
	if server == nil {
		server = protocol.DefaultServerConfiguration()
	}
	c := &Configuration{app: app, privacy: privacy}
	c.server.Store(server)
	return c
}

func (c *Configuration) Application() ApplicationConfiguration { return c.app }

func (c *Configuration) Privacy() *PrivacyConfiguration { return c.privacy }

// ServerConfiguration returns the current server configuration snapshot.
func (c *Configuration) ServerConfiguration() *protocol.ServerConfiguration {
	return c.server.Load()
}

// IsServerConfigurationSet reports whether a server response was applied
// to this configuration.
func (c *Configuration) IsServerConfigurationSet() bool {
	return c.serverSet.Load()
}

// UpdateServerConfiguration applies a configuration received from the
// backend. The first update replaces the initial configuration, later
// ones are merged into the current one.
func (c *Configuration) UpdateServerConfiguration(cfg *protocol.ServerConfiguration) {
	if cfg == nil {
		return
	}
	for {
		current := c.server.Load()
		next := cfg
		if c.serverSet.Load() {
			next = current.Merge(cfg)
		}
		if c.server.CompareAndSwap(current, next) {
			c.serverSet.Store(true)
			return
		}
	}
}

// EnableCapture switches capturing on without touching the rest of the
// server configuration. Like an update, it marks the server configuration
// as set.
func (c *Configuration) EnableCapture() {
	c.setCapture(true)
}

// DisableCapture switches capturing off.
func (c *Configuration) DisableCapture() {
	c.setCapture(false)
}

func (c *Configuration) setCapture(enabled bool) {
	defer c.serverSet.Store(true)
	for {
		current := c.server.Load()
		if current.IsCaptureEnabled() == enabled {
			return
		}
		if c.server.CompareAndSwap(current, current.WithCapture(enabled)) {
			return
		}
	}
}
