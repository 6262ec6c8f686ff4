package models

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// SafeConfig provides thread-safe access to configuration.
// It uses RWMutex to allow concurrent reads while serializing writes.
// Pattern from Prometheus blackbox_exporter.
//
// Usage:
//
//	safeCfg := NewSafeConfig(cfg)
//	current := safeCfg.Get()
//	changed, err := safeCfg.ReloadConfig("/path/to/config.yaml")
type SafeConfig struct {
	mu sync.RWMutex
	C  *Config
}

// NewSafeConfig creates a new SafeConfig with the provided initial config.
// The caller should not modify cfg after passing it in.
func NewSafeConfig(cfg *Config) *SafeConfig {
	return &SafeConfig{
		C: cfg,
	}
}

// Get returns the current configuration (read-locked).
// The returned pointer is safe to use until the next reload.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.C
}

// LoadConfig reads, overrides from the environment and validates the
// configuration at path.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ReloadConfig loads and validates a new configuration from the file.
// Validation happens before the write lock is taken, so an invalid file
// never replaces the running configuration.
//
// backendChanged reports whether the endpoint or application id changed.
// Those only take effect after a restart; privacy changes apply to
// sessions created after the reload.
func (sc *SafeConfig) ReloadConfig(configPath string) (backendChanged bool, err error) {
	newCfg, err := LoadConfig(configPath)
	if err != nil {
		return false, err
	}

	sc.mu.Lock()
	old := sc.C
	sc.C = newCfg
	sc.mu.Unlock()

	backendChanged = old.Backend.Endpoint != newCfg.Backend.Endpoint ||
		old.Backend.ApplicationID != newCfg.Backend.ApplicationID

	log.Info("Configuration reloaded successfully")
	if backendChanged {
		log.Warn("Backend endpoint or application id changed, restart required to apply")
	}

	return backendChanged, nil
}
