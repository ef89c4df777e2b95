// ABOUTME: Telemetry configuration with defaults, environment overrides and validation

package telemetry

import (
	"fmt"
	"os"
	"strconv"
)

// Config controls whether telemetry is recorded and how it is labelled.
type Config struct {
	// ServiceName becomes the instrumentation scope name
	ServiceName string `json:"service_name" yaml:"service_name" toml:"service_name"`

	// ServiceVersion becomes the instrumentation scope version
	ServiceVersion string `json:"service_version" yaml:"service_version" toml:"service_version"`

	// Enabled controls whether telemetry is active
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// DefaultConfig returns telemetry disabled, labelled as nvparam.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "nvparam",
		ServiceVersion: "development",
		Enabled:        false,
	}
}

// LoadFromEnv overrides fields from NVPARAM_TELEMETRY_* variables.
func (c *Config) LoadFromEnv() {
	if val := os.Getenv("NVPARAM_TELEMETRY_SERVICE_NAME"); val != "" {
		c.ServiceName = val
	}

	if val := os.Getenv("NVPARAM_TELEMETRY_SERVICE_VERSION"); val != "" {
		c.ServiceVersion = val
	}

	if val := os.Getenv("NVPARAM_TELEMETRY_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Enabled = enabled
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version cannot be empty")
	}
	return nil
}
