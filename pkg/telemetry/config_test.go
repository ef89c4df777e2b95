// ABOUTME: Tests for telemetry configuration defaults, environment overrides and validation

package telemetry

import (
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "nvparam" {
		t.Errorf("Expected default service name 'nvparam', got '%s'", cfg.ServiceName)
	}

	if cfg.Enabled {
		t.Error("Expected telemetry to be disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty service name", func(c *Config) { c.ServiceName = "" }, true},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("NVPARAM_TELEMETRY_SERVICE_NAME", "bootparams")
	t.Setenv("NVPARAM_TELEMETRY_ENABLED", "true")
	t.Setenv("NVPARAM_TELEMETRY_SERVICE_VERSION", "")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.ServiceName != "bootparams" {
		t.Errorf("Expected service name from env, got '%s'", cfg.ServiceName)
	}
	if !cfg.Enabled {
		t.Error("Expected telemetry enabled from env")
	}
	if cfg.ServiceVersion != "development" {
		t.Errorf("Empty env var should keep default version, got '%s'", cfg.ServiceVersion)
	}
}
