package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/device"
	"github.com/KevoDB/nvparam/pkg/param"
	"github.com/KevoDB/nvparam/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1

	DefaultServerAddress = "localhost:50061"
)

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnsupportedFormat = errors.New("unsupported configuration format")
)

// DeviceConfig describes the flash device and how it is backed. An empty
// Image keeps the device in memory.
type DeviceConfig struct {
	Image      string             `json:"image" yaml:"image" toml:"image"`
	DeviceID   int                `json:"device_id" yaml:"device_id" toml:"device_id"`
	Blocks     uint32             `json:"blocks" yaml:"blocks" toml:"blocks"`
	Geometry   device.Geometry    `json:"geometry" yaml:"geometry" toml:"geometry"`
	Partitions []device.Partition `json:"partitions" yaml:"partitions" toml:"partitions"`
}

type StoreConfig struct {
	PartitionID uint32 `json:"partition_id" yaml:"partition_id" toml:"partition_id"`
}

// SchemaConfig extends the compiled-in catalogue. Profile feeds the
// conditions of conditional entries.
type SchemaConfig struct {
	Profile map[string]any `json:"profile,omitempty" yaml:"profile,omitempty" toml:"profile,omitempty"`
	Entries []param.Entry  `json:"entries,omitempty" yaml:"entries,omitempty" toml:"entries,omitempty"`
}

type ServerConfig struct {
	Address                string `json:"address" yaml:"address" toml:"address"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	TLSEnabled             bool   `json:"tls_enabled" yaml:"tls_enabled" toml:"tls_enabled"`
	TLSCertFile            string `json:"tls_cert_file,omitempty" yaml:"tls_cert_file,omitempty" toml:"tls_cert_file,omitempty"`
	TLSKeyFile             string `json:"tls_key_file,omitempty" yaml:"tls_key_file,omitempty" toml:"tls_key_file,omitempty"`
	TLSCAFile              string `json:"tls_ca_file,omitempty" yaml:"tls_ca_file,omitempty" toml:"tls_ca_file,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level" toml:"level"`
}

type Config struct {
	Version int `json:"version" yaml:"version" toml:"version"`

	Device    DeviceConfig     `json:"device" yaml:"device" toml:"device"`
	Store     StoreConfig      `json:"store" yaml:"store" toml:"store"`
	Schema    SchemaConfig     `json:"schema" yaml:"schema" toml:"schema"`
	Server    ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Logging   LoggingConfig    `json:"logging" yaml:"logging" toml:"logging"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" toml:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with a 2 MiB in-memory device whose
// parameter partition starts at block 8
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,

		Device: DeviceConfig{
			Blocks:   16,
			Geometry: device.DefaultGeometry(),
			Partitions: []device.Partition{
				{ID: param.DefaultPartitionID, FirstBlock: 8, Blocks: 4},
			},
		},

		Store: StoreConfig{PartitionID: param.DefaultPartitionID},

		Server: ServerConfig{
			Address:                DefaultServerAddress,
			ShutdownTimeoutSeconds: 10,
		},

		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Device.Blocks == 0 {
		return fmt.Errorf("%w: device must have at least one block", ErrInvalidConfig)
	}

	if err := c.Device.Geometry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	found := false
	for _, p := range c.Device.Partitions {
		if p.ID == c.Store.PartitionID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: store partition %d is not declared on the device", ErrInvalidConfig, c.Store.PartitionID)
	}

	if c.Server.Address == "" {
		return fmt.Errorf("%w: server address not specified", ErrInvalidConfig)
	}

	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("%w: shutdown timeout must not be negative", ErrInvalidConfig)
	}

	if c.Server.TLSEnabled && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return fmt.Errorf("%w: tls requires both cert and key files", ErrInvalidConfig)
	}

	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
	}

	return nil
}

// Load reads a configuration file over the defaults. The format follows the
// extension (.yaml, .yml, .toml or .json). ${VAR} references are replaced with
// the environment variable's value before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := NewDefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(expanded), cfg)
	case ".toml":
		_, err = toml.Decode(expanded, cfg)
	case ".json":
		err = json.Unmarshal([]byte(expanded), cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}

	cfg.Telemetry.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to path in the format named by its extension.
// The file is replaced atomically.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// OpenDevice creates the configured flash device, in memory or over the
// image file.
func (c *Config) OpenDevice() (*device.Flash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Device
	if d.Image == "" {
		return device.NewMemory(d.Geometry, d.Blocks, d.Partitions...)
	}
	return device.OpenFile(d.Image, d.Geometry, d.Blocks, d.Partitions...)
}

// BuildSchema returns the compiled-in schema with the configured entries
// merged over it.
func (c *Config) BuildSchema() (*param.Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	schema := param.DefaultSchema()
	if len(c.Schema.Entries) == 0 {
		return schema, nil
	}
	return schema.Merge(c.Schema.Entries...)
}

// Profile returns a copy of the schema profile
func (c *Config) Profile() param.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	profile := make(param.Profile, len(c.Schema.Profile))
	for k, v := range c.Schema.Profile {
		profile[k] = v
	}
	return profile
}

// LogLevel returns the parsed logging level, falling back to info
func (c *Config) LogLevel() log.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, err := log.ParseLevel(c.Logging.Level)
	if err != nil {
		return log.LevelInfo
	}
	return level
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values. Unset
// variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
