// Package config loads and validates the station configuration: which
// sensors exist, which serial ports they live on, and how each port is
// framed.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/anemometer/internal/sensor"
	"github.com/banshee-data/anemometer/internal/serialmux"
)

// DefaultConfigPath is where the daemon looks for its configuration when
// no -config flag is given.
const DefaultConfigPath = "config/station.yaml"

// maxFileSize bounds the config file read (1MB).
const maxFileSize = 1 * 1024 * 1024

// Station is the root configuration.
type Station struct {
	// Name labels the station in logs and exports.
	Name string `yaml:"name"`

	// CSVDir is where shutdown exports are written. Empty disables them.
	CSVDir string `yaml:"csv_dir,omitempty"`

	// DatabasePath is the SQLite reading archive. Empty disables archiving.
	DatabasePath string `yaml:"database_path,omitempty"`

	Sensors []Sensor `yaml:"sensors"`
}

// Sensor configures one serial-attached anemometer.
type Sensor struct {
	// ID labels the sensor in events, exports and the archive.
	ID string `yaml:"id"`

	// Port is the serial device path, e.g. /dev/ttyUSB0.
	Port string `yaml:"port"`

	// Options frames the port. Zero values take the 115200 8N1 defaults.
	Options serialmux.PortOptions `yaml:",inline"`

	// InitCommands, when present, are sent during the legacy fallback
	// handshake after the structured probe is rejected.
	InitCommands []string `yaml:"init_commands,omitempty"`
}

// Default returns a single-sensor configuration with the standard framing.
func Default() *Station {
	return &Station{
		Name: "anemometer-station",
		Sensors: []Sensor{
			{ID: "Sensor1", Port: "/dev/ttyUSB0"},
		},
	}
}

// Load reads and validates a station configuration from path.
func Load(path string) (*Station, error) {
	cleanPath := filepath.Clean(path)

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML station configuration.
func Parse(data []byte) (*Station, error) {
	cfg := &Station{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Station) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid configuration: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(cleanPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the sensor list: at least one sensor, at most
// sensor.MaxSensors, unique non-empty ids, a port path per sensor, and
// framing options that normalize cleanly.
func (c *Station) Validate() error {
	if len(c.Sensors) == 0 {
		return fmt.Errorf("no sensors configured")
	}
	if len(c.Sensors) > sensor.MaxSensors {
		return fmt.Errorf("too many sensors: %d (max %d)", len(c.Sensors), sensor.MaxSensors)
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if s.ID == "" {
			return fmt.Errorf("sensor %d: empty id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate sensor id %q", s.ID)
		}
		seen[s.ID] = true

		if s.Port == "" {
			return fmt.Errorf("sensor %q: no serial port", s.ID)
		}
		normalized, err := s.Options.Normalize()
		if err != nil {
			return fmt.Errorf("sensor %q: %w", s.ID, err)
		}
		s.Options = normalized
	}
	return nil
}

// WorkerConfigs converts the configured sensors into worker configurations.
func (c *Station) WorkerConfigs() []sensor.WorkerConfig {
	out := make([]sensor.WorkerConfig, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		out = append(out, sensor.WorkerConfig{
			SensorID:     s.ID,
			Port:         s.Port,
			Options:      s.Options,
			InitCommands: s.InitCommands,
		})
	}
	return out
}
