// Package env assembles the tower configuration from defaults, a YAML
// file, environment variables and command line flags, in that order of
// precedence.
package env

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robotalks/suntower/pkg/motion"
	"github.com/robotalks/suntower/pkg/msgs"
	"github.com/robotalks/suntower/pkg/network"
	"github.com/robotalks/suntower/pkg/ota"
	"github.com/robotalks/suntower/pkg/sensors"
	"github.com/robotalks/suntower/pkg/sensors/modbus"
)

// Hardware backends.
const (
	HardwareSim    = "sim"
	HardwareModbus = "modbus"
)

// Environment variables.
const (
	EnvMQTTURL  = "TOWER_MQTT_URL"
	EnvDeviceID = "TOWER_ID"
	EnvConfig   = "TOWER_CONFIG"
)

// SchedulerConfig tunes the task coordinator.
type SchedulerConfig struct {
	Budget      time.Duration `yaml:"budget"`
	MaxOverruns int           `yaml:"max-overruns"`
	// UpdateAgeAfter boosts a starved update task.
	UpdateAgeAfter time.Duration `yaml:"update-age-after"`
}

// StorageConfig lays out the flash.
type StorageConfig struct {
	// DataDir keeps partitions and boot sectors as files, empty keeps
	// them in memory.
	DataDir    string `yaml:"data-dir"`
	SlotSize   int64  `yaml:"slot-size"`
	SectorSize int    `yaml:"sector-size"`
}

// Config is the complete tower configuration.
type Config struct {
	DeviceID    string `yaml:"device-id"`
	Description string `yaml:"description"`
	// MQTTBrokerURL specifies the MQTT broker to use.
	// e.g. mqtt://host:port/topic-prefix
	MQTTBrokerURL string `yaml:"mqtt-url"`
	Hardware      string `yaml:"hardware"`
	// TickRate is the simulated hardware tick rate in Hz.
	TickRate uint64 `yaml:"tick-rate"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Motion    motion.Config   `yaml:"motion"`
	Sensors   sensors.Config  `yaml:"sensors"`
	Modbus    modbus.Config   `yaml:"modbus"`
	Network   network.Config  `yaml:"network"`
	Update    ota.Config      `yaml:"update"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		MQTTBrokerURL: "mqtt://localhost:1883/suntower/",
		Hardware:      HardwareSim,
		TickRate:      1000000,
		Scheduler: SchedulerConfig{
			Budget:         2 * time.Millisecond,
			MaxOverruns:    3,
			UpdateAgeAfter: 500 * time.Millisecond,
		},
		Storage: StorageConfig{
			SlotSize:   1 << 20,
			SectorSize: 256,
		},
		Motion:  motion.DefaultConfig(),
		Sensors: sensors.DefaultConfig(),
		Modbus: modbus.Config{
			Endpoint: "rtu:///dev/ttyUSB0",
			UnitID:   1,
			BaudRate: 9600,
			Timeout:  200 * time.Millisecond,
		},
		Network: network.DefaultConfig(),
		Update:  ota.DefaultConfig(),
	}
}

var (
	defaultConfig = Defaults()
	configFile    string
)

func init() {
	applyEnv(&defaultConfig)
	configFile = os.Getenv(EnvConfig)
}

func applyEnv(c *Config) {
	if val := os.Getenv(EnvMQTTURL); val != "" {
		c.MQTTBrokerURL = val
	}
	if val := os.Getenv(EnvDeviceID); val != "" {
		c.DeviceID = val
	}
}

// SetupFlags sets command line flags.
func SetupFlags() {
	setupFlags(flag.CommandLine, &defaultConfig, &configFile)
}

func setupFlags(fs *flag.FlagSet, c *Config, file *string) {
	fs.StringVar(file, "config", *file, "Configuration file (YAML)")
	fs.StringVar(&c.DeviceID, "id", c.DeviceID, "Device ID, defaults to the machine id")
	fs.StringVar(&c.MQTTBrokerURL, "mqtt", c.MQTTBrokerURL, "MQTT broker URL")
	fs.StringVar(&c.Hardware, "hardware", c.Hardware, "Hardware backend: sim or modbus")
	fs.StringVar(&c.Storage.DataDir, "data-dir", c.Storage.DataDir, "Directory keeping flash images, empty for memory")
	fs.StringVar(&c.Network.Encoding, "encoding", c.Network.Encoding, "Telemetry encoding: json, cbor or proto")
	fs.StringVar(&c.Modbus.Endpoint, "modbus", c.Modbus.Endpoint, "Modbus endpoint of the climate transmitter")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// Load builds the effective configuration after flag.Parse.
func Load() (*Config, error) {
	return load(flag.CommandLine, configFile, &defaultConfig)
}

// load layers the file, the environment and then the flags explicitly
// set on fs, whose values are held in flagged.
func load(fs *flag.FlagSet, file string, flagged *Config) (*Config, error) {
	c := Defaults()
	if file != "" {
		if err := c.LoadFile(file); err != nil {
			return nil, err
		}
	}
	applyEnv(&c)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			c.DeviceID = flagged.DeviceID
		case "mqtt":
			c.MQTTBrokerURL = flagged.MQTTBrokerURL
		case "hardware":
			c.Hardware = flagged.Hardware
		case "data-dir":
			c.Storage.DataDir = flagged.Storage.DataDir
		case "encoding":
			c.Network.Encoding = flagged.Network.Encoding
		case "modbus":
			c.Modbus.Endpoint = flagged.Modbus.Endpoint
		}
	})
	if c.DeviceID == "" {
		c.DeviceID = MachineID()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile merges a YAML file into c. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// Validate checks the values cross packages would reject late.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device id must be specified")
	}
	switch c.Hardware {
	case HardwareSim, HardwareModbus:
	default:
		return fmt.Errorf("unknown hardware %q", c.Hardware)
	}
	if _, err := url.Parse(c.MQTTBrokerURL); err != nil {
		return fmt.Errorf("invalid MQTT broker URL: %w", err)
	}
	if _, err := msgs.EncodingByName(c.Network.Encoding); err != nil {
		return err
	}
	if _, err := ota.ParseVersion(c.Update.FactoryVersion); err != nil {
		return fmt.Errorf("factory version: %w", err)
	}
	if c.Storage.SlotSize <= 0 || c.Storage.SectorSize <= 0 {
		return fmt.Errorf("invalid storage layout %+v", c.Storage)
	}
	if c.TickRate == 0 {
		return errors.New("tick rate must be positive")
	}
	return nil
}

// Dump renders c as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
