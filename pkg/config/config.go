package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/adc"
	"github.com/ArkadiuszKarbowski/esp32-idf-ecg/internal/peripheral"
)

const (
	StackSim    = "sim"
	StackGoBLE  = "goble"
	StackTinyGo = "tinygo"

	ADCSim     = "sim"
	ADCIIO     = "iio"
	ADCMachine = "machine"
)

// ADCConfig selects and calibrates the ADC driver.
type ADCConfig struct {
	Driver      string          `yaml:"driver" default:"sim"`
	IIODevice   string          `yaml:"iio_device" default:"iio:device0"`
	Channel     int             `yaml:"channel" default:"3"`
	Calibration adc.Calibration `yaml:",inline"`

	// FailAfter injects a read failure into the simulated driver.
	FailAfter int64 `yaml:"fail_after"`
}

// Config holds application configuration
type Config struct {
	LogLevel   string `yaml:"log_level" default:"info"`
	DeviceName string `yaml:"device_name" default:"ECG-Device"`

	SamplePeriod    time.Duration `yaml:"sample_period" default:"500ms"`
	PumpPeriod      time.Duration `yaml:"pump_period" default:"400ms"`
	ChannelCapacity int           `yaml:"channel_capacity" default:"20"`
	SamplerCPU      int           `yaml:"sampler_cpu" default:"1"`

	Passkey        uint32 `yaml:"passkey" default:"2137"`
	IOCapability   string `yaml:"io_capability" default:"display_only"`
	ResolveRPA     bool   `yaml:"resolve_rpa" default:"true"`
	MaxConnections int    `yaml:"max_connections" default:"1"`

	Stack       string   `yaml:"stack" default:"sim"`
	BondedPeers []string `yaml:"bonded_peers"`
	BondDir     string   `yaml:"bond_dir" default:"/var/lib/bluetooth"`

	ADC ADCConfig `yaml:"adc"`

	JournalSize uint32 `yaml:"journal_size" default:"32"`

	// Console mirrors logs to a pseudo-terminal and journals the lines typed into it.
	Console bool `yaml:"console"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	defaults.SetDefaults(&cfg.ADC)
	return cfg
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		errs = append(errs, errors.New("device_name must not be empty"))
	}
	if c.SamplePeriod <= 0 {
		errs = append(errs, fmt.Errorf("sample_period must be > 0, got %s", c.SamplePeriod))
	}
	if c.PumpPeriod <= 0 {
		errs = append(errs, fmt.Errorf("pump_period must be > 0, got %s", c.PumpPeriod))
	}
	if c.ChannelCapacity <= 0 {
		errs = append(errs, fmt.Errorf("channel_capacity must be > 0, got %d", c.ChannelCapacity))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections must be > 0, got %d", c.MaxConnections))
	}
	if _, err := c.Security(); err != nil {
		errs = append(errs, err)
	}

	switch c.Stack {
	case StackSim, StackGoBLE, StackTinyGo:
	default:
		errs = append(errs, fmt.Errorf("unknown stack %q (want %s, %s or %s)", c.Stack, StackSim, StackGoBLE, StackTinyGo))
	}
	switch c.ADC.Driver {
	case ADCSim, ADCIIO, ADCMachine:
	default:
		errs = append(errs, fmt.Errorf("unknown adc driver %q (want %s, %s or %s)", c.ADC.Driver, ADCSim, ADCIIO, ADCMachine))
	}
	if c.ADC.Channel < 0 {
		errs = append(errs, fmt.Errorf("adc channel must be >= 0, got %d", c.ADC.Channel))
	}
	if c.JournalSize == 0 {
		errs = append(errs, errors.New("journal_size must be > 0"))
	}

	return errors.Join(errs...)
}

// Security builds the pairing settings.
func (c *Config) Security() (peripheral.Security, error) {
	sec := peripheral.DefaultSecurity()
	sec.Passkey = c.Passkey
	sec.ResolveRPA = c.ResolveRPA

	ioCap, err := peripheral.ParseIOCapability(c.IOCapability)
	if err != nil {
		return sec, fmt.Errorf("io_capability: %w", err)
	}
	sec.IOCap = ioCap

	if err := sec.Validate(); err != nil {
		return sec, err
	}
	return sec, nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
