// Package config loads the cbsafe configuration file.
//
// A configuration selects how the safety wrapper control block is reached
// (the built-in simulator, /dev/mem on a Linux host or a UART bridge to a
// board) together with the poll budgets of the control core.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/cei-upm/cbsafe/registers"
	"github.com/cei-upm/cbsafe/safety"
)

// Backends.
const (
	BackendSim    = "sim"
	BackendMMIO   = "mmio"
	BackendSerial = "serial"
)

type Serial struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type Config struct {
	Backend string `yaml:"backend"`

	// Physical address of the safety wrapper control block.
	BaseAddress uint32 `yaml:"base_address"`

	// Size of the mapping, for example "4KB". It must cover the control block.
	Window string `yaml:"window"`

	// Memory device used by the mmio backend.
	Device string `yaml:"device"`

	Serial   Serial          `yaml:"serial"`
	Timeouts safety.Timeouts `yaml:"timeouts"`

	// BOOT_ADDRESS written on activation. When BootImage is set and
	// BootAddress is zero, the start address of the image is used.
	BootAddress uint32 `yaml:"boot_address"`
	BootImage   string `yaml:"boot_image"`

	// Checkpoint journal file, empty to disable journaling.
	Journal string `yaml:"journal"`

	LogLevel string `yaml:"log_level"`

	// Number of diagnostics events kept in memory.
	DiagnosticsLimit int `yaml:"diagnostics_limit"`
}

// Default returns the configuration used when no file is given: the
// simulator with the default poll budgets.
func Default() *Config {
	return &Config{
		Backend:          BackendSim,
		BaseAddress:      registers.SafeWrapperBaseAddress,
		Window:           "4KB",
		Device:           "/dev/mem",
		Serial:           Serial{Baud: 115200},
		Timeouts:         safety.DefaultTimeouts(),
		LogLevel:         "info",
		DiagnosticsLimit: 1024,
	}
}

// Load reads a configuration file. Keys missing from the file keep their
// default value, unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a configuration.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendSim:
	case BackendMMIO:
		if c.Device == "" {
			errs = append(errs, errors.New("mmio backend needs a device"))
		}
	case BackendSerial:
		if c.Serial.Port == "" {
			errs = append(errs, errors.New("serial backend needs serial.port"))
		}
		if c.Serial.Baud <= 0 {
			errs = append(errs, fmt.Errorf("invalid baud rate %d", c.Serial.Baud))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.BaseAddress%4 != 0 {
		errs = append(errs, fmt.Errorf("base address %#x is not word aligned", c.BaseAddress))
	}
	if _, err := c.WindowSize(); err != nil {
		errs = append(errs, err)
	}
	if c.Timeouts.SyncPolls < 0 || c.Timeouts.LockRetries < 0 || c.Timeouts.StorePolls < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WindowSize returns the size of the register mapping in bytes.
func (c *Config) WindowSize() (uint32, error) {
	size, err := bytesize.Parse(c.Window)
	if err != nil {
		return 0, fmt.Errorf("window %q: %w", c.Window, err)
	}
	if size < bytesize.ByteSize(registers.BlockSize) || size > bytesize.GB {
		return 0, fmt.Errorf("window %s does not fit the control block", size)
	}
	return uint32(size), nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Marshal encodes the configuration as YAML, for `cbsafe status -config`.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
