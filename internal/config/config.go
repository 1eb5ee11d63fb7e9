// Package config loads the description of the emulated devices the virtq
// tool brings up.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtq/internal/virtio"
	"github.com/tinyrange/virtq/internal/virtio/mmio"
)

const (
	DefaultMMIOBase  = 0x0a00_0000
	DefaultQueueMax  = 256
	DefaultMMIOVer   = 2
	DefaultDrainTime = time.Second
)

// Device kinds.
const (
	KindEcho    = "echo"
	KindEntropy = "entropy"
)

// Config is the top-level configuration file.
type Config struct {
	LogLevel     string        `yaml:"logLevel,omitempty"`
	TraceFile    string        `yaml:"traceFile,omitempty"`
	DrainTimeout time.Duration `yaml:"drainTimeout,omitempty"`
	MMIOBase     uint64        `yaml:"mmioBase,omitempty"`

	Devices []Device `yaml:"devices"`
}

// Device describes one emulated device and how the driver treats it.
type Device struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	MMIOVersion uint32 `yaml:"mmioVersion,omitempty"`

	// Features offered by the device, by name ("event_idx") or bit ("bit3").
	Features []string `yaml:"features,omitempty"`
	// DriverFeatures supported by the driver.
	DriverFeatures []string `yaml:"driverFeatures,omitempty"`

	Queues    int    `yaml:"queues,omitempty"`
	QueueSize uint32 `yaml:"queueSize,omitempty"`
	QueueMax  uint16 `yaml:"queueMax,omitempty"`

	RejectFeatures bool `yaml:"rejectFeatures,omitempty"`
}

func (c *Config) normalize() {
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTime
	}
	if c.MMIOBase == 0 {
		c.MMIOBase = DefaultMMIOBase
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s%d", d.Kind, i)
		}
		if d.MMIOVersion == 0 {
			d.MMIOVersion = DefaultMMIOVer
		}
		if d.Queues == 0 {
			d.Queues = 1
		}
		if d.QueueMax == 0 {
			d.QueueMax = DefaultQueueMax
		}
	}
}

// Base returns the register window address of device i.
func (c *Config) Base(i int) uint64 {
	return c.MMIOBase + uint64(i)*mmio.RegionSize
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Validate checks the configuration, reporting every problem it finds.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Devices) == 0 {
		errs = append(errs, errors.New("no devices configured"))
	}
	names := make(map[string]bool)
	for _, d := range c.Devices {
		if names[d.Name] {
			errs = append(errs, fmt.Errorf("device %q defined twice", d.Name))
		}
		names[d.Name] = true
		if err := d.validate(); err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Device) validate() error {
	var errs []error
	switch d.Kind {
	case KindEcho, KindEntropy:
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q", d.Kind))
	}
	if d.MMIOVersion > 2 {
		errs = append(errs, fmt.Errorf("mmio version %d not supported", d.MMIOVersion))
	}
	if _, err := d.OfferedFeatures(); err != nil {
		errs = append(errs, err)
	}
	if _, err := d.SupportedFeatures(); err != nil {
		errs = append(errs, err)
	}
	if d.QueueSize > uint32(d.QueueMax) {
		errs = append(errs, fmt.Errorf("queue size %d exceeds maximum %d", d.QueueSize, d.QueueMax))
	}
	if d.QueueSize&(d.QueueSize-1) != 0 {
		errs = append(errs, fmt.Errorf("queue size %d is not a power of two", d.QueueSize))
	}
	return errors.Join(errs...)
}

// OfferedFeatures returns the feature set the device offers.
func (d *Device) OfferedFeatures() (uint64, error) { return parseFeatures(d.Features) }

// SupportedFeatures returns the feature set the driver supports.
func (d *Device) SupportedFeatures() (uint64, error) { return parseFeatures(d.DriverFeatures) }

func parseFeatures(names []string) (uint64, error) {
	var features uint64
	for _, name := range names {
		bit, err := virtio.ParseFeature(name)
		if err != nil {
			return 0, err
		}
		features |= virtio.Bit(bit)
	}
	return features, nil
}

// Parse decodes and validates a configuration.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
