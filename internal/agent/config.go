package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/eustall/internal/calc"
	"github.com/ethpandaops/eustall/internal/export"
	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/sink"
)

// Config is the top-level configuration for the eustall agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// MetaHost labels every row. Defaults to the hostname.
	MetaHost string `yaml:"meta_host"`

	Device   DeviceConfig   `yaml:"device"`
	Sampling SamplingConfig `yaml:"sampling"`
	Calc     CalcConfig     `yaml:"calc"`

	// Sinks configures where rows are delivered.
	Sinks sink.Config `yaml:"sinks"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`
}

// DeviceConfig selects the stall streams to sample.
type DeviceConfig struct {
	// Name labels rows. Defaults to the base name of the first path.
	Name string `yaml:"name"`
	// Paths lists one stall stream per sub-device, in sub-device order.
	Paths []string `yaml:"paths"`
	// Replay reads a capture file instead of live streams.
	Replay string `yaml:"replay"`
}

// SamplingConfig configures the streamer and poll loop.
type SamplingConfig struct {
	// PeriodNs is the requested sampling period. Zero lets the driver
	// choose.
	PeriodNs uint32 `yaml:"period_ns"`
	// NotifyEveryN is the record count that marks a stream ready.
	NotifyEveryN uint32 `yaml:"notify_every_n"`
	// MaxReports bounds the records read per sub-device per poll.
	MaxReports uint32 `yaml:"max_reports"`
	// PollInterval is how often streams are read.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CalcConfig selects the calculated metrics and scopes.
type CalcConfig struct {
	// Metrics names the metrics to calculate. Empty selects the group.
	Metrics []string `yaml:"metrics"`
	// Aggregated adds the scope that unions all sub-devices.
	Aggregated bool `yaml:"aggregated"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Sampling: SamplingConfig{
			NotifyEveryN: 1,
			MaxReports:   8192,
			PollInterval: 100 * time.Millisecond,
		},
		Sinks: sink.Config{
			Log: sink.LogConfig{Enabled: true},
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if len(c.Device.Paths) == 0 && c.Device.Replay == "" {
		return errors.New("one of device.paths or device.replay is required")
	}

	if len(c.Device.Paths) > 0 && c.Device.Replay != "" {
		return errors.New("device.paths and device.replay are mutually exclusive")
	}

	if c.Calc.Aggregated && len(c.Device.Paths) == 1 {
		return errors.New("calc.aggregated needs more than one sub-device")
	}

	if c.Sampling.MaxReports == 0 {
		return errors.New("sampling.max_reports must be positive")
	}

	if c.Sampling.PollInterval <= 0 {
		return errors.New("sampling.poll_interval must be positive")
	}

	if _, err := c.Calc.metrics(); err != nil {
		return err
	}

	if err := c.Sinks.Validate(); err != nil {
		return fmt.Errorf("sinks: %w", err)
	}

	return nil
}

// metrics resolves the configured metric names.
func (c CalcConfig) metrics() ([]report.Metric, error) {
	group := report.StallGroup()

	out := make([]report.Metric, 0, len(c.Metrics))

	for _, name := range c.Metrics {
		m, ok := group.MetricByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown metric %q in calc.metrics", name)
		}

		out = append(out, m)
	}

	return out, nil
}

// Descriptor builds the calculation descriptor for group over subDevices.
// Without explicit metrics the whole group is selected. With Aggregated
// the aggregated scope is requested ahead of every compute scope.
func (c CalcConfig) Descriptor(group report.Group, subDevices int) (*calc.Descriptor, error) {
	metrics, err := c.metrics()
	if err != nil {
		return nil, err
	}

	desc := &calc.Descriptor{Metrics: metrics}
	if len(metrics) == 0 {
		desc.Groups = []report.Group{group}
	}

	if c.Aggregated {
		desc.Scopes = append(desc.Scopes, report.AggregatedScope())
		for i := range subDevices {
			desc.Scopes = append(desc.Scopes, report.ComputeScope(i))
		}
	}

	return desc, nil
}
