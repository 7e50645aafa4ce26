package http

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config configures NDJSON export of stall rows to an HTTP collector.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address is the collector endpoint rows are POSTed to.
	Address string `yaml:"address"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression is one of none, gzip, zstd, zlib, snappy. Defaults to zstd.
	Compression string `yaml:"compression"`

	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize bounds the rows waiting for export. Rows beyond it
	// are dropped.
	MaxQueueSize int `yaml:"max_queue_size"`
	Workers      int `yaml:"workers"`

	KeepAlive *bool `yaml:"keep_alive"`
}

// DefaultConfig returns the export defaults.
func DefaultConfig() Config {
	keepAlive := true

	return Config{
		Compression:   CompressionZstd,
		BatchSize:     1024,
		BatchTimeout:  2 * time.Second,
		ExportTimeout: 15 * time.Second,
		MaxQueueSize:  65536,
		Workers:       1,
		KeepAlive:     &keepAlive,
	}
}

// Validate checks an enabled configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return errors.New("http export address is required when enabled")
	}

	if _, err := url.ParseRequestURI(c.Address); err != nil {
		return fmt.Errorf("parsing http export address: %w", err)
	}

	if !ValidCompression(c.Compression) {
		return fmt.Errorf("invalid compression type: %s", c.Compression)
	}

	if c.BatchSize <= 0 || c.MaxQueueSize <= 0 || c.Workers <= 0 {
		return errors.New("batch_size, max_queue_size and workers must be positive")
	}

	if c.BatchSize > c.MaxQueueSize {
		return fmt.Errorf(
			"batch_size (%d) cannot exceed max_queue_size (%d)",
			c.BatchSize, c.MaxQueueSize,
		)
	}

	return nil
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	if c.Compression == "" {
		c.Compression = d.Compression
	}

	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = d.ExportTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}

	if c.Workers <= 0 {
		c.Workers = d.Workers
	}

	if c.KeepAlive == nil {
		c.KeepAlive = d.KeepAlive
	}
}

// IsKeepAlive reports whether connections are reused.
func (c *Config) IsKeepAlive() bool {
	return c.KeepAlive == nil || *c.KeepAlive
}
