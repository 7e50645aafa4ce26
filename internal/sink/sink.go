// Package sink delivers calculated stall rows to storage and export
// backends.
package sink

import (
	"context"
	"errors"
)

// Config holds configuration for all sinks.
type Config struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Log        LogConfig        `yaml:"log"`
}

// Validate checks every enabled sink.
func (c *Config) Validate() error {
	if err := c.ClickHouse.Validate(); err != nil {
		return err
	}

	if !c.ClickHouse.Enabled && !c.Log.Enabled {
		return errors.New("at least one sink must be enabled")
	}

	return nil
}

// Sink consumes stall rows.
type Sink interface {
	// Name returns the sink's name for logging and metrics.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop flushes pending rows and shuts the sink down.
	Stop() error
	// HandleRows queues rows. It must not block the sampling loop.
	HandleRows(rows []StallRow)
}
