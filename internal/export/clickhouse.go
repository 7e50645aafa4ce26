package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Endpoint is the native protocol address, host:port.
	Endpoint string `yaml:"endpoint"`
	Database string `yaml:"database"`
	// Table receives stall rows. Defaults to eu_stall_rows.
	Table    string `yaml:"table"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// BatchSize is the number of rows per batch insert. Defaults to 10000.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval is the maximum time between flushes. Defaults to 1s.
	FlushInterval time.Duration `yaml:"flush_interval"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}

	if c.Table == "" {
		c.Table = "eu_stall_rows"
	}

	if c.BatchSize <= 0 {
		c.BatchSize = 10000
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Validate checks the configuration.
func (c *ClickHouseConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("clickhouse endpoint is required")
	}

	if c.Table == "" || c.Database == "" {
		return errors.New("clickhouse database and table are required")
	}

	return nil
}

// QualifiedTable returns database.table.
func (c ClickHouseConfig) QualifiedTable() string {
	return c.Database + "." + c.Table
}

// MigrationDSN returns a clickhouse:// URL for schema migrations.
func (c ClickHouseConfig) MigrationDSN() string {
	u := url.URL{
		Scheme: "clickhouse",
		Host:   c.Endpoint,
	}

	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("x-multi-statement", "true")

	if c.Username != "" {
		q.Set("username", c.Username)
		q.Set("password", c.Password)
	}

	u.RawQuery = q.Encode()

	return u.String()
}

// ClickHouseWriter owns the ClickHouse connection shared by sinks.
type ClickHouseWriter struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn clickhouse.Conn
}

// NewClickHouseWriter creates a writer. Start connects.
func NewClickHouseWriter(log logrus.FieldLogger, cfg ClickHouseConfig) *ClickHouseWriter {
	cfg.ApplyDefaults()

	return &ClickHouseWriter{
		log: log.WithField("component", "clickhouse"),
		cfg: cfg,
	}
}

// Start opens and pings the connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:  w.cfg.DialTimeout,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()

		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	w.log.WithFields(logrus.Fields{
		"endpoint": w.cfg.Endpoint,
		"table":    w.cfg.QualifiedTable(),
	}).Info("ClickHouse writer connected")

	return nil
}

// Conn returns the connection, nil before Start.
func (w *ClickHouseWriter) Conn() clickhouse.Conn {
	return w.conn
}

// Config returns the defaulted configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Stop closes the connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn == nil {
		return nil
	}

	err := w.conn.Close()
	w.conn = nil

	return err
}
