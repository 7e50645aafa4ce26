package sink

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LogConfig configures the log sink.
type LogConfig struct {
	Enabled bool `yaml:"enabled"`
	// MinSamples skips rows whose Active count is below it.
	MinSamples uint64 `yaml:"min_samples"`
}

// LogSink writes every row to the logger at debug level.
type LogSink struct {
	log     logrus.FieldLogger
	cfg     LogConfig
	rows    atomic.Uint64
	skipped atomic.Uint64
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a log sink.
func NewLogSink(log logrus.FieldLogger, cfg LogConfig) *LogSink {
	return &LogSink{
		log: log.WithField("sink", "log"),
		cfg: cfg,
	}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(context.Context) error {
	return nil
}

func (s *LogSink) Stop() error {
	s.log.WithFields(logrus.Fields{
		"rows":    s.rows.Load(),
		"skipped": s.skipped.Load(),
	}).Info("Log sink stopped")

	return nil
}

func (s *LogSink) HandleRows(rows []StallRow) {
	for i := range rows {
		r := &rows[i]

		if r.Active < s.cfg.MinSamples {
			s.skipped.Add(1)

			continue
		}

		s.rows.Add(1)

		s.log.WithFields(logrus.Fields{
			"device":  r.Device,
			"scope":   r.Scope,
			"ip":      r.IP,
			"active":  r.Active,
			"stalled": r.Stalled(),
			"dropped": r.DroppedData,
		}).Debug("Stall row")
	}
}

// Rows returns how many rows were logged.
func (s *LogSink) Rows() uint64 {
	return s.rows.Load()
}
