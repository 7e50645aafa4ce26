// Package agent wires stall streams, calculation and sinks into a
// sampling loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/eustall/internal/calc"
	"github.com/ethpandaops/eustall/internal/export"
	"github.com/ethpandaops/eustall/internal/sink"
	"github.com/ethpandaops/eustall/internal/source"
	"github.com/ethpandaops/eustall/internal/status"
	"github.com/ethpandaops/eustall/internal/streamer"
)

// maxDrainReads bounds back-to-back reads while a stream stays ready.
const maxDrainReads = 16

// Agent is the top-level orchestrator for eustall.
type Agent interface {
	// Start opens the streams and begins sampling.
	Start(ctx context.Context) error
	// Stop drains pending data and shuts down all components.
	Stop() error
}

type agent struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics
	src    *source.MetricSource
	sinks  []sink.Sink

	host   string
	device string

	// Guarded by mu once the poll loop runs.
	mu       sync.Mutex
	stream   streamer.Streamer
	op       *calc.Operation
	format   []calc.FormatEntry
	buf      []byte
	decoded  uint64
	started  bool
	stopOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Agent.
func New(log logrus.FieldLogger, cfg *Config) (Agent, error) {
	return newAgent(log, cfg)
}

func newAgent(log logrus.FieldLogger, cfg *Config) (*agent, error) {
	streams, err := OpenStreams(log, cfg.Device)
	if err != nil {
		return nil, err
	}

	host := cfg.MetaHost
	if host == "" {
		host, _ = os.Hostname()
	}

	health := export.NewHealthMetrics(log, cfg.Health)

	a := &agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		health: health,
		src:    source.NewMetricSource(log, streams...),
		sinks:  make([]sink.Sink, 0, 2),
		host:   host,
		device: deviceName(cfg.Device),
	}

	if cfg.Sinks.ClickHouse.Enabled {
		s, err := sink.NewClickHouseSink(log, cfg.Sinks.ClickHouse, health)
		if err != nil {
			return nil, fmt.Errorf("creating clickhouse sink: %w", err)
		}

		a.sinks = append(a.sinks, s)
	}

	if cfg.Sinks.Log.Enabled {
		a.sinks = append(a.sinks, sink.NewLogSink(log, cfg.Sinks.Log))
	}

	return a, nil
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Health metrics server.
	if a.cfg.Health.IsEnabled() {
		if err := a.health.Start(ctx); err != nil {
			return fmt.Errorf("starting health metrics: %w", err)
		}
	}

	// 2. Activate the metric group and open the streamer.
	phase := time.Now()

	if err := a.src.Activate(); err != nil {
		return fmt.Errorf("activating metric source: %w", err)
	}

	s, err := streamer.Open(a.log, a.src, streamer.Options{
		SamplingPeriodNs: a.cfg.Sampling.PeriodNs,
		NotifyEveryN:     a.cfg.Sampling.NotifyEveryN,
	})
	if err != nil {
		a.health.StreamerErrors.WithLabelValues("open").Inc()

		return fmt.Errorf("opening streamer: %w", err)
	}

	a.stream = s
	a.health.StreamerOpen.Set(1)
	a.health.SubDevices.Set(float64(s.SubDevices()))
	a.health.ObservePhase("streamer", phase)

	// 3. Create the calculation operation.
	phase = time.Now()

	if err := a.createOperation(); err != nil {
		return err
	}

	a.health.ObservePhase("calc", phase)

	size, err := s.ReadData(a.cfg.Sampling.MaxReports, nil)
	if err != nil {
		return fmt.Errorf("querying read buffer size: %w", err)
	}

	a.buf = make([]byte, size)

	// 4. Sinks.
	for _, sk := range a.sinks {
		if err := sk.Start(ctx); err != nil {
			return fmt.Errorf("starting sink %s: %w", sk.Name(), err)
		}

		a.log.WithField("sink", sk.Name()).Info("Sink started")
	}

	// 5. Poll loop.
	a.started = true
	a.health.SetReady(true)

	a.wg.Add(1)

	go a.pollLoop(ctx)

	a.log.WithFields(logrus.Fields{
		"device":             a.device,
		"sub_devices":        s.SubDevices(),
		"sampling_period_ns": s.SamplingPeriod(),
		"columns":            len(a.format),
		"buffer_bytes":       size,
	}).Info("Agent fully started")

	return nil
}

func (a *agent) createOperation() error {
	desc, err := a.cfg.Calc.Descriptor(a.src.Group(), a.src.SubDevices())
	if err != nil {
		return err
	}

	op, st, err := calc.Create(a.log, a.src, desc)
	if err != nil {
		return fmt.Errorf("creating calculation operation: %w", err)
	}

	if st.IsWarning() {
		a.log.WithField("status", st).Warn("Calculation operation created with warning")
	}

	for _, m := range op.ExcludedMetrics() {
		a.log.WithField("metric", m.Name).Warn("Metric excluded for requested scopes")
	}

	n, _ := op.ReportFormat(nil)
	a.format = make([]calc.FormatEntry, n)

	if _, err := op.ReportFormat(a.format); err != nil {
		op.Destroy()

		return fmt.Errorf("reading report format: %w", err)
	}

	a.op = op

	return nil
}

func (a *agent) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Sampling.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			a.poll(false)

			for i := 0; i < maxDrainReads && a.stream.NotificationState(); i++ {
				a.poll(false)
			}
			a.mu.Unlock()
		}
	}
}

// poll reads one buffer of stall data and delivers the resulting rows.
func (a *agent) poll(final bool) {
	start := time.Now()

	n, err := a.stream.ReadData(a.cfg.Sampling.MaxReports, a.buf)
	if err != nil {
		a.health.StreamerErrors.WithLabelValues("read").Inc()
		a.log.WithError(err).Warn("Reading stall data failed")

		if n == 0 {
			return
		}
	}

	a.health.ReadDuration.Observe(time.Since(start).Seconds())

	if n == 0 && !final {
		return
	}

	a.health.BytesRead.Add(float64(n))

	if err := a.process(a.buf[:n], final); err != nil {
		a.log.WithError(err).Error("Calculating stall rows failed")
	}
}

// process drains data through the calculation operation and hands every
// produced row to the sinks.
func (a *agent) process(data []byte, final bool) error {
	start := time.Now()
	offset := 0

	for {
		size, err := a.op.CalculateValues(data, offset, 0, final)
		if err != nil {
			return err
		}

		if size.Reports == 0 {
			break
		}

		res, err := a.op.CalculateValues(data, offset, size.Reports, final)
		if err != nil {
			return err
		}

		a.deliver(res)

		offset += res.Consumed
		if offset >= len(data) || res.Consumed == 0 || final {
			break
		}
	}

	a.health.CalcDuration.Observe(time.Since(start).Seconds())

	decoded := a.op.Decoded()
	a.health.ReportsDecoded.Add(float64(decoded - a.decoded))
	a.decoded = decoded
	a.health.CachedReports.Set(float64(a.op.Cached()))

	return nil
}

func (a *agent) deliver(res calc.Result) {
	dropped := res.Status == status.WarningDroppedData
	if dropped {
		a.health.DroppedDataWarnings.Inc()
		a.log.Warn("Hardware dropped stall samples")
	}

	rows := toStallRows(a.format, res.Rows, rowMeta{
		time:    time.Now(),
		host:    a.host,
		device:  a.device,
		dropped: dropped,
	})

	for i := range rows {
		a.health.RowsEmitted.WithLabelValues(rows[i].Scope).Inc()
	}

	for _, sk := range a.sinks {
		sk.HandleRows(rows)
	}
}

func (a *agent) Stop() error {
	var errs []error

	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}

		a.wg.Wait()

		a.mu.Lock()
		defer a.mu.Unlock()

		a.health.SetReady(false)

		if a.started {
			a.poll(true)
		}

		if a.op != nil {
			a.op.Destroy()
		}

		if a.stream != nil {
			if err := a.stream.Close(); err != nil {
				a.health.StreamerErrors.WithLabelValues("close").Inc()
				errs = append(errs, fmt.Errorf("closing streamer: %w", err))
			}

			a.health.StreamerOpen.Set(0)
		}

		a.src.Deactivate()

		for _, sk := range a.sinks {
			if err := sk.Stop(); err != nil {
				a.log.WithError(err).WithField("sink", sk.Name()).Error("Error stopping sink")
			}
		}

		if err := a.health.Stop(); err != nil {
			a.log.WithError(err).Warn("Error stopping health server")
		}
	})

	return errors.Join(errs...)
}
