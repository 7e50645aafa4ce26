package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/eustall/internal/export"
	httpexport "github.com/ethpandaops/eustall/internal/export/http"
)

const clickhouseSinkName = "clickhouse"

// ClickHouseConfig configures the stall row store.
type ClickHouseConfig struct {
	Enabled bool `yaml:"enabled"`
	// ClickHouse receives batch inserts. An empty endpoint leaves only
	// HTTP export; its batch size and flush interval still apply.
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
	// HTTP configures optional NDJSON export (e.g., to Vector).
	HTTP httpexport.Config `yaml:"http"`
	// ChannelSize bounds the row batches waiting to be buffered.
	ChannelSize int `yaml:"channel_size"`
}

// Validate checks an enabled configuration.
func (c *ClickHouseConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.ClickHouse.Endpoint == "" && !c.HTTP.Enabled {
		return errors.New("clickhouse sink needs a clickhouse endpoint or http export")
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http export: %w", err)
	}

	return nil
}

// ClickHouseSink buffers rows and flushes them by size or interval.
type ClickHouseSink struct {
	log    logrus.FieldLogger
	cfg    ClickHouseConfig
	writer *export.ClickHouseWriter
	health *export.HealthMetrics

	httpProcessor *processor.BatchItemProcessor[StallRowJSON]

	mu     sync.Mutex
	batch  []StallRow
	cancel context.CancelFunc
	done   chan struct{}
	rowCh  chan []StallRow
}

var _ Sink = (*ClickHouseSink)(nil)

// NewClickHouseSink creates the sink. health may be nil.
func NewClickHouseSink(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *export.HealthMetrics,
) (*ClickHouseSink, error) {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 1024
	}

	log = log.WithField("sink", clickhouseSinkName)
	writer := export.NewClickHouseWriter(log, cfg.ClickHouse)

	s := &ClickHouseSink{
		log:    log,
		cfg:    cfg,
		writer: writer,
		health: health,
		batch:  make([]StallRow, 0, writer.Config().BatchSize),
		done:   make(chan struct{}),
		rowCh:  make(chan []StallRow, cfg.ChannelSize),
	}

	if cfg.HTTP.Enabled {
		proc, err := httpexport.NewProcessor[StallRowJSON](
			log,
			cfg.HTTP,
			"stall_rows_http",
			s.observeHTTP,
		)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP processor: %w", err)
		}

		s.httpProcessor = proc
	}

	return s, nil
}

func (s *ClickHouseSink) Name() string { return clickhouseSinkName }

func (s *ClickHouseSink) clickhouseEnabled() bool {
	return s.cfg.ClickHouse.Endpoint != ""
}

func (s *ClickHouseSink) Start(ctx context.Context) error {
	if s.clickhouseEnabled() {
		if err := s.writer.Start(ctx); err != nil {
			return err
		}

		if s.health != nil {
			s.health.ClickHouseConnected.WithLabelValues(clickhouseSinkName).Set(1)
		}
	}

	if s.health != nil {
		s.health.SinkRowChannelCapacity.WithLabelValues(clickhouseSinkName).
			Set(float64(cap(s.rowCh)))
	}

	if s.httpProcessor != nil {
		// Stopped by Shutdown so rows flushed in Stop still reach it.
		s.httpProcessor.Start(context.WithoutCancel(ctx))
		s.log.Info("HTTP export started")
	}

	ctx, s.cancel = context.WithCancel(ctx)

	go s.runLoop(ctx)

	s.log.WithField("table", s.writer.Config().QualifiedTable()).Info("ClickHouse sink started")

	return nil
}

func (s *ClickHouseSink) Stop() error {
	if s.cancel == nil {
		return s.writer.Stop()
	}

	s.cancel()
	<-s.done

	s.mu.Lock()
	remaining := s.batch
	s.batch = nil
	s.mu.Unlock()

drain:
	for {
		select {
		case rows := <-s.rowCh:
			remaining = append(remaining, rows...)
		default:
			break drain
		}
	}

	if err := s.flush(context.Background(), remaining); err != nil {
		s.log.WithError(err).Error("Final flush failed")
	}

	if s.httpProcessor != nil {
		if err := s.httpProcessor.Shutdown(context.Background()); err != nil {
			s.log.WithError(err).Error("HTTP processor shutdown failed")
		}
	}

	if s.health != nil && s.clickhouseEnabled() {
		s.health.ClickHouseConnected.WithLabelValues(clickhouseSinkName).Set(0)
	}

	return s.writer.Stop()
}

func (s *ClickHouseSink) HandleRows(rows []StallRow) {
	if len(rows) == 0 {
		return
	}

	select {
	case s.rowCh <- rows:
	default:
		s.log.WithField("rows", len(rows)).Warn("Row channel full, dropping rows")
		s.recordBatchError("channel_full")
	}
}

func (s *ClickHouseSink) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.writer.Config().FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rows := <-s.rowCh:
			s.addRows(ctx, rows)
		case <-ticker.C:
			if s.health != nil {
				s.health.SinkRowChannelLength.WithLabelValues(clickhouseSinkName).
					Set(float64(len(s.rowCh)))
			}

			s.tickFlush(ctx)
		}
	}
}

func (s *ClickHouseSink) addRows(ctx context.Context, rows []StallRow) {
	s.mu.Lock()
	s.batch = append(s.batch, rows...)

	var toFlush []StallRow

	if len(s.batch) >= s.writer.Config().BatchSize {
		toFlush = s.batch
		s.batch = make([]StallRow, 0, s.writer.Config().BatchSize)
	}

	s.mu.Unlock()

	if toFlush != nil {
		if err := s.flush(ctx, toFlush); err != nil {
			s.log.WithError(err).Error("Batch flush failed")
		}
	}
}

func (s *ClickHouseSink) tickFlush(ctx context.Context) {
	s.mu.Lock()

	if len(s.batch) == 0 {
		s.mu.Unlock()

		return
	}

	toFlush := s.batch
	s.batch = make([]StallRow, 0, s.writer.Config().BatchSize)
	s.mu.Unlock()

	if err := s.flush(ctx, toFlush); err != nil {
		s.log.WithError(err).Error("Periodic flush failed")
	}
}

func (s *ClickHouseSink) flush(ctx context.Context, rows []StallRow) error {
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()

	if s.httpProcessor != nil {
		s.exportHTTP(ctx, rows)
	}

	if s.clickhouseEnabled() {
		if err := s.insert(ctx, rows); err != nil {
			return err
		}
	}

	if s.health != nil {
		s.health.SinkFlushDuration.WithLabelValues(clickhouseSinkName).
			Observe(time.Since(start).Seconds())
		s.health.SinkBatchSize.WithLabelValues(clickhouseSinkName).
			Observe(float64(len(rows)))
		s.health.SinkRowsProcessed.WithLabelValues(clickhouseSinkName).
			Add(float64(len(rows)))
	}

	s.log.WithField("rows", len(rows)).Debug("Flushed stall rows")

	return nil
}

func (s *ClickHouseSink) insert(ctx context.Context, rows []StallRow) error {
	start := time.Now()

	cfg := s.writer.Config()

	batch, err := s.writer.Conn().PrepareBatch(ctx, insertQuery(cfg.QualifiedTable()))
	if err != nil {
		s.recordBatchError("prepare")

		return fmt.Errorf("preparing batch: %w", err)
	}

	for i := range rows {
		if err := batch.Append(rows[i].values()...); err != nil {
			_ = batch.Abort()

			s.recordBatchError("append")

			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		s.recordBatchError("send")

		return fmt.Errorf("sending batch: %w", err)
	}

	if s.health != nil {
		s.health.ClickHouseBatchDuration.WithLabelValues("insert").
			Observe(time.Since(start).Seconds())
	}

	return nil
}

func insertQuery(table string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", table, insertColumns)
}

func (s *ClickHouseSink) exportHTTP(ctx context.Context, rows []StallRow) {
	items := make([]*StallRowJSON, 0, len(rows))

	for i := range rows {
		item := toStallRowJSON(&rows[i])
		items = append(items, &item)
	}

	if err := s.httpProcessor.Write(ctx, items); err != nil {
		s.log.WithError(err).Debug("HTTP export failed (queue may be full)")
		s.recordBatchError("http_queue")
	}
}

func (s *ClickHouseSink) observeHTTP(_ int, err error) {
	if err != nil {
		s.recordBatchError("http_export")
	}
}

func (s *ClickHouseSink) recordBatchError(errorType string) {
	if s.health == nil {
		return
	}

	s.health.ExportBatchErrors.WithLabelValues(clickhouseSinkName, errorType).Inc()
}
