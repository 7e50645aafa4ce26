// Package http exports stall rows as compressed NDJSON to an HTTP
// collector such as Vector.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/eustall/internal/version"
)

// maxErrorBody bounds how much of a failed response is reported.
const maxErrorBody = 512

// ExportObserver is told the outcome of every batch export.
type ExportObserver func(items int, err error)

// Exporter implements processor.ItemExporter by POSTing NDJSON batches.
type Exporter[T any] struct {
	log        logrus.FieldLogger
	cfg        Config
	client     *http.Client
	compressor *Compressor
	observe    ExportObserver
}

var _ processor.ItemExporter[any] = (*Exporter[any])(nil)

// NewExporter creates an exporter. observe may be nil.
func NewExporter[T any](
	log logrus.FieldLogger,
	cfg Config,
	observe ExportObserver,
) (*Exporter[T], error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	if observe == nil {
		observe = func(int, error) {}
	}

	return &Exporter[T]{
		log: log.WithField("component", "http_exporter"),
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Workers * 2,
				MaxIdleConnsPerHost: cfg.Workers * 2,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   !cfg.IsKeepAlive(),
			},
			Timeout: cfg.ExportTimeout,
		},
		compressor: compressor,
		observe:    observe,
	}, nil
}

// ExportItems sends items as one request.
func (e *Exporter[T]) ExportItems(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	err := e.export(ctx, items)
	e.observe(len(items), err)

	return err
}

func (e *Exporter[T]) export(ctx context.Context, items []*T) error {
	body, err := encodeNDJSON(items)
	if err != nil {
		return err
	}

	payload, err := e.compressor.Compress(body)
	if err != nil {
		return fmt.Errorf("compressing batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent())

	if enc := e.compressor.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	e.log.WithFields(logrus.Fields{
		"rows":       len(items),
		"bytes":      len(body),
		"compressed": len(payload),
	}).Debug("Exported batch")

	return nil
}

func encodeNDJSON[T any](items []*T) ([]byte, error) {
	var buf bytes.Buffer

	buf.Grow(len(items) * 192)

	enc := json.NewEncoder(&buf)

	for _, item := range items {
		if item == nil {
			continue
		}

		if err := enc.Encode(item); err != nil {
			return nil, fmt.Errorf("encoding row: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// Shutdown releases the compressor.
func (e *Exporter[T]) Shutdown(context.Context) error {
	return e.compressor.Close()
}

// NewProcessor wraps an Exporter in a batch processor named name.
func NewProcessor[T any](
	log logrus.FieldLogger,
	cfg Config,
	name string,
	observe ExportObserver,
) (*processor.BatchItemProcessor[T], error) {
	cfg.ApplyDefaults()

	exporter, err := NewExporter[T](log, cfg, observe)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	proc, err := processor.NewBatchItemProcessor[T](
		exporter,
		name,
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithExportTimeout(cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return proc, nil
}
