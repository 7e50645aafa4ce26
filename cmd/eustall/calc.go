package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/eustall/internal/agent"
	"github.com/ethpandaops/eustall/internal/calc"
	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/source"
	"github.com/ethpandaops/eustall/internal/status"
	"github.com/ethpandaops/eustall/internal/streamer"
)

type calcOptions struct {
	in         string
	metrics    []string
	aggregated bool
	batch      int
	maxReports uint32
}

func calcCmd() *cobra.Command {
	var opts calcOptions

	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Calculate per-IP stall values from a capture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger("")
			if err != nil {
				return err
			}

			return calculate(cmd.Context(), log, cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.in, "in", "", "capture file to read (required)")
	cmd.Flags().StringSliceVar(&opts.metrics, "metrics", nil, "metrics to calculate (default all)")
	cmd.Flags().BoolVar(&opts.aggregated, "aggregated", false, "add the scope aggregating all sub-devices")
	cmd.Flags().IntVar(&opts.batch, "batch", 0, "rows requested per call (0 takes all available)")
	cmd.Flags().Uint32Var(&opts.maxReports, "max-reports", 8192, "records read per sub-device per read")

	markRequired(cmd.MarkFlagRequired, "in")

	return cmd
}

// calculate replays a capture through the streamer and calculation
// operation and renders every row as a table on out.
func calculate(ctx context.Context, log logrus.FieldLogger, out io.Writer, opts calcOptions) error {
	if opts.batch < 0 || opts.maxReports == 0 {
		return fmt.Errorf("%w: batch must not be negative and max-reports must be positive",
			status.ErrInvalidArgument)
	}

	streams, err := agent.OpenStreams(log, agent.DeviceConfig{Replay: opts.in})
	if err != nil {
		return err
	}

	src := source.NewMetricSource(log, streams...)
	if err := src.Activate(); err != nil {
		return fmt.Errorf("activating metric source: %w", err)
	}

	defer src.Deactivate()

	calcCfg := agent.CalcConfig{Metrics: opts.metrics, Aggregated: opts.aggregated}

	desc, err := calcCfg.Descriptor(src.Group(), src.SubDevices())
	if err != nil {
		return err
	}

	op, st, err := calc.Create(log, src, desc)
	if err != nil {
		return fmt.Errorf("creating calculation operation: %w", err)
	}

	defer op.Destroy()

	if st.IsWarning() {
		log.WithField("status", st).Warn("Calculation operation created with warning")
	}

	for _, m := range op.ExcludedMetrics() {
		log.WithField("metric", m.Name).Warn("Metric excluded for requested scopes")
	}

	n, _ := op.ReportFormat(nil)
	format := make([]calc.FormatEntry, n)

	if _, err := op.ReportFormat(format); err != nil {
		return fmt.Errorf("reading report format: %w", err)
	}

	s, err := streamer.Open(log, src, streamer.Options{NotifyEveryN: 1})
	if err != nil {
		return fmt.Errorf("opening streamer: %w", err)
	}

	defer s.Close()

	size, err := s.ReadData(opts.maxReports, nil)
	if err != nil {
		return fmt.Errorf("querying read buffer size: %w", err)
	}

	buf := make([]byte, size)

	table := tablewriter.NewWriter(out)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(formatHeader(format))

	var rows int

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		read, err := s.ReadData(opts.maxReports, buf)
		if err != nil {
			return fmt.Errorf("reading stall data: %w", err)
		}

		final := !s.NotificationState()

		emitted, err := calculateAll(op, buf[:read], opts.batch, final, func(values []calc.Value) {
			table.Append(formatRow(format, values))
		}, func(st status.Status) {
			log.WithField("status", st).Warn("Stall data was dropped")
		})
		if err != nil {
			return err
		}

		rows += emitted

		if final {
			break
		}
	}

	table.Render()

	log.WithFields(logrus.Fields{
		"rows":    rows,
		"decoded": op.Decoded(),
	}).Info("Calculation complete")

	return nil
}

// calculateAll drains every available row of data in calls of at most
// batch rows. With final set the last call flushes all caches.
func calculateAll(
	op *calc.Operation,
	data []byte,
	batch int,
	final bool,
	row func([]calc.Value),
	warn func(status.Status),
) (int, error) {
	offset, total := 0, 0

	for {
		size, err := op.CalculateValues(data, offset, 0, false)
		if err != nil {
			return total, fmt.Errorf("querying available rows: %w", err)
		}

		if size.Reports == 0 {
			return total, nil
		}

		requested := size.Reports
		if batch > 0 && batch < requested {
			requested = batch
		}

		last := requested == size.Reports

		res, err := op.CalculateValues(data, offset, requested, final && last)
		if err != nil {
			return total, fmt.Errorf("calculating values: %w", err)
		}

		if res.Status.IsWarning() {
			warn(res.Status)
		}

		for _, values := range res.Rows {
			row(values)
		}

		offset += res.Consumed
		total += res.Reports

		if (final && last) || res.Reports == 0 {
			return total, nil
		}
	}
}

func formatHeader(format []calc.FormatEntry) []string {
	header := make([]string, len(format))
	for i, f := range format {
		header[i] = f.Scope.Name + "." + f.Metric.Name
	}

	return header
}

func formatRow(format []calc.FormatEntry, values []calc.Value) []string {
	out := make([]string, len(format))

	for i, v := range values {
		switch {
		case !v.Valid:
			out[i] = "-"
		case format[i].Metric.ID == report.MetricIP:
			out[i] = "0x" + strconv.FormatUint(v.Value, 16)
		default:
			out[i] = strconv.FormatUint(v.Value, 10)
		}
	}

	return out
}
