package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/eustall/internal/agent"
	"github.com/ethpandaops/eustall/internal/capture"
	"github.com/ethpandaops/eustall/internal/framing"
	"github.com/ethpandaops/eustall/internal/source"
	"github.com/ethpandaops/eustall/internal/streamer"
)

type recordOptions struct {
	devices    []string
	out        string
	duration   time.Duration
	compress   bool
	periodNs   uint32
	maxReports uint32
	poll       time.Duration
}

func recordCmd() *cobra.Command {
	var opts recordOptions

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record raw stall data into a capture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return record(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.devices, "device", nil, "stall stream path, repeated per sub-device (required)")
	cmd.Flags().StringVar(&opts.out, "out", "", "capture file to write (required)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.compress, "zstd", false, "zstd compress the capture body")
	cmd.Flags().Uint32Var(&opts.periodNs, "period-ns", 0, "requested sampling period")
	cmd.Flags().Uint32Var(&opts.maxReports, "max-reports", 8192, "records read per sub-device per poll")
	cmd.Flags().DurationVar(&opts.poll, "poll-interval", 100*time.Millisecond, "how often streams are read")

	markRequired(cmd.MarkFlagRequired, "device", "out")

	return cmd
}

func record(ctx context.Context, opts recordOptions) error {
	if opts.poll <= 0 || opts.maxReports == 0 {
		return errors.New("poll-interval and max-reports must be positive")
	}

	log, err := newLogger("")
	if err != nil {
		return err
	}

	streams, err := agent.OpenStreams(log, agent.DeviceConfig{Paths: opts.devices})
	if err != nil {
		return err
	}

	src := source.NewMetricSource(log, streams...)
	if err := src.Activate(); err != nil {
		return fmt.Errorf("activating metric source: %w", err)
	}

	s, err := streamer.Open(log, src, streamer.Options{
		SamplingPeriodNs: opts.periodNs,
		NotifyEveryN:     1,
	})
	if err != nil {
		return fmt.Errorf("opening streamer: %w", err)
	}

	defer func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Warn("Closing streamer failed")
		}
	}()

	f, err := os.Create(opts.out)
	if err != nil {
		return fmt.Errorf("creating capture: %w", err)
	}

	defer f.Close()

	w, err := capture.NewWriter(f, uint32(len(streams)), opts.compress)
	if err != nil {
		return err
	}

	size, err := s.ReadData(opts.maxReports, nil)
	if err != nil {
		return fmt.Errorf("querying read buffer size: %w", err)
	}

	buf := make([]byte, size)

	if opts.duration > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	log.WithFields(logrus.Fields{
		"out":                opts.out,
		"sub_devices":        len(streams),
		"sampling_period_ns": s.SamplingPeriod(),
	}).Info("Recording stall data")

	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()

	var total int

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
		}

		n, err := s.ReadData(opts.maxReports, buf)
		if err != nil {
			return fmt.Errorf("reading stall data: %w", err)
		}

		written, err := writeRead(w, s.SubDevices() > 1, buf[:n])
		if err != nil {
			return err
		}

		total += written
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing capture: %w", err)
	}

	log.WithField("bytes", total).Info("Recording complete")

	return nil
}

// writeRead stores one streamer read, splitting framed multi-device data
// into chunks per sub-device. It returns the record bytes written.
func writeRead(w *capture.Writer, multiDevice bool, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	if !multiDevice {
		return len(data), w.WriteChunk(0, data)
	}

	segments, err := framing.Unframe(data)
	if err != nil {
		return 0, fmt.Errorf("splitting multi-device read: %w", err)
	}

	total := 0

	for _, seg := range segments {
		if len(seg.Data) == 0 {
			continue
		}

		if err := w.WriteChunk(seg.SetIndex, seg.Data); err != nil {
			return total, err
		}

		total += len(seg.Data)
	}

	return total, nil
}
