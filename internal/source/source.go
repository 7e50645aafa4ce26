// Package source provides the stall sample streams a metric source reads
// from and tracks the source's activation and streamer ownership.
package source

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/status"
)

// Stream is the operating system's EU stall sampling stream for one
// sub-device.
type Stream interface {
	// Start begins sampling and returns the sampling period actually used.
	Start(notifyEveryN uint32, samplingPeriodNs uint32) (uint32, error)
	// Stop ends sampling and releases the stream.
	Stop() error
	// Read copies whole records into buf and returns the bytes written.
	Read(buf []byte) (int, error)
	// RequiredBufferSize returns the bytes needed for maxReports records.
	RequiredBufferSize(maxReports uint32) uint64
	// UnitReportSize returns the size of one record.
	UnitReportSize() uint32
	// ReportsAvailable reports whether notifyEveryN records are ready.
	ReportsAvailable() bool
	// DependencyAvailable reports whether the stream can be used at all.
	DependencyAvailable() bool
}

// MetricSource fronts the streams of one device, one per sub-device. It
// enforces that at most one streamer is open at a time. It is not safe
// for concurrent use.
type MetricSource struct {
	log          logrus.FieldLogger
	group        report.Group
	streams      []Stream
	activated    bool
	streamerOpen bool
}

// NewMetricSource creates a metric source over streams. More than one
// stream makes it a multi-device source.
func NewMetricSource(log logrus.FieldLogger, streams ...Stream) *MetricSource {
	return &MetricSource{
		log:     log.WithField("component", "metric_source"),
		group:   report.StallGroup(),
		streams: streams,
	}
}

// Group returns the stall sampling metric group.
func (s *MetricSource) Group() report.Group {
	return s.group
}

// SubDevices returns the number of sub-device streams.
func (s *MetricSource) SubDevices() int {
	return len(s.streams)
}

// Stream returns the stream of sub-device i.
func (s *MetricSource) Stream(i int) Stream {
	return s.streams[i]
}

// Available returns ErrUnsupportedFeature unless every stream can be used.
func (s *MetricSource) Available() error {
	if len(s.streams) == 0 {
		return fmt.Errorf("%w: no stall streams", status.ErrUnsupportedFeature)
	}

	for i, st := range s.streams {
		if !st.DependencyAvailable() {
			return fmt.Errorf(
				"%w: stall stream of sub-device %d unavailable",
				status.ErrUnsupportedFeature, i,
			)
		}
	}

	return nil
}

// Activate marks the metric group as activated so streamers may open.
func (s *MetricSource) Activate() error {
	if err := s.Available(); err != nil {
		return err
	}

	s.activated = true

	s.log.WithField("sub_devices", len(s.streams)).Debug("Metric group activated")

	return nil
}

// Deactivate clears the activation. An open streamer keeps running until
// closed.
func (s *MetricSource) Deactivate() {
	s.activated = false
}

// Activated reports whether the metric group is activated.
func (s *MetricSource) Activated() bool {
	return s.activated
}

// StreamerOpen reports whether a streamer currently owns the source.
func (s *MetricSource) StreamerOpen() bool {
	return s.streamerOpen
}

// Acquire claims the source for a streamer.
func (s *MetricSource) Acquire() error {
	if !s.activated {
		return fmt.Errorf("%w: metric group not activated", status.ErrNotReady)
	}

	if s.streamerOpen {
		return fmt.Errorf("%w: streamer already open", status.ErrHandleObjectInUse)
	}

	s.streamerOpen = true

	return nil
}

// Release returns the source after its streamer closed.
func (s *MetricSource) Release() {
	s.streamerOpen = false
}
