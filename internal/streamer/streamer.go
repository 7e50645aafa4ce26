// Package streamer manages open EU stall sampling streams on a metric
// source, for a single device or for every sub-device behind one handle.
package streamer

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/eustall/internal/framing"
	"github.com/ethpandaops/eustall/internal/source"
	"github.com/ethpandaops/eustall/internal/status"
)

// Options configures a streamer.
type Options struct {
	// SamplingPeriodNs is the requested sampling period.
	SamplingPeriodNs uint32
	// NotifyEveryN is the report count that signals the event.
	NotifyEveryN uint32
	// Event is signalled when NotificationState observes ready reports.
	// Optional.
	Event *Event
}

// Streamer reads raw stall data from an open sampling stream. It is not
// safe for concurrent use.
type Streamer interface {
	// ReadData copies up to maxReports records into buf and returns the
	// bytes written. With an empty buf it returns the size needed for
	// maxReports records instead. Multi-device data is framed per
	// sub-device.
	ReadData(maxReports uint32, buf []byte) (int, error)
	// Close stops sampling and releases the metric source. It is safe to
	// call more than once.
	Close() error
	// NotificationState reports whether reports are ready.
	NotificationState() bool
	// AppendMarker is not supported by stall sampling.
	AppendMarker(value uint32) error
	// SamplingPeriod returns the period granted by the stream.
	SamplingPeriod() uint32
	// SubDevices returns how many streams the streamer reads.
	SubDevices() int
}

var errClosed = fmt.Errorf("%w: streamer closed", status.ErrInvalidArgument)

// Open starts sampling on src. It fails with ErrNotReady when the metric
// group is not activated and with ErrHandleObjectInUse when another
// streamer is already open. Stream start errors are returned as-is.
func Open(
	log logrus.FieldLogger,
	src *source.MetricSource,
	opts Options,
) (Streamer, error) {
	if err := src.Acquire(); err != nil {
		return nil, err
	}

	log = log.WithField("component", "streamer")

	if src.SubDevices() == 1 {
		s, err := openStream(log, src.Stream(0), opts)
		if err != nil {
			src.Release()

			return nil, err
		}

		s.src = src

		return s, nil
	}

	m := &multiStreamer{
		log:      log,
		src:      src,
		event:    opts.Event,
		children: make([]*stream, 0, src.SubDevices()),
	}

	childOpts := opts
	childOpts.Event = nil

	for i := range src.SubDevices() {
		child, err := openStream(log.WithField("sub_device", i), src.Stream(i), childOpts)
		if err != nil {
			for _, c := range m.children {
				if cerr := c.Close(); cerr != nil {
					log.WithError(cerr).Warn("Closing sub-device streamer after failed open")
				}
			}

			src.Release()

			return nil, fmt.Errorf("opening sub-device %d: %w", i, err)
		}

		m.children = append(m.children, child)
	}

	log.WithFields(logrus.Fields{
		"sub_devices":        len(m.children),
		"sampling_period_ns": m.SamplingPeriod(),
	}).Info("Opened multi-device streamer")

	return m, nil
}

// stream is the streamer of one sub-device.
type stream struct {
	log    logrus.FieldLogger
	hw     source.Stream
	src    *source.MetricSource
	event  *Event
	period uint32
	closed bool
}

func openStream(log logrus.FieldLogger, hw source.Stream, opts Options) (*stream, error) {
	period, err := hw.Start(opts.NotifyEveryN, opts.SamplingPeriodNs)
	if err != nil {
		return nil, fmt.Errorf("starting measurement: %w", err)
	}

	return &stream{
		log:    log,
		hw:     hw,
		event:  opts.Event,
		period: period,
	}, nil
}

// requiredSize returns the bytes needed for maxReports records, clamped
// to what a single hardware read can deliver.
func (s *stream) requiredSize(maxReports uint32) int {
	limit := uint64(s.hw.UnitReportSize()) * math.MaxUint32

	return int(min(s.hw.RequiredBufferSize(maxReports), limit))
}

func (s *stream) ReadData(maxReports uint32, buf []byte) (int, error) {
	if s.closed {
		return 0, errClosed
	}

	if len(buf) == 0 {
		return s.requiredSize(maxReports), nil
	}

	n, err := s.hw.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("reading stall stream: %w", err)
	}

	return n, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true
	s.event = nil

	if s.src != nil {
		defer s.src.Release()
	}

	if err := s.hw.Stop(); err != nil {
		return fmt.Errorf("stopping measurement: %w", err)
	}

	return nil
}

func (s *stream) NotificationState() bool {
	if s.closed {
		return false
	}

	ready := s.hw.ReportsAvailable()
	if ready && s.event != nil {
		s.event.Signal()
	}

	return ready
}

func (s *stream) AppendMarker(uint32) error {
	return fmt.Errorf("%w: markers", status.ErrUnsupportedFeature)
}

func (s *stream) SamplingPeriod() uint32 {
	return s.period
}

func (s *stream) SubDevices() int {
	return 1
}

// multiStreamer fronts one child streamer per sub-device.
type multiStreamer struct {
	log      logrus.FieldLogger
	src      *source.MetricSource
	event    *Event
	children []*stream
	closed   bool
}

// ReadData reads every child in turn, each preceded by a frame header.
// Reading stops at a record boundary when buf fills up. On a child error
// the bytes framed so far are returned with the error.
func (m *multiStreamer) ReadData(maxReports uint32, buf []byte) (int, error) {
	if m.closed {
		return 0, errClosed
	}

	if len(buf) == 0 {
		size := 0
		for _, c := range m.children {
			size += c.requiredSize(maxReports) + framing.HeaderSize
		}

		return size, nil
	}

	off := 0

	for i, c := range m.children {
		payload := framing.Payload(buf[off:], c.requiredSize(maxReports))
		if payload == nil {
			break
		}

		n, err := c.ReadData(maxReports, payload)
		if err != nil {
			return off, fmt.Errorf("sub-device %d: %w", i, err)
		}

		size, err := framing.Seal(buf[off:], uint32(i), n)
		if err != nil {
			return off, fmt.Errorf("sub-device %d: %w", i, err)
		}

		off += size
	}

	return off, nil
}

// Close closes every child and returns the first error.
func (m *multiStreamer) Close() error {
	if m.closed {
		return nil
	}

	m.closed = true
	m.event = nil

	var first error

	for i, c := range m.children {
		if err := c.Close(); err != nil {
			m.log.WithError(err).WithField("sub_device", i).
				Warn("Closing sub-device streamer failed")

			if first == nil {
				first = fmt.Errorf("sub-device %d: %w", i, err)
			}
		}
	}

	m.src.Release()

	return first
}

// NotificationState is signalled when any child is.
func (m *multiStreamer) NotificationState() bool {
	if m.closed {
		return false
	}

	for _, c := range m.children {
		if c.NotificationState() {
			if m.event != nil {
				m.event.Signal()
			}

			return true
		}
	}

	return false
}

func (m *multiStreamer) AppendMarker(uint32) error {
	return fmt.Errorf("%w: markers", status.ErrUnsupportedFeature)
}

func (m *multiStreamer) SamplingPeriod() uint32 {
	if len(m.children) == 0 {
		return 0
	}

	return m.children[0].SamplingPeriod()
}

func (m *multiStreamer) SubDevices() int {
	return len(m.children)
}

// IsClosed reports whether err came from using a closed streamer.
func IsClosed(err error) bool {
	return errors.Is(err, errClosed)
}
