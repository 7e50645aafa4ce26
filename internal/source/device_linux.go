//go:build linux

package source

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ethpandaops/eustall/internal/report"
)

// i915 perf stream ioctls, _IO('i', 0x0) and _IO('i', 0x1).
const (
	perfIoctlEnable  = 0x6900
	perfIoctlDisable = 0x6901
)

type device struct {
	log          logrus.FieldLogger
	path         string
	fd           int
	notifyEveryN uint32
	// partial holds the tail of a read that ended mid-record.
	partial []byte
}

// NewDevice creates a Stream reading EU stall records from the stream
// file at path.
func NewDevice(log logrus.FieldLogger, path string) Stream {
	return &device{
		log:  log.WithFields(logrus.Fields{"component": "device", "path": path}),
		path: path,
		fd:   -1,
	}
}

func (d *device) Start(notifyEveryN uint32, samplingPeriodNs uint32) (uint32, error) {
	if d.fd >= 0 {
		return 0, fmt.Errorf("stream %s already started", d.path)
	}

	fd, err := unix.Open(d.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", d.path, err)
	}

	if err := unix.IoctlSetInt(fd, perfIoctlEnable, 0); err != nil {
		// Plain files and pipes carry captured data and have no ioctls.
		if !errors.Is(err, unix.ENOTTY) {
			_ = unix.Close(fd)

			return 0, fmt.Errorf("enabling stream %s: %w", d.path, err)
		}

		d.log.Debug("Stream does not support enable ioctl")
	}

	d.fd = fd
	d.notifyEveryN = max(notifyEveryN, 1)

	d.log.WithField("sampling_period_ns", samplingPeriodNs).Info("Stall stream started")

	return samplingPeriodNs, nil
}

func (d *device) Stop() error {
	if d.fd < 0 {
		return nil
	}

	fd := d.fd
	d.fd = -1
	d.partial = nil

	var errs []error

	if err := unix.IoctlSetInt(fd, perfIoctlDisable, 0); err != nil && !errors.Is(err, unix.ENOTTY) {
		errs = append(errs, fmt.Errorf("disabling stream %s: %w", d.path, err))
	}

	if err := unix.Close(fd); err != nil {
		errs = append(errs, fmt.Errorf("closing %s: %w", d.path, err))
	}

	return errors.Join(errs...)
}

func (d *device) Read(buf []byte) (int, error) {
	if d.fd < 0 {
		return 0, errNotStarted
	}

	limit := len(buf) - len(buf)%report.RecordSize
	if limit == 0 {
		return 0, nil
	}

	carried := copy(buf, d.partial)

	n, err := unix.Read(d.fd, buf[carried:limit])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			n = 0
		} else {
			return 0, fmt.Errorf("reading %s: %w", d.path, err)
		}
	}

	total := carried + n
	whole := total - total%report.RecordSize
	d.partial = append(d.partial[:0], buf[whole:total]...)

	return whole, nil
}

func (d *device) RequiredBufferSize(maxReports uint32) uint64 {
	return uint64(maxReports) * report.RecordSize
}

func (d *device) UnitReportSize() uint32 {
	return report.RecordSize
}

// ReportsAvailable reports whether notifyEveryN whole records can be
// read. Streams without FIONREAD apply the threshold themselves and are
// ready when poll says so.
func (d *device) ReportsAvailable() bool {
	if d.fd < 0 {
		return false
	}

	want := int(d.notifyEveryN) * report.RecordSize

	if queued, err := unix.IoctlGetInt(d.fd, unix.TIOCINQ); err == nil {
		return len(d.partial)+queued >= want
	}

	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, 0)
	if err != nil {
		d.log.WithError(err).Debug("Polling stall stream failed")

		return false
	}

	return n > 0 && fds[0].Revents&unix.POLLIN != 0
}

func (d *device) DependencyAvailable() bool {
	return unix.Access(d.path, unix.R_OK) == nil
}
