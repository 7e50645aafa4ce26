//go:build !linux

package source

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/status"
)

type device struct {
	path string
}

// NewDevice creates a Stream for path.
// On non-Linux platforms, the stream is never available.
func NewDevice(_ logrus.FieldLogger, path string) Stream {
	return &device{path: path}
}

func (d *device) Start(_ uint32, _ uint32) (uint32, error) {
	return 0, fmt.Errorf("%w: stall streams require linux", status.ErrUnsupportedFeature)
}

func (d *device) Stop() error { return nil }

func (d *device) Read(_ []byte) (int, error) {
	return 0, errNotStarted
}

func (d *device) RequiredBufferSize(maxReports uint32) uint64 {
	return uint64(maxReports) * report.RecordSize
}

func (d *device) UnitReportSize() uint32 { return report.RecordSize }

func (d *device) ReportsAvailable() bool { return false }

func (d *device) DependencyAvailable() bool { return false }
