package source

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/status"
)

var errNotStarted = errors.New("stream not started")

// Replay is a Stream serving previously captured records from memory.
type Replay struct {
	data         []byte
	pos          int
	started      bool
	notifyEveryN uint32
}

var _ Stream = (*Replay)(nil)

// NewReplay creates a replay stream over data. Trailing bytes that do not
// form a whole record are never returned.
func NewReplay(data []byte) *Replay {
	return &Replay{data: data[:len(data)-len(data)%report.RecordSize]}
}

func (r *Replay) Start(notifyEveryN uint32, samplingPeriodNs uint32) (uint32, error) {
	if r.started {
		return 0, fmt.Errorf("%w: replay already started", status.ErrHandleObjectInUse)
	}

	r.started = true
	r.notifyEveryN = max(notifyEveryN, 1)

	return samplingPeriodNs, nil
}

func (r *Replay) Stop() error {
	r.started = false

	return nil
}

func (r *Replay) Read(buf []byte) (int, error) {
	if !r.started {
		return 0, errNotStarted
	}

	limit := len(buf) - len(buf)%report.RecordSize
	n := copy(buf[:limit], r.data[r.pos:])
	r.pos += n

	return n, nil
}

func (r *Replay) RequiredBufferSize(maxReports uint32) uint64 {
	return uint64(maxReports) * report.RecordSize
}

func (r *Replay) UnitReportSize() uint32 {
	return report.RecordSize
}

func (r *Replay) ReportsAvailable() bool {
	return r.started &&
		len(r.data)-r.pos >= int(r.notifyEveryN)*report.RecordSize
}

func (r *Replay) DependencyAvailable() bool {
	return true
}

// Remaining returns the bytes not yet read.
func (r *Replay) Remaining() int {
	return len(r.data) - r.pos
}
