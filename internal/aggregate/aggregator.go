// Package aggregate merges stall records into per instruction pointer
// totals.
package aggregate

import (
	"github.com/ethpandaops/eustall/internal/report"
)

// Record holds the accumulated values of one instruction pointer.
type Record struct {
	IP     uint64
	Values [report.MetricCount]uint64
}

// merge sums values into rec. The IP slot keeps the key.
func (rec *Record) merge(values [report.MetricCount]uint64) {
	for i := 1; i < report.MetricCount; i++ {
		rec.Values[i] += values[i]
	}
}

// Aggregator accumulates stall records keyed by instruction pointer.
// It is not safe for concurrent use.
type Aggregator struct {
	records map[uint64]*Record
	// order is the emission order: IPs by first insertion.
	order    []*Record
	overflow bool
	decoded  uint64
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		records: make(map[uint64]*Record, 64),
		order:   make([]*Record, 0, 64),
	}
}

// Accumulate decodes whole records from buf, up to maxBytes, and merges
// them into the map. With allowEarlyStop set it stops once the number of
// distinct IPs reaches budget. It returns the bytes consumed and whether
// any record seen so far carried the overflow flag.
func (a *Aggregator) Accumulate(
	buf []byte,
	maxBytes int,
	budget int,
	allowEarlyStop bool,
) (int, bool) {
	if maxBytes > len(buf) {
		maxBytes = len(buf)
	}

	consumed := 0

	for consumed+report.RecordSize <= maxBytes {
		if allowEarlyStop && len(a.order) >= budget {
			break
		}

		r, err := report.Decode(buf[consumed:])
		if err != nil {
			break
		}

		a.add(r)

		consumed += report.RecordSize
	}

	return consumed, a.overflow
}

func (a *Aggregator) add(r report.RawReport) {
	a.decoded++

	if r.Overflow() {
		a.overflow = true
	}

	values := r.Values()

	if rec, ok := a.records[r.IP]; ok {
		rec.merge(values)

		return
	}

	rec := &Record{IP: r.IP, Values: values}
	a.records[r.IP] = rec
	a.order = append(a.order, rec)
}

// CountDistinct returns how many distinct IPs the map would hold after
// accumulating every whole record of buf. The aggregator is not modified.
func (a *Aggregator) CountDistinct(buf []byte) int {
	var extra map[uint64]struct{}

	for off := 0; off+report.RecordSize <= len(buf); off += report.RecordSize {
		r, err := report.Decode(buf[off:])
		if err != nil {
			break
		}

		if _, ok := a.records[r.IP]; ok {
			continue
		}

		if extra == nil {
			extra = make(map[uint64]struct{}, 16)
		}

		extra[r.IP] = struct{}{}
	}

	return len(a.order) + len(extra)
}

// Len returns the number of distinct IPs held.
func (a *Aggregator) Len() int {
	return len(a.order)
}

// Decoded returns the total number of records merged since creation.
func (a *Aggregator) Decoded() uint64 {
	return a.decoded
}

// Overflow reports whether an overflow record has been merged since the
// last ClearOverflow or Reset.
func (a *Aggregator) Overflow() bool {
	return a.overflow
}

// ClearOverflow acknowledges a surfaced overflow.
func (a *Aggregator) ClearOverflow() {
	a.overflow = false
}

// Pop removes and returns up to n records in insertion order.
func (a *Aggregator) Pop(n int) []Record {
	if n > len(a.order) {
		n = len(a.order)
	}

	if n <= 0 {
		return nil
	}

	out := make([]Record, 0, n)
	for _, rec := range a.order[:n] {
		out = append(out, *rec)
		delete(a.records, rec.IP)
	}

	remaining := copy(a.order, a.order[n:])
	clear(a.order[remaining:])
	a.order = a.order[:remaining]

	return out
}

// Reset drops all cached records and the overflow flag.
func (a *Aggregator) Reset() {
	clear(a.records)
	clear(a.order)
	a.order = a.order[:0]
	a.overflow = false
}
