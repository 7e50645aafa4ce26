// Package calc turns raw stall data into per instruction pointer result
// rows across repeated, resumable calls.
package calc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/eustall/internal/aggregate"
	"github.com/ethpandaops/eustall/internal/framing"
	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/status"
)

// Source is the metric source a calculation operation is bound to.
type Source interface {
	// Group returns the stall sampling metric group.
	Group() report.Group
	// SubDevices returns the number of sub-devices behind the source.
	// More than one means data arrives framed.
	SubDevices() int
	// Available returns an error when the source cannot provide data.
	Available() error
}

// Value is one entry of a result row.
type Value struct {
	Value uint64
	// Valid is false when the scope of this entry had no more cached IPs
	// for the row.
	Valid bool
}

// Result is the outcome of CalculateValues.
type Result struct {
	// Reports is the number of available reports for a size query, or
	// the number of rows produced.
	Reports int
	// Rows holds one entry per report format column.
	Rows [][]Value
	// Consumed is how many bytes past the offset were processed.
	Consumed int
	Status   status.Status
}

// Operation is a calculation session. It is not safe for concurrent use.
type Operation struct {
	log         logrus.FieldLogger
	metrics     []report.Metric
	excluded    []report.Metric
	scopes      []report.Scope
	format      []FormatEntry
	subDevices  int
	multiDevice bool

	// children holds one aggregator per sub-device.
	children []*aggregate.Aggregator
	// aggregated unions every sub-device; nil unless the aggregated
	// scope was requested.
	aggregated *aggregate.Aggregator
	// stash keeps per sub-device bytes left over by an early stop.
	stash     [][]byte
	destroyed bool
}

// Create binds a new calculation operation to src. Time filtering is not
// supported: any time parameters in desc are zeroed and the returned
// status is WarningTimeParamsIgnored.
func Create(
	log logrus.FieldLogger,
	src Source,
	desc *Descriptor,
) (*Operation, status.Status, error) {
	if desc == nil {
		return nil, status.Success, fmt.Errorf("%w: nil descriptor", status.ErrInvalidArgument)
	}

	if err := src.Available(); err != nil {
		return nil, status.Success, fmt.Errorf("metric source unavailable: %w", err)
	}

	subDevices := max(src.SubDevices(), 1)

	metrics, err := resolveMetrics(desc)
	if err != nil {
		return nil, status.Success, err
	}

	scopes, err := resolveScopes(desc.Scopes, subDevices)
	if err != nil {
		return nil, status.Success, err
	}

	included, excluded := partitionMetrics(metrics, scopes)

	op := &Operation{
		log:         log.WithField("component", "calc"),
		metrics:     included,
		excluded:    excluded,
		scopes:      scopes,
		subDevices:  subDevices,
		multiDevice: subDevices > 1,
		children:    make([]*aggregate.Aggregator, subDevices),
		stash:       make([][]byte, subDevices),
	}

	for i := range op.children {
		op.children[i] = aggregate.New()
	}

	for _, s := range scopes {
		if s.Aggregated {
			op.aggregated = aggregate.New()
		}

		for _, m := range included {
			op.format = append(op.format, FormatEntry{Metric: m, Scope: s})
		}
	}

	st := status.Success

	if len(desc.TimeWindows) > 0 || desc.TimeAggregationWindow != 0 {
		desc.TimeWindows = nil
		desc.TimeAggregationWindow = 0
		st = status.WarningTimeParamsIgnored
	}

	op.log.WithFields(logrus.Fields{
		"metrics":      len(included),
		"excluded":     len(excluded),
		"scopes":       len(scopes),
		"multi_device": op.multiDevice,
	}).Debug("Created calculation operation")

	return op, st, nil
}

// MultiDevice reports whether the operation expects framed input.
func (o *Operation) MultiDevice() bool {
	return o.multiDevice
}

// Scopes returns the scopes in report order.
func (o *Operation) Scopes() []report.Scope {
	return append([]report.Scope(nil), o.scopes...)
}

// ExcludedMetrics returns selected metrics dropped because they do not
// support every requested scope.
func (o *Operation) ExcludedMetrics() []report.Metric {
	return append([]report.Metric(nil), o.excluded...)
}

// Decoded returns the number of records decoded per sub-device, summed,
// since the operation was created.
func (o *Operation) Decoded() uint64 {
	var n uint64
	for _, c := range o.children {
		n += c.Decoded()
	}

	return n
}

// Cached returns the largest number of distinct IPs held for any scope.
func (o *Operation) Cached() int {
	n := 0
	for _, s := range o.scopes {
		n = max(n, o.scopeAggregator(s).Len())
	}

	return n
}

// ReportFormat fills dst with the columns of a result row, scope-major.
// With an empty dst it returns the column count. A non-empty dst shorter
// than the column count is rejected without writing anything.
func (o *Operation) ReportFormat(dst []FormatEntry) (int, error) {
	if o.destroyed {
		return 0, errDestroyed()
	}

	if len(dst) == 0 {
		return len(o.format), nil
	}

	if len(dst) < len(o.format) {
		return 0, fmt.Errorf(
			"%w: report format needs %d entries, got %d",
			status.ErrInvalidArgument, len(o.format), len(dst),
		)
	}

	return copy(dst, o.format), nil
}

// CalculateValues processes data[offset:]. With requested == 0 it only
// reports how many rows are available and leaves all state untouched.
// Otherwise it emits up to requested rows. Fewer records than available
// are consumed when requested is smaller than the available count, and
// the remainder stays cached for the next call. With final set all data
// is consumed and every cache is cleared after emission.
func (o *Operation) CalculateValues(
	data []byte,
	offset int,
	requested int,
	final bool,
) (Result, error) {
	if o.destroyed {
		return Result{}, errDestroyed()
	}

	if offset < 0 || offset > len(data) || requested < 0 {
		return Result{}, fmt.Errorf(
			"%w: offset %d of %d bytes, %d reports",
			status.ErrInvalidArgument, offset, len(data), requested,
		)
	}

	pending, err := o.split(data[offset:])
	if err != nil {
		return Result{}, err
	}

	available := o.available(pending)

	if requested == 0 {
		return Result{Reports: available}, nil
	}

	earlyStop := !final && requested < available

	var consumed int
	if o.multiDevice {
		// Whole frames are taken over; leftovers live in the stash.
		o.accumulateMulti(pending, requested, earlyStop)
		consumed = len(data) - offset
	} else {
		consumed, _ = o.children[0].Accumulate(
			pending[0], len(pending[0]), requested, earlyStop,
		)
	}

	rows, overflow := o.emit(requested)

	res := Result{
		Reports:  len(rows),
		Rows:     rows,
		Consumed: consumed,
		Status:   status.Success,
	}

	if overflow && len(rows) > 0 {
		res.Status = status.WarningDroppedData
		o.clearOverflow()
	}

	if final {
		o.reset()
	}

	return res, nil
}

// Destroy discards all cached state. The operation must not be used
// afterwards.
func (o *Operation) Destroy() {
	o.reset()
	o.destroyed = true

	o.log.Debug("Destroyed calculation operation")
}

// split validates input and returns the bytes pending per sub-device,
// cached leftovers first. Nothing is mutated.
func (o *Operation) split(data []byte) ([][]byte, error) {
	if !o.multiDevice {
		if framing.IsFramed(data) {
			return nil, fmt.Errorf(
				"%w: multi-device data passed to single-device operation",
				status.ErrInvalidArgument,
			)
		}

		if len(data)%report.RecordSize != 0 {
			return nil, fmt.Errorf(
				"%w: %d bytes is not a multiple of %d",
				status.ErrInvalidSize, len(data), report.RecordSize,
			)
		}

		return [][]byte{data}, nil
	}

	pending := make([][]byte, o.subDevices)
	for i, s := range o.stash {
		pending[i] = s
	}

	if len(data) == 0 {
		return pending, nil
	}

	segments, err := framing.Unframe(data)
	if err != nil {
		if errors.Is(err, framing.ErrNotFramed) {
			return nil, fmt.Errorf(
				"%w: single-device data passed to multi-device operation",
				status.ErrInvalidArgument,
			)
		}

		return nil, err
	}

	for _, seg := range segments {
		if int(seg.SetIndex) >= o.subDevices {
			return nil, fmt.Errorf(
				"%w: frame for sub-device %d of %d",
				status.ErrInvalidArgument, seg.SetIndex, o.subDevices,
			)
		}

		if len(seg.Data)%report.RecordSize != 0 {
			return nil, fmt.Errorf(
				"%w: frame of %d bytes is not a multiple of %d",
				status.ErrInvalidSize, len(seg.Data), report.RecordSize,
			)
		}

		if len(seg.Data) == 0 {
			continue
		}

		// Never append into the stash or caller memory.
		merged := make([]byte, 0, len(pending[seg.SetIndex])+len(seg.Data))
		merged = append(merged, pending[seg.SetIndex]...)
		pending[seg.SetIndex] = append(merged, seg.Data...)
	}

	return pending, nil
}

// available is the largest number of distinct IPs any scope would hold
// after taking in pending.
func (o *Operation) available(pending [][]byte) int {
	if !o.multiDevice {
		return o.children[0].CountDistinct(pending[0])
	}

	best := 0

	for _, s := range o.scopes {
		var n int

		if s.Aggregated {
			var all []byte
			for _, p := range pending {
				all = append(all, p...)
			}

			n = o.aggregated.CountDistinct(all)
		} else {
			n = o.children[s.SubDevice].CountDistinct(pending[s.SubDevice])
		}

		best = max(best, n)
	}

	return best
}

// accumulateMulti feeds every sub-device independently. Each child stops
// at its own budget and its unconsumed bytes are stashed for the next
// call.
func (o *Operation) accumulateMulti(pending [][]byte, budget int, earlyStop bool) {
	for i, buf := range pending {
		n, _ := o.children[i].Accumulate(buf, len(buf), budget, earlyStop)

		if o.aggregated != nil && n > 0 {
			o.aggregated.Accumulate(buf[:n], n, 0, false)
		}

		if n < len(buf) {
			o.stash[i] = append([]byte(nil), buf[n:]...)
		} else {
			o.stash[i] = nil
		}
	}
}

// emit pops up to n records from every scope and lays them out as rows.
func (o *Operation) emit(n int) ([][]Value, bool) {
	perScope := make([][]aggregate.Record, len(o.scopes))
	popped := make([]bool, len(o.children))
	overflow := false
	rows := 0

	for k, s := range o.scopes {
		agg := o.scopeAggregator(s)
		overflow = overflow || agg.Overflow()

		perScope[k] = agg.Pop(n)
		rows = max(rows, len(perScope[k]))

		if !s.Aggregated {
			popped[s.SubDevice] = true
		}
	}

	// Children without a selected compute scope only drive the budget.
	for i, child := range o.children {
		if !popped[i] {
			child.Pop(n)
		}
	}

	if rows == 0 {
		return nil, overflow
	}

	out := make([][]Value, rows)
	for r := range out {
		row := make([]Value, 0, len(o.format))

		for k := range o.scopes {
			for _, m := range o.metrics {
				if r < len(perScope[k]) {
					row = append(row, Value{Value: perScope[k][r].Values[m.ID], Valid: true})
				} else {
					row = append(row, Value{})
				}
			}
		}

		out[r] = row
	}

	return out, overflow
}

func (o *Operation) scopeAggregator(s report.Scope) *aggregate.Aggregator {
	if s.Aggregated {
		return o.aggregated
	}

	return o.children[s.SubDevice]
}

func (o *Operation) clearOverflow() {
	for _, c := range o.children {
		c.ClearOverflow()
	}

	if o.aggregated != nil {
		o.aggregated.ClearOverflow()
	}
}

func (o *Operation) reset() {
	for i, c := range o.children {
		c.Reset()
		o.stash[i] = nil
	}

	if o.aggregated != nil {
		o.aggregated.Reset()
	}
}

func errDestroyed() error {
	return fmt.Errorf("%w: calculation operation destroyed", status.ErrInvalidArgument)
}
