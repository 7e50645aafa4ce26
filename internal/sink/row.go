package sink

import (
	"fmt"
	"time"

	"github.com/ethpandaops/eustall/internal/report"
)

// StallRow is the accumulated stall counters of one instruction pointer
// in one scope.
type StallRow struct {
	Time    time.Time
	Host    string
	Device  string
	Scope   string
	ScopeID uint32

	IP              uint64
	Active          uint64
	ControlStall    uint64
	PipeStall       uint64
	SendStall       uint64
	DistStall       uint64
	SbidStall       uint64
	SyncStall       uint64
	InstrFetchStall uint64
	OtherStall      uint64

	// DroppedData is set when the hardware dropped samples before this
	// row was calculated.
	DroppedData bool
}

// Set stores the value of metric m.
func (r *StallRow) Set(m report.MetricID, v uint64) {
	switch m {
	case report.MetricIP:
		r.IP = v
	case report.MetricActive:
		r.Active = v
	case report.MetricControlStall:
		r.ControlStall = v
	case report.MetricPipeStall:
		r.PipeStall = v
	case report.MetricSendStall:
		r.SendStall = v
	case report.MetricDistStall:
		r.DistStall = v
	case report.MetricSbidStall:
		r.SbidStall = v
	case report.MetricSyncStall:
		r.SyncStall = v
	case report.MetricInstrFetchStall:
		r.InstrFetchStall = v
	case report.MetricOtherStall:
		r.OtherStall = v
	}
}

// Stalled returns the sum of all stall reasons.
func (r *StallRow) Stalled() uint64 {
	return r.ControlStall + r.PipeStall + r.SendStall + r.DistStall +
		r.SbidStall + r.SyncStall + r.InstrFetchStall + r.OtherStall
}

// insertColumns matches the argument order of StallRow.values.
const insertColumns = "event_time, meta_host, device, scope, scope_id, ip, active, " +
	"control_stall, pipe_stall, send_stall, dist_stall, sbid_stall, sync_stall, " +
	"instr_fetch_stall, other_stall, dropped_data"

func (r *StallRow) values() []any {
	return []any{
		r.Time,
		r.Host,
		r.Device,
		r.Scope,
		r.ScopeID,
		r.IP,
		r.Active,
		r.ControlStall,
		r.PipeStall,
		r.SendStall,
		r.DistStall,
		r.SbidStall,
		r.SyncStall,
		r.InstrFetchStall,
		r.OtherStall,
		r.DroppedData,
	}
}

// StallRowJSON is the HTTP export schema of a StallRow.
type StallRowJSON struct {
	EventTime       string `json:"event_time"`
	MetaHost        string `json:"meta_host,omitempty"`
	Device          string `json:"device"`
	Scope           string `json:"scope"`
	ScopeID         uint32 `json:"scope_id"`
	IP              uint64 `json:"ip"`
	IPHex           string `json:"ip_hex"`
	Active          uint64 `json:"active"`
	ControlStall    uint64 `json:"control_stall"`
	PipeStall       uint64 `json:"pipe_stall"`
	SendStall       uint64 `json:"send_stall"`
	DistStall       uint64 `json:"dist_stall"`
	SbidStall       uint64 `json:"sbid_stall"`
	SyncStall       uint64 `json:"sync_stall"`
	InstrFetchStall uint64 `json:"instr_fetch_stall"`
	OtherStall      uint64 `json:"other_stall"`
	DroppedData     bool   `json:"dropped_data,omitempty"`
}

func toStallRowJSON(r *StallRow) StallRowJSON {
	return StallRowJSON{
		EventTime:       r.Time.UTC().Format(time.RFC3339Nano),
		MetaHost:        r.Host,
		Device:          r.Device,
		Scope:           r.Scope,
		ScopeID:         r.ScopeID,
		IP:              r.IP,
		IPHex:           fmt.Sprintf("0x%x", r.IP),
		Active:          r.Active,
		ControlStall:    r.ControlStall,
		PipeStall:       r.PipeStall,
		SendStall:       r.SendStall,
		DistStall:       r.DistStall,
		SbidStall:       r.SbidStall,
		SyncStall:       r.SyncStall,
		InstrFetchStall: r.InstrFetchStall,
		OtherStall:      r.OtherStall,
		DroppedData:     r.DroppedData,
	}
}
