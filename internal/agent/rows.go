package agent

import (
	"time"

	"github.com/ethpandaops/eustall/internal/calc"
	"github.com/ethpandaops/eustall/internal/sink"
)

type rowMeta struct {
	time    time.Time
	host    string
	device  string
	dropped bool
}

// toStallRows splits result rows into one StallRow per scope with valid
// values. format groups the columns of each scope contiguously.
func toStallRows(format []calc.FormatEntry, rows [][]calc.Value, meta rowMeta) []sink.StallRow {
	out := make([]sink.StallRow, 0, len(rows))

	for _, values := range rows {
		for start := 0; start < len(format); {
			scope := format[start].Scope

			end := start
			for end < len(format) && format[end].Scope.ID == scope.ID {
				end++
			}

			if values[start].Valid {
				row := sink.StallRow{
					Time:        meta.time,
					Host:        meta.host,
					Device:      meta.device,
					Scope:       scope.Name,
					ScopeID:     scope.ID,
					DroppedData: meta.dropped,
				}

				for i := start; i < end; i++ {
					row.Set(format[i].Metric.ID, values[i].Value)
				}

				out = append(out, row)
			}

			start = end
		}
	}

	return out
}
