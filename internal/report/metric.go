package report

import (
	"fmt"
	"slices"
)

// MetricID indexes a metric in native record order.
type MetricID uint8

const (
	MetricIP MetricID = iota
	MetricActive
	MetricControlStall
	MetricPipeStall
	MetricSendStall
	MetricDistStall
	MetricSbidStall
	MetricSyncStall
	MetricInstrFetchStall
	MetricOtherStall

	// MetricCount is the number of metrics carried by each record.
	MetricCount = 10
)

// String returns the metric name.
func (m MetricID) String() string {
	switch m {
	case MetricIP:
		return "IP"
	case MetricActive:
		return "Active"
	case MetricControlStall:
		return "ControlStall"
	case MetricPipeStall:
		return "PipeStall"
	case MetricSendStall:
		return "SendStall"
	case MetricDistStall:
		return "DistStall"
	case MetricSbidStall:
		return "SbidStall"
	case MetricSyncStall:
		return "SyncStall"
	case MetricInstrFetchStall:
		return "InstrFetchStall"
	case MetricOtherStall:
		return "OtherStall"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// Metric describes one value of the stall sampling group.
type Metric struct {
	ID          MetricID
	Name        string
	Description string
	// Scopes lists the scope IDs the metric can be reported in. Nil means
	// every scope.
	Scopes []uint32
}

// Supports reports whether the metric can be reported in scope.
func (m Metric) Supports(scope Scope) bool {
	if m.Scopes == nil {
		return true
	}

	return slices.Contains(m.Scopes, scope.ID)
}

// Group is a metric group exposed by a metric source.
type Group struct {
	Name        string
	Description string
	Metrics     []Metric
	// TimeFilterSupported is always false for stall sampling.
	TimeFilterSupported bool
}

const (
	GroupName        = "EuStallSampling"
	GroupDescription = "EU stall sampling"
)

var metricDescriptions = [MetricCount]string{
	MetricIP:              "IP address",
	MetricActive:          "Active cycles",
	MetricControlStall:    "Stall on control",
	MetricPipeStall:       "Stall on pipe",
	MetricSendStall:       "Stall on send",
	MetricDistStall:       "Stall on distance",
	MetricSbidStall:       "Stall on scoreboard",
	MetricSyncStall:       "Stall on sync",
	MetricInstrFetchStall: "Stall on instruction fetch",
	MetricOtherStall:      "Stall on other condition",
}

// StallGroup returns the stall sampling group with all metrics in native
// order.
func StallGroup() Group {
	metrics := make([]Metric, 0, MetricCount)
	for id := MetricID(0); id < MetricCount; id++ {
		metrics = append(metrics, Metric{
			ID:          id,
			Name:        id.String(),
			Description: metricDescriptions[id],
		})
	}

	return Group{
		Name:        GroupName,
		Description: GroupDescription,
		Metrics:     metrics,
	}
}

// MetricByName looks up a metric of g by name.
func (g Group) MetricByName(name string) (Metric, bool) {
	for _, m := range g.Metrics {
		if m.Name == name {
			return m, true
		}
	}

	return Metric{}, false
}
