package report

import "fmt"

// AggregatedScopeID is the ID of the scope that unions every sub-device.
const AggregatedScopeID = 0

// Scope selects whether values are reported per compute sub-device or
// aggregated across all of them.
type Scope struct {
	ID         uint32
	Name       string
	Aggregated bool
	// SubDevice is the compute sub-device index; unused when Aggregated.
	SubDevice int
}

// AggregatedScope returns the scope covering all sub-devices.
func AggregatedScope() Scope {
	return Scope{
		ID:         AggregatedScopeID,
		Name:       "aggregated",
		Aggregated: true,
	}
}

// ComputeScope returns the scope of one compute sub-device.
func ComputeScope(subDevice int) Scope {
	return Scope{
		ID:        uint32(subDevice) + 1,
		Name:      fmt.Sprintf("compute_%d", subDevice),
		SubDevice: subDevice,
	}
}
