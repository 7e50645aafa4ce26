package calc

import (
	"fmt"
	"slices"

	"github.com/ethpandaops/eustall/internal/report"
	"github.com/ethpandaops/eustall/internal/status"
)

// TimeWindow bounds a calculation in time. Stall sampling does not
// support time filtering, so windows are always discarded.
type TimeWindow struct {
	Start uint64
	End   uint64
}

// Descriptor selects what a calculation operation produces.
type Descriptor struct {
	// Metrics is an explicit metric selection. It takes precedence over
	// Groups.
	Metrics []report.Metric
	// Groups selects every metric of each group.
	Groups []report.Group
	// Scopes lists the requested scopes. Empty selects the default scopes
	// of the source.
	Scopes []report.Scope

	TimeWindows           []TimeWindow
	TimeAggregationWindow uint64
}

// FormatEntry is one column of a result row.
type FormatEntry struct {
	Metric report.Metric
	Scope  report.Scope
}

// resolveMetrics returns the selected metrics, de-duplicated, in native
// record order.
func resolveMetrics(desc *Descriptor) ([]report.Metric, error) {
	var selected []report.Metric

	switch {
	case len(desc.Metrics) > 0:
		selected = desc.Metrics
	case len(desc.Groups) > 0:
		for _, g := range desc.Groups {
			if g.Name != report.GroupName {
				return nil, fmt.Errorf(
					"%w: metric group %q", status.ErrUnsupportedFeature, g.Name,
				)
			}

			selected = append(selected, g.Metrics...)
		}
	default:
		return nil, fmt.Errorf("%w: no metrics or groups selected", status.ErrInvalidArgument)
	}

	seen := make(map[report.MetricID]struct{}, len(selected))
	out := make([]report.Metric, 0, len(selected))

	for _, m := range selected {
		if m.ID >= report.MetricCount {
			return nil, fmt.Errorf("%w: metric id %d", status.ErrInvalidArgument, m.ID)
		}

		if _, ok := seen[m.ID]; ok {
			continue
		}

		seen[m.ID] = struct{}{}
		out = append(out, m)
	}

	slices.SortFunc(out, func(a, b report.Metric) int {
		return int(a.ID) - int(b.ID)
	})

	return out, nil
}

// resolveScopes validates the requested scopes against the number of
// sub-devices and orders them aggregated first, then by sub-device.
func resolveScopes(requested []report.Scope, subDevices int) ([]report.Scope, error) {
	if len(requested) == 0 {
		scopes := make([]report.Scope, 0, subDevices)
		for i := range subDevices {
			scopes = append(scopes, report.ComputeScope(i))
		}

		return scopes, nil
	}

	seen := make(map[uint32]struct{}, len(requested))
	scopes := make([]report.Scope, 0, len(requested))

	for _, s := range requested {
		if _, ok := seen[s.ID]; ok {
			continue
		}

		switch {
		case s.Aggregated && subDevices == 1:
			return nil, fmt.Errorf(
				"%w: aggregated scope needs multiple sub-devices", status.ErrInvalidArgument,
			)
		case !s.Aggregated && (s.SubDevice < 0 || s.SubDevice >= subDevices):
			return nil, fmt.Errorf(
				"%w: scope %q sub-device %d out of range", status.ErrInvalidArgument, s.Name, s.SubDevice,
			)
		}

		seen[s.ID] = struct{}{}
		scopes = append(scopes, s)
	}

	slices.SortStableFunc(scopes, func(a, b report.Scope) int {
		switch {
		case a.Aggregated && !b.Aggregated:
			return -1
		case !a.Aggregated && b.Aggregated:
			return 1
		default:
			return a.SubDevice - b.SubDevice
		}
	})

	return scopes, nil
}

// partitionMetrics splits metrics into those supporting every scope and
// those that do not.
func partitionMetrics(
	metrics []report.Metric,
	scopes []report.Scope,
) (included, excluded []report.Metric) {
	for _, m := range metrics {
		supported := true

		for _, s := range scopes {
			if !m.Supports(s) {
				supported = false

				break
			}
		}

		if supported {
			included = append(included, m)
		} else {
			excluded = append(excluded, m)
		}
	}

	return included, excluded
}
