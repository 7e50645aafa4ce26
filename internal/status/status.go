// Package status defines the result codes shared by the stall engine.
package status

import "errors"

// Sentinel errors returned by engine operations. Callers should match
// them with errors.Is since most call sites wrap them with context.
var (
	// ErrInvalidArgument reports protocol misuse, e.g. framed data handed
	// to a single-device calculation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidSize reports malformed input sizes or corrupt frame headers.
	ErrInvalidSize = errors.New("invalid size")
	// ErrHandleObjectInUse is returned when a second streamer is opened
	// on a metric source.
	ErrHandleObjectInUse = errors.New("handle object in use")
	// ErrNotReady is returned when the metric group is not activated.
	ErrNotReady = errors.New("not ready")
	// ErrUnsupportedFeature is returned for operations the stall
	// sampling group does not provide.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// Status is a non-error outcome of an operation. Warnings accompany valid
// results.
type Status int

const (
	// Success means the call completed without caveats.
	Success Status = iota
	// WarningDroppedData means the hardware dropped samples before some
	// of the consumed records were captured.
	WarningDroppedData
	// WarningTimeParamsIgnored means time filtering parameters were
	// supplied and discarded.
	WarningTimeParamsIgnored
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case WarningDroppedData:
		return "warning_dropped_data"
	case WarningTimeParamsIgnored:
		return "warning_time_params_ignored"
	default:
		return "unknown"
	}
}

// IsWarning reports whether s carries a warning.
func (s Status) IsWarning() bool {
	return s != Success
}
