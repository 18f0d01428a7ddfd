package model

// Lifecycle is the single-valued process lifecycle state described in
// spec.md §3 and driven exclusively by the supervisor per §4.5.
type Lifecycle string

const (
	NotRunning Lifecycle = "NotRunning"
	Starting   Lifecycle = "Starting"
	Running    Lifecycle = "Running"
	Stopping   Lifecycle = "Stopping"
)

// ValidTransition reports whether moving from `from` to `to` is a legal
// edge in the §4.5 state table. It is used defensively by the
// supervisor and asserted against in tests; it is not consulted on the
// hot path, where transitions are driven by specific named events.
func ValidTransition(from, to Lifecycle) bool {
	switch from {
	case NotRunning:
		return to == Starting
	case Starting:
		return to == Running || to == NotRunning
	case Running:
		return to == Stopping || to == NotRunning
	case Stopping:
		return to == NotRunning
	default:
		return false
	}
}
