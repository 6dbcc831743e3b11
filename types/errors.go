package types

import "fmt"

// ValidationError reports malformed or missing caller input.
// These are the caller's fault and are never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a reference to an id that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// AlreadyResolvedError reports a state-machine precondition violation:
// attaching ground truth twice, or acting on an alert past the required state.
type AlreadyResolvedError struct {
	Kind string
	ID   string
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("%s %s already resolved", e.Kind, e.ID)
}

// InsufficientSampleError is a typed "not yet available": the window does
// not hold enough samples for a statistically meaningful ratio. It is never
// surfaced as a false metric value.
type InsufficientSampleError struct {
	Metric  MetricName
	Group   string
	Samples int
	Minimum int
}

func (e *InsufficientSampleError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("%s: group %q has %d samples, need %d", e.Metric, e.Group, e.Samples, e.Minimum)
	}
	return fmt.Sprintf("%s: %d samples, need %d", e.Metric, e.Samples, e.Minimum)
}

// IntegrityError reports audit chain tamper detected at a sequence number.
// It is fatal to trust in the affected range and is never auto-repaired.
type IntegrityError struct {
	Seq    int64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain integrity failure at sequence %d: %s", e.Seq, e.Reason)
}

// AttributionMismatchError reports an attribution vector submitted for a
// decision that does not exist.
type AttributionMismatchError struct {
	DecisionID string
}

func (e *AttributionMismatchError) Error() string {
	return fmt.Sprintf("attribution references unknown decision %s", e.DecisionID)
}

// EmptyAttributionError reports an attribution vector with no features.
type EmptyAttributionError struct {
	DecisionID string
}

func (e *EmptyAttributionError) Error() string {
	return fmt.Sprintf("empty attribution vector for decision %s", e.DecisionID)
}
