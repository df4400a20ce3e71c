package assignment

// Outcome classifies what happened to one pending item during a cycle.
// "No capacity" and a stale candidate are expected conditions, not errors;
// the item simply stays pending and is retried next cycle.
type Outcome int

const (
	OutcomeAssigned Outcome = iota
	OutcomeNoCapacity
	OutcomeExternalFailure
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAssigned:
		return "assigned"
	case OutcomeNoCapacity:
		return "no_capacity"
	case OutcomeExternalFailure:
		return "external_failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}
