package models

type Status string

const (
	StatusRequested Status = "requested"
	StatusAssigned  Status = "assigned"
	StatusAccepted  Status = "accepted"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// AllowedTransitions is the ride state machine.
var AllowedTransitions = map[Status][]Status{
	StatusRequested: {StatusAssigned, StatusAccepted, StatusCancelled},
	StatusAssigned:  {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusStarted, StatusCancelled},
	StatusStarted:   {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources lists every status from which to is reachable in one step.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusRequested, StatusAssigned, StatusAccepted, StatusStarted} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(AllowedTransitions[s]) == 0
}

// HasDriver reports whether a ride in this status carries a driver reference.
func (s Status) HasDriver() bool {
	return s == StatusAccepted || s == StatusStarted || s == StatusCompleted
}
