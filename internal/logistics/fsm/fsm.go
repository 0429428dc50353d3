package fsm

// Status constants used by the request state machine.
const (
	StatusPending        = "pending"
	StatusSearching      = "searching"
	StatusDriverAssigned = "driver_assigned"
	StatusDriverArrived  = "driver_arrived"
	StatusInProgress     = "in_progress"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
)

var transitions = map[string]map[string]struct{}{
	StatusPending: {
		StatusSearching:      {},
		StatusDriverAssigned: {},
		StatusCancelled:      {},
	},
	StatusSearching: {
		StatusPending:        {},
		StatusDriverAssigned: {},
		StatusCancelled:      {},
	},
	StatusDriverAssigned: {
		StatusDriverArrived: {},
		StatusCancelled:     {},
	},
	StatusDriverArrived: {
		StatusInProgress: {},
		StatusCancelled:  {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusCancelled: {},
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition returns whether a request may move from one status to another.
// Staying in the same status is not a transition.
func CanTransition(from, to string) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// IsOpen reports whether a request is still waiting for a driver.
func IsOpen(status string) bool {
	return status == StatusPending || status == StatusSearching
}

// IsActive reports whether a driver is currently working the request.
func IsActive(status string) bool {
	switch status {
	case StatusDriverAssigned, StatusDriverArrived, StatusInProgress:
		return true
	}
	return false
}

// Valid reports whether status is a known lifecycle state.
func Valid(status string) bool {
	_, ok := transitions[status]
	return ok
}

// ActiveStatuses lists the states in which a driver holds the request.
func ActiveStatuses() []string {
	return []string{StatusDriverAssigned, StatusDriverArrived, StatusInProgress}
}

// OpenStatuses lists the states in which the request can still be claimed.
func OpenStatuses() []string {
	return []string{StatusPending, StatusSearching}
}
