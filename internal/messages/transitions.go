package messages

// allowedTransitions is the single source of truth for status moves.
// FAILED -> RETRYING happens only through the retry controller's
// atomic claim; DELIVERED, BOUNCED and REJECTED are terminal.
var allowedTransitions = map[Status]map[Status]bool{
	StatusScheduled: {
		StatusPending: true,
		StatusFailed:  true,
	},
	StatusPending: {
		StatusSent:      true,
		StatusDelivered: true,
		StatusFailed:    true,
		StatusRetrying:  true,
		StatusBounced:   true,
		StatusRejected:  true,
	},
	StatusRetrying: {
		StatusPending:   true,
		StatusSent:      true,
		StatusDelivered: true,
		StatusFailed:    true,
		StatusBounced:   true,
		StatusRejected:  true,
	},
	StatusSent: {
		StatusDelivered: true,
		StatusFailed:    true,
		StatusBounced:   true,
		StatusRejected:  true,
	},
	StatusFailed: {
		StatusRetrying: true,
	},
}

// TransitionAllowed is pure: no time, environment, or I/O branch.
func TransitionAllowed(from, to Status) bool {
	return allowedTransitions[from][to]
}
