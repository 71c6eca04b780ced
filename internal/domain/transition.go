package domain

// registrationTransitions is the status state machine. Rejected is terminal.
// Approved to rejected is only reachable through an explicit cancellation, see CanCancel.
var registrationTransitions = map[RegistrationStatus][]RegistrationStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {},
	StatusRejected: {},
}

// CanTransition reports whether the transition engine may move a registration from one status to another.
func CanTransition(from, to RegistrationStatus) bool {
	for _, s := range registrationTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanCancel reports whether a registration in status may be retired by a cancellation.
func CanCancel(status RegistrationStatus) bool {
	return status == StatusPending || status == StatusApproved
}
