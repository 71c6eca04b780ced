package domain

import "fmt"

// CapacityPolicy is the single definition of which registrations occupy a slot.
type CapacityPolicy string

const (
	// CountNonRejected counts pending and approved registrations.
	CountNonRejected CapacityPolicy = "non_rejected"
	// CountApprovedOnly counts approved registrations only; pending ones do not hold a slot.
	CountApprovedOnly CapacityPolicy = "approved"
)

// ParseCapacityPolicy accepts the configuration spelling of a policy. Empty means CountNonRejected.
func ParseCapacityPolicy(s string) (CapacityPolicy, error) {
	switch CapacityPolicy(s) {
	case "", CountNonRejected:
		return CountNonRejected, nil
	case CountApprovedOnly:
		return CountApprovedOnly, nil
	}
	return "", fmt.Errorf("unknown capacity policy %q", s)
}

// Counts reports whether a registration in status occupies a slot.
func (p CapacityPolicy) Counts(status RegistrationStatus) bool {
	switch status {
	case StatusApproved:
		return true
	case StatusPending:
		return p != CountApprovedOnly
	}
	return false
}

// CountedStatuses lists the statuses that occupy a slot, for storage queries.
func (p CapacityPolicy) CountedStatuses() []RegistrationStatus {
	if p == CountApprovedOnly {
		return []RegistrationStatus{StatusApproved}
	}
	return []RegistrationStatus{StatusPending, StatusApproved}
}

// Delta is the change to current_participants when a registration moves from one status to another.
func (p CapacityPolicy) Delta(from, to RegistrationStatus) int {
	d := 0
	if p.Counts(from) {
		d--
	}
	if p.Counts(to) {
		d++
	}
	return d
}
