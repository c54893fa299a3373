package lease

import (
	"fmt"
)

var allowedTransitions = map[Status][]Status{
	StatusDraft:           {StatusPendingTenant, StatusPendingLandlord, StatusExpired},
	StatusPendingTenant:   {StatusFullySigned, StatusExpired},
	StatusPendingLandlord: {StatusFullySigned, StatusExpired},
	StatusFullySigned:     {StatusActive, StatusExpired},
	StatusActive:          {StatusTerminated, StatusCompleted},
}

// ValidateTransition ensures the transition follows the lease state machine.
func ValidateTransition(current, next Status) error {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidTransition, current)
	}
	for _, status := range allowed {
		if status == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s is not permitted", ErrInvalidTransition, current, next)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	_, ok := allowedTransitions[s]
	return !ok
}

// AcceptsSignatures reports whether a party may still sign in this status.
func (s Status) AcceptsSignatures() bool {
	switch s {
	case StatusDraft, StatusPendingTenant, StatusPendingLandlord:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// expirable statuses are swept once the end date passes without activation.
var expirable = []Status{StatusDraft, StatusPendingTenant, StatusPendingLandlord, StatusFullySigned}
