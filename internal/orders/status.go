package orders

import "fmt"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusFailed    Status = "FAILED"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusPaid: true, StatusFailed: true, StatusCancelled: true},
	StatusPaid:      {StatusShipped: true, StatusCancelled: true},
	StatusFailed:    {StatusCancelled: true},
	StatusShipped:   {StatusDelivered: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// IsTerminal: no transition leaves DELIVERED or CANCELLED.
func (s Status) IsTerminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// Revenue reports whether an order in this state counts as money taken.
func (s Status) Revenue() bool {
	return s == StatusPaid || s == StatusShipped || s == StatusDelivered
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Transition checks a move from -> to. Moving to the current state is a no-op
// (changed=false) so replayed outcomes and callbacks are harmless.
func Transition(from, to Status) (changed bool, err error) {
	if !to.Valid() {
		return false, &InvalidTransitionError{From: from, To: to}
	}
	if from == to {
		return false, nil
	}
	if !CanTransition(from, to) {
		return false, &InvalidTransitionError{From: from, To: to}
	}
	return true, nil
}

// Statuses lists every state in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusPaid, StatusFailed, StatusShipped, StatusDelivered, StatusCancelled}
}
