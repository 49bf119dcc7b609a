package model

import (
	"errors"
	"fmt"
)

// OrderStatus drives UNASSIGNED -> SCORING -> ASSIGNED -> (REASSIGNED | COMPLETED | FAILED).
type OrderStatus string

const (
	OrderUnassigned OrderStatus = "UNASSIGNED"
	OrderScoring    OrderStatus = "SCORING"
	OrderAssigned   OrderStatus = "ASSIGNED"
	OrderReassigned OrderStatus = "REASSIGNED"
	OrderCompleted  OrderStatus = "COMPLETED"
	OrderFailed     OrderStatus = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid order transition")

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderUnassigned: {OrderScoring, OrderFailed},
	OrderScoring:    {OrderAssigned, OrderUnassigned},
	OrderAssigned:   {OrderReassigned, OrderCompleted, OrderFailed},
	OrderReassigned: {OrderScoring, OrderUnassigned},
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns an error wrapping ErrInvalidTransition for illegal edges.
func Transition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Assignable reports whether an order in this state may enter scoring.
func (s OrderStatus) Assignable() bool {
	return s == OrderUnassigned || s == OrderReassigned
}
