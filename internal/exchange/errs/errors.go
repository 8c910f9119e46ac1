// Package errs defines the admission and matching error taxonomy shared by
// the order service, the matching engine, and the transport layer.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrOrderNotFound is returned for lookups of unknown order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrKeyClaimed is returned by the persistence layer when an
	// idempotency key insert loses a uniqueness race.
	ErrKeyClaimed = errors.New("idempotency key already claimed")

	// ErrEngineStopped is returned when an order is submitted after the
	// engine's sequencer has shut down.
	ErrEngineStopped = errors.New("matching engine stopped")
)

// ReasonNoLiquidity is the recorded rejection reason for a market order
// that found no opposite liquidity.
const ReasonNoLiquidity = "no liquidity"

// ValidationError carries every rule an admission request violated, not
// just the first one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, ", ")
}

// IdempotencyConflictError signals that a key was reused while its TTL is
// still active. It references the order the key originally created.
type IdempotencyConflictError struct {
	Key     string
	OrderID uuid.UUID
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used for order %s", e.Key, e.OrderID)
}

// InvalidTransitionError reports an attempt to move an order along an edge
// that is not part of the status state machine.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
