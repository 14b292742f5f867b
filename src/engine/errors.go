package engine

import "errors"

// Error kinds surfaced by the reconciliation engine. Batch operations keep
// going past per-item failures, but ErrInsufficientPosition on a sell and
// any cash-translation failure are propagated to the caller because they
// mean the ledger no longer reflects reality.
var (
	// ErrInsufficientPosition is an oversell: a sell/close requested more
	// quantity than is open across every matching position.
	ErrInsufficientPosition = errors.New("engine: insufficient open position")

	// ErrAmbiguousMatch guards against multiple zero-quantity open
	// positions competing for the same close. Deterministic FIFO selection
	// should make this unreachable.
	ErrAmbiguousMatch = errors.New("engine: ambiguous position match")

	// ErrUnmatchedReference means cash translation was requested for an
	// instrument lacking a contract spec or other required reference data.
	ErrUnmatchedReference = errors.New("engine: unmatched reference data")

	// ErrValidationFailure marks a malformed transaction, e.g. option
	// fields on a stock row or a non-positive quantity.
	ErrValidationFailure = errors.New("engine: transaction validation failed")
)
