package core

import (
	"CoverLedger/internal/state"
)

// Latch names a re-entrancy guard.
type Latch uint8

const (
	// LatchOperation is held by Process for the whole of an operation.
	LatchOperation Latch = iota
	LatchProviderLeaving
	LatchHistoricalLeaving
	latchCount
)

// OperationGuard rejects an operation that re-enters a path already in
// flight, e.g. a token callback that calls exit while an exit is settling.
// Not thread-safe: the core is single-threaded.
type OperationGuard struct {
	held [latchCount]bool
}

// Acquire takes l. The returned release must run on every exit path; it is
// safe to call more than once.
func (g *OperationGuard) Acquire(l Latch) (release func(), err error) {
	if g.held[l] {
		return nil, latchError(l)
	}
	g.held[l] = true
	released := false
	return func() {
		if !released {
			released = true
			g.held[l] = false
		}
	}, nil
}

// Held reports whether l is currently taken.
func (g *OperationGuard) Held(l Latch) bool {
	return g.held[l]
}

func latchError(l Latch) error {
	switch l {
	case LatchOperation:
		return state.ErrOperationInProgress
	case LatchHistoricalLeaving:
		return state.ErrHistoricalProviderLeavingInProgress
	default:
		return state.ErrProviderLeavingInProgress
	}
}
