package syncsession

import (
	"io"
	"log/slog"
)

// WarningKind classifies advisory warnings about unsafe session use.
type WarningKind int

const (
	// WarningUnguardedAccess is emitted when the payload is read or written
	// without holding the session lock.
	WarningUnguardedAccess WarningKind = iota + 1
	// WarningDiscardedWrites is emitted when a guarded scope starts while
	// unguarded writes are pending. The fresh load replaces them.
	WarningDiscardedWrites
)

func (k WarningKind) String() string {
	switch k {
	case WarningUnguardedAccess:
		return "unguarded_access"
	case WarningDiscardedWrites:
		return "discarded_writes"
	default:
		return "unknown"
	}
}

// Warning is a non-fatal diagnostic. It never interrupts the operation that
// produced it.
type Warning struct {
	Kind      WarningKind
	SessionID string
	Message   string
}

const (
	unguardedAccessMsg = "session accessed without holding the session lock"
	discardedWritesMsg = "entering a guarded scope while unflushed unguarded writes exist, they will be discarded"
)

// newNopLogger returns a logger that discards everything.
func newNopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
