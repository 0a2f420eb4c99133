package obd

import (
	"context"
	"time"
)

// Session is a live link to a vehicle through an adapter.
// A Session has exactly one owner at a time; it is never queried
// concurrently by two goroutines.
type Session interface {
	// Port returns the serial device the session was opened on.
	Port() string
	// ProtocolName returns the bus protocol reported by the adapter.
	ProtocolName() string
	// IsConnected reports whether the adapter and the ECU both responded
	// and the session has not been closed since.
	IsConnected() bool
	// Query reads one parameter. A reading the vehicle cannot supply comes
	// back with Valid == false, not as an error; errors are reserved for
	// failures of the link itself.
	Query(ctx context.Context, pid PID) (Reading, error)
	// Close releases the link. It may block and is safe to call while a
	// Query is in flight on another goroutine.
	Close() error
}

// OpenParams describes one OBD-level open attempt.
type OpenParams struct {
	Port     string
	BaudRate int
	Protocol string        // adapter protocol hint, e.g. "6" for ISO 15765-4 CAN
	Timeout  time.Duration // per-command response timeout
	Fast     bool          // fast init; off means the full explicit handshake
}

// Opener opens sessions. Open returns an error only for transport failures;
// an adapter that opened but did not reach the ECU returns a Session whose
// IsConnected is false.
type Opener interface {
	Open(ctx context.Context, p OpenParams) (Session, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, p OpenParams) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, p OpenParams) (Session, error) { return f(ctx, p) }
