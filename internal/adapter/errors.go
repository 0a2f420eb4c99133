package adapter

import (
	"errors"
	"fmt"
)

// Terminal negotiation failures. Callers match them with errors.Is.
var (
	ErrNoPairedPorts       = errors.New("no paired Bluetooth ports found")
	ErrNoResponsiveAdapter = errors.New("no responsive OBD-II adapter found")
)

// Outcome classifies a single connection attempt.
type Outcome int

const (
	// OutcomeConnected: the session reached the ECU.
	OutcomeConnected Outcome = iota
	// OutcomePortUnavailable: the settle step could not open the raw port.
	// The candidate is skipped without using its attempt budget.
	OutcomePortUnavailable
	// OutcomeNotResponsive: the session opened but the adapter or ECU did
	// not answer.
	OutcomeNotResponsive
	// OutcomeTransportError: opening the session failed with an I/O error
	// or timeout.
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomePortUnavailable:
		return "port_unavailable"
	case OutcomeNotResponsive:
		return "not_responsive"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Attempt records one step against one port. Number is 0 for the settle
// step and 1..MaxAttempts for negotiation attempts.
type Attempt struct {
	Port    string
	MAC     MAC
	Number  int
	Outcome Outcome
	Err     error
}

// ConnectError is returned when negotiation gives up.
type ConnectError struct {
	Reason   error // ErrNoPairedPorts or ErrNoResponsiveAdapter
	Attempts []Attempt
}

func (e *ConnectError) Error() string {
	if len(e.Attempts) == 0 {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%v after %d attempts", e.Reason, len(e.Attempts))
}

func (e *ConnectError) Unwrap() error { return e.Reason }
