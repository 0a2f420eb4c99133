package adapter

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Settler performs the raw open/hold/close cycle that lets a Bluetooth
// link finish coming up before protocol negotiation.
type Settler interface {
	Settle(ctx context.Context, device string, baud int) error
}

// SerialSettler settles a port by opening it with go.bug.st/serial.
type SerialSettler struct {
	Open func(name string, mode *serial.Mode) (io.Closer, error)
	Hold time.Duration
}

// NewSerialSettler returns a settler that holds the port open for hold.
func NewSerialSettler(hold time.Duration) *SerialSettler {
	return &SerialSettler{
		Open: func(name string, mode *serial.Mode) (io.Closer, error) { return serial.Open(name, mode) },
		Hold: hold,
	}
}

func (s *SerialSettler) Settle(ctx context.Context, device string, baud int) error {
	port, err := s.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}

	var holdErr error
	if s.Hold > 0 {
		t := time.NewTimer(s.Hold)
		select {
		case <-ctx.Done():
			holdErr = ctx.Err()
		case <-t.C:
		}
		t.Stop()
	}
	if err := port.Close(); err != nil && holdErr == nil {
		return fmt.Errorf("close %s: %w", device, err)
	}
	return holdErr
}

// NopSettler skips the settle cycle, for demo sessions.
type NopSettler struct{}

func (NopSettler) Settle(context.Context, string, int) error { return nil }
