package adapter

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestSerialSettlerOpensHoldsCloses(t *testing.T) {
	var gotMode *serial.Mode
	port := &closeCounter{}
	s := &SerialSettler{
		Open: func(name string, mode *serial.Mode) (io.Closer, error) {
			gotMode = mode
			return port, nil
		},
		Hold: time.Millisecond,
	}

	require.NoError(t, s.Settle(context.Background(), "COM5", 38400))
	assert.Equal(t, 38400, gotMode.BaudRate)
	assert.Equal(t, 8, gotMode.DataBits)
	assert.Equal(t, 1, port.n)
}

func TestSerialSettlerOpenFailure(t *testing.T) {
	s := &SerialSettler{Open: func(string, *serial.Mode) (io.Closer, error) {
		return nil, &serial.PortError{}
	}}
	err := s.Settle(context.Background(), "COM5", 38400)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open COM5")
}

func TestSerialSettlerClosesOnCancel(t *testing.T) {
	port := &closeCounter{}
	s := &SerialSettler{
		Open: func(string, *serial.Mode) (io.Closer, error) { return port, nil },
		Hold: time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Settle(ctx, "COM5", 38400)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, port.n)
}
