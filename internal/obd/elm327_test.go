package obd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort answers ELM327 commands from a script.
type fakePort struct {
	mu       sync.Mutex
	replies  map[string]string
	pending  bytes.Buffer
	written  []string
	closed   bool
	writeErr error
}

func newFakePort(replies map[string]string) *fakePort {
	return &fakePort{replies: replies}
}

func (f *fakePort) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("write /dev/rfcomm0: file already closed")
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	cmd := strings.TrimSpace(string(b))
	f.written = append(f.written, cmd)
	if reply, ok := f.replies[cmd]; ok {
		f.pending.WriteString(reply + "\r\r>")
	}
	return len(b), nil
}

func (f *fakePort) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("read /dev/rfcomm0: file already closed")
	}
	if f.pending.Len() == 0 {
		return 0, nil
	}
	return f.pending.Read(b)
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error            { return nil }

func (f *fakePort) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func healthyReplies() map[string]string {
	return map[string]string{
		"ATZ":   "ELM327 v1.5",
		"ATE0":  "ATE0\rOK",
		"ATL0":  "OK",
		"ATH0":  "OK",
		"ATSP6": "OK",
		"0100":  "SEARCHING...\r41 00 BE 3F A8 13",
		"ATDP":  "ISO 15765-4 (CAN 11/500)",
		"0105":  "41 05 85",
		"010C":  "41 0C 0B D6",
		"0111":  "41 11 23",
		"010D":  "41 0D 32",
		"012F":  "NO DATA",
		"010F":  "41 0F 46",
		"0146":  "?",
		"0104":  "41 04 33",
	}
}

func openFake(t *testing.T, port *fakePort, p OpenParams) (Session, error) {
	t.Helper()
	o := &ELM327Opener{OpenPort: func(string, *serial.Mode) (Port, error) { return port, nil }}
	if p.Port == "" {
		p.Port = "/dev/rfcomm0"
	}
	if p.Timeout == 0 {
		p.Timeout = 50 * time.Millisecond
	}
	return o.Open(context.Background(), p)
}

func TestELM327HandshakeConnects(t *testing.T) {
	port := newFakePort(healthyReplies())
	s, err := openFake(t, port, OpenParams{BaudRate: 38400, Protocol: "6"})
	require.NoError(t, err)

	assert.True(t, s.IsConnected())
	assert.Equal(t, "ISO 15765-4 (CAN 11/500)", s.ProtocolName())
	assert.Equal(t, []string{"ATZ", "ATE0", "ATL0", "ATH0", "ATSP6", "0100", "ATDP"}, port.commands())
}

func TestELM327NoECUReportsNotConnected(t *testing.T) {
	replies := healthyReplies()
	replies["0100"] = "UNABLE TO CONNECT"
	s, err := openFake(t, newFakePort(replies), OpenParams{Protocol: "6"})
	require.NoError(t, err)
	assert.False(t, s.IsConnected())
}

func TestELM327SilentAdapterReportsNotConnected(t *testing.T) {
	s, err := openFake(t, newFakePort(map[string]string{}), OpenParams{Protocol: "6"})
	require.NoError(t, err)
	assert.False(t, s.IsConnected())
}

func TestELM327OpenFailureIsError(t *testing.T) {
	o := &ELM327Opener{OpenPort: func(string, *serial.Mode) (Port, error) {
		return nil, errors.New("port busy")
	}}
	_, err := o.Open(context.Background(), OpenParams{Port: "COM4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COM4")
}

func TestELM327WriteFailureIsError(t *testing.T) {
	port := newFakePort(healthyReplies())
	port.writeErr = errors.New("timeout")
	_, err := openFake(t, port, OpenParams{Protocol: "6"})
	require.Error(t, err)
	assert.True(t, port.closed)
}

func TestELM327QueryDecodes(t *testing.T) {
	s, err := openFake(t, newFakePort(healthyReplies()), OpenParams{Protocol: "6"})
	require.NoError(t, err)
	ctx := context.Background()

	r, err := s.Query(ctx, CoolantTemp)
	require.NoError(t, err)
	assert.Equal(t, Reading{PID: CoolantTemp, Value: 93, Integral: true, Unit: UnitCelsius, Valid: true}, r)

	r, err = s.Query(ctx, RPM)
	require.NoError(t, err)
	assert.InDelta(t, 757.5, r.Value, 1e-9)
	assert.False(t, r.Integral)

	r, err = s.Query(ctx, Speed)
	require.NoError(t, err)
	assert.Equal(t, 50.0, r.Value)

	r, err = s.Query(ctx, ThrottlePos)
	require.NoError(t, err)
	assert.InDelta(t, 13.725, r.Value, 1e-3)
}

func TestELM327QueryNullReplies(t *testing.T) {
	s, err := openFake(t, newFakePort(healthyReplies()), OpenParams{Protocol: "6"})
	require.NoError(t, err)

	for _, pid := range []PID{FuelLevel, AmbientAirTemp} {
		r, err := s.Query(context.Background(), pid)
		require.NoError(t, err)
		assert.False(t, r.Valid, pid)
		assert.Equal(t, pid, r.PID)
	}
}

func TestELM327FastModeAppendsResponseCount(t *testing.T) {
	replies := healthyReplies()
	replies["01051"] = "41 05 85"
	port := newFakePort(replies)
	s, err := openFake(t, port, OpenParams{Protocol: "6", Fast: true})
	require.NoError(t, err)

	r, err := s.Query(context.Background(), CoolantTemp)
	require.NoError(t, err)
	assert.True(t, r.Valid)
	cmds := port.commands()
	assert.Equal(t, "01051", cmds[len(cmds)-1])
}

func TestELM327CloseDisconnects(t *testing.T) {
	port := newFakePort(healthyReplies())
	s, err := openFake(t, port, OpenParams{Protocol: "6"})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
	assert.True(t, port.closed)

	r, err := s.Query(context.Background(), RPM)
	require.NoError(t, err)
	assert.False(t, r.Valid)
}

func TestELM327DeviceLossClosesSession(t *testing.T) {
	port := newFakePort(healthyReplies())
	s, err := openFake(t, port, OpenParams{Protocol: "6"})
	require.NoError(t, err)

	port.mu.Lock()
	port.closed = true
	port.mu.Unlock()

	r, err := s.Query(context.Background(), RPM)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.False(t, s.IsConnected())
}

func TestFindData(t *testing.T) {
	data, ok := findData("7E8 03 41 0D 32", 0x0D)
	assert.False(t, ok, "headers are off, 3-digit ids do not decode")
	assert.Nil(t, data)

	data, ok = findData("41 0D 32\n41 0D 33", 0x0D)
	require.True(t, ok)
	assert.Equal(t, []byte{0x32}, data)
}
