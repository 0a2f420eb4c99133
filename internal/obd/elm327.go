package obd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// status tracks how far the handshake got, like python-OBD's
// NOT_CONNECTED / ELM_CONNECTED / CAR_CONNECTED ladder.
type status int32

const (
	statusNotConnected status = iota
	statusPortOpen
	statusELMConnected
	statusCarConnected
)

const (
	prompt         = '>'
	drainSilence   = 100 * time.Millisecond
	drainTimeout   = 1500 * time.Millisecond
	resetSettle    = 500 * time.Millisecond // ATZ reboots the chip; it ignores input meanwhile
	defaultTimeout = 5 * time.Second
)

var errSessionClosed = errors.New("session closed")

// errorReplies are adapter answers that mean "no value", not "link broken".
var errorReplies = []string{
	"NO DATA", "UNABLE TO CONNECT", "CAN ERROR", "BUS ERROR", "BUS BUSY",
	"BUS INIT", "DATA ERROR", "FB ERROR", "STOPPED", "ERROR", "?",
}

// Port is the part of serial.Port the ELM327 session uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortOpener opens a serial device.
type PortOpener func(name string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial device with go.bug.st/serial.
func OpenSerial(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

// ELM327Opener opens sessions against ELM327-compatible adapters.
type ELM327Opener struct {
	OpenPort PortOpener
	// ResetSettle is how long to wait after ATZ before talking to the chip.
	ResetSettle time.Duration
}

// NewELM327Opener returns an opener backed by real serial devices.
func NewELM327Opener() *ELM327Opener {
	return &ELM327Opener{OpenPort: OpenSerial, ResetSettle: resetSettle}
}

// Open runs the full handshake: reset, echo/linefeed/header off, protocol
// select, then 0100 to reach the ECU. Serial and I/O failures are returned
// as errors; an adapter or ECU that does not answer yields a Session that
// reports IsConnected() == false.
func (o *ELM327Opener) Open(ctx context.Context, p OpenParams) (Session, error) {
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	openPort := o.OpenPort
	if openPort == nil {
		openPort = OpenSerial
	}
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(p.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("elm327: failed to open %s: %w", p.Port, err)
	}
	if err := port.SetReadTimeout(p.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("elm327: failed to set timeout: %w", err)
	}

	s := &ELM327{port: port, name: p.Port, timeout: p.Timeout, fast: p.Fast}
	s.status.Store(int32(statusPortOpen))

	logger := log.With().Str("component", "elm327").Str("port", p.Port).Logger()
	logger.Debug().Int("baud", p.BaudRate).Str("protocol", p.Protocol).Bool("fast", p.Fast).Msg("port opened")

	if err := s.handshake(ctx, p.Protocol, o.ResetSettle); err != nil {
		s.Close()
		return nil, err
	}
	logger.Debug().Str("status", s.statusName()).Str("bus", s.protocolName).Msg("handshake finished")
	return s, nil
}

// ELM327 is a Session over an ELM327 text-protocol adapter.
type ELM327 struct {
	port    Port
	name    string
	timeout time.Duration
	fast    bool

	mu           sync.Mutex // serialises command/response exchanges
	status       atomic.Int32
	closeOnce    sync.Once
	closeErr     error
	protocolName string
}

func (s *ELM327) handshake(ctx context.Context, protocol string, settle time.Duration) error {
	s.drain()

	if _, err := s.command("ATZ"); err != nil {
		return fmt.Errorf("elm327: reset: %w", err)
	}
	if settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settle):
		}
		s.drain()
	}

	for _, cmd := range []string{"ATE0", "ATL0", "ATH0"} {
		resp, err := s.command(cmd)
		if err != nil {
			return fmt.Errorf("elm327: %s: %w", cmd, err)
		}
		if !isOK(resp) {
			log.Debug().Str("component", "elm327").Str("cmd", cmd).Str("reply", resp).Msg("adapter did not acknowledge")
			return nil
		}
	}
	s.status.Store(int32(statusELMConnected))

	if protocol == "" {
		protocol = "0"
	}
	resp, err := s.command("ATSP" + protocol)
	if err != nil {
		return fmt.Errorf("elm327: ATSP%s: %w", protocol, err)
	}
	if !isOK(resp) {
		log.Debug().Str("component", "elm327").Str("protocol", protocol).Str("reply", resp).Msg("protocol rejected")
		return nil
	}

	resp, err = s.command("0100")
	if err != nil {
		return fmt.Errorf("elm327: 0100: %w", err)
	}
	if _, ok := findData(resp, 0x00); !ok {
		log.Debug().Str("component", "elm327").Str("reply", resp).Msg("ECU did not answer 0100")
		return nil
	}

	if name, err := s.command("ATDP"); err == nil {
		s.protocolName = strings.TrimPrefix(strings.TrimSpace(name), "AUTO, ")
	}
	s.status.Store(int32(statusCarConnected))
	return nil
}

func (s *ELM327) Port() string         { return s.name }
func (s *ELM327) ProtocolName() string { return s.protocolName }

func (s *ELM327) IsConnected() bool {
	return status(s.status.Load()) == statusCarConnected
}

func (s *ELM327) statusName() string {
	switch status(s.status.Load()) {
	case statusPortOpen:
		return "port-open"
	case statusELMConnected:
		return "elm-connected"
	case statusCarConnected:
		return "car-connected"
	default:
		return "not-connected"
	}
}

// Query sends a mode 01 request for pid. Adapter error replies give a null
// reading. A serial disconnection closes the session and also gives a null
// reading, so the caller notices the loss on its next IsConnected check.
func (s *ELM327) Query(ctx context.Context, pid PID) (Reading, error) {
	d, ok := Lookup(pid)
	if !ok {
		return Reading{}, fmt.Errorf("elm327: unknown parameter %q", pid)
	}
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	if !s.IsConnected() {
		return NullReading(pid), nil
	}

	cmd := fmt.Sprintf("01%02X", d.Code)
	if s.fast {
		cmd += "1"
	}
	resp, err := s.command(cmd)
	if err != nil {
		if isDisconnection(err) {
			log.Warn().Str("component", "elm327").Str("port", s.name).Err(err).Msg("adapter disconnected")
			s.Close()
			return NullReading(pid), nil
		}
		return Reading{}, fmt.Errorf("elm327: query %s: %w", pid, err)
	}
	if isErrorReply(resp) {
		return NullReading(pid), nil
	}
	data, ok := findData(resp, d.Code)
	if !ok {
		return NullReading(pid), nil
	}
	r, err := Decode(pid, data)
	if err != nil {
		return NullReading(pid), nil
	}
	return r, nil
}

// Close marks the session not connected and releases the port. Closing the
// port unblocks a Read in progress on another goroutine.
func (s *ELM327) Close() error {
	s.closeOnce.Do(func() {
		s.status.Store(int32(statusNotConnected))
		s.closeErr = s.port.Close()
		log.Debug().Str("component", "elm327").Str("port", s.name).Msg("closed")
	})
	return s.closeErr
}

// command writes cmd and collects the reply up to the '>' prompt.
func (s *ELM327) command(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status(s.status.Load()) == statusNotConnected {
		return "", errSessionClosed
	}
	if _, err := s.port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write failed: %w", err)
	}

	var resp bytes.Buffer
	buf := make([]byte, 128)
	deadline := time.Now().Add(s.timeout)
	for time.Now().Before(deadline) {
		n, err := s.port.Read(buf)
		if n > 0 {
			resp.Write(buf[:n])
			if bytes.IndexByte(buf[:n], prompt) >= 0 {
				return cleanReply(resp.String(), cmd), nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("read failed after %d bytes: %w", resp.Len(), err)
		}
		if n == 0 {
			break // read timeout with nothing pending
		}
	}
	if resp.Len() == 0 {
		return "", nil
	}
	return cleanReply(resp.String(), cmd), nil
}

// drain discards stale bytes until the line goes quiet.
func (s *ELM327) drain() {
	s.port.ResetInputBuffer()
	s.port.SetReadTimeout(drainSilence)
	defer s.port.SetReadTimeout(s.timeout)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := s.port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		log.Debug().Str("component", "elm327").Int("bytes", total).Msg("drained stale input")
	}
}

// cleanReply strips the prompt, a command echo and SEARCHING... banners
// and joins the remaining lines with newlines.
func cleanReply(raw, cmd string) string {
	raw = strings.ReplaceAll(raw, string(prompt), "")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == cmd || strings.HasPrefix(line, "SEARCHING") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func isOK(resp string) bool {
	return strings.Contains(resp, "OK")
}

func isErrorReply(resp string) bool {
	upper := strings.ToUpper(resp)
	for _, e := range errorReplies {
		if strings.HasPrefix(upper, e) {
			return true
		}
	}
	return false
}

// findData returns the data bytes following "41 <code>" in the first reply
// line that carries them.
func findData(resp string, code byte) ([]byte, bool) {
	for _, line := range strings.Split(resp, "\n") {
		raw, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
		if err != nil {
			continue
		}
		for i := 0; i+1 < len(raw); i++ {
			if raw[i] == 0x41 && raw[i+1] == code {
				return raw[i+2:], true
			}
		}
	}
	return nil, false
}

// isDisconnection reports whether err means the device went away.
func isDisconnection(err error) bool {
	if errors.Is(err, errSessionClosed) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device not configured") ||
		strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "file already closed")
}
