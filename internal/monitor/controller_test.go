package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/adapter"
	"github.com/shaunagostinho/obdlog/internal/format"
	"github.com/shaunagostinho/obdlog/internal/obd"
)

type fakeSession struct {
	port      string
	connected atomic.Bool
	closes    atomic.Int32
	queries   atomic.Int32
}

func newFakeSession(port string) *fakeSession {
	s := &fakeSession{port: port}
	s.connected.Store(true)
	return s
}

func (f *fakeSession) Port() string         { return f.port }
func (f *fakeSession) ProtocolName() string { return "ISO 15765-4 (CAN 11/500)" }
func (f *fakeSession) IsConnected() bool    { return f.connected.Load() }
func (f *fakeSession) Close() error {
	f.closes.Add(1)
	f.connected.Store(false)
	return nil
}
func (f *fakeSession) Query(_ context.Context, pid obd.PID) (obd.Reading, error) {
	f.queries.Add(1)
	return obd.NewReading(pid, 1, true), nil
}

type staticScanner []adapter.Candidate

func (s staticScanner) Scan() ([]adapter.Candidate, error) { return s, nil }

// sessionConnector hands out queued sessions, failing when none are left.
type sessionConnector struct {
	mu       sync.Mutex
	sessions []*fakeSession
	seen     [][]adapter.Candidate
}

func (s *sessionConnector) Connect(ctx context.Context, cands []adapter.Candidate) (*adapter.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, cands)
	if len(cands) == 0 {
		return nil, &adapter.ConnectError{Reason: adapter.ErrNoPairedPorts}
	}
	if len(s.sessions) == 0 {
		return nil, &adapter.ConnectError{Reason: adapter.ErrNoResponsiveAdapter}
	}
	sess := s.sessions[0]
	s.sessions = s.sessions[1:]
	return &adapter.Connection{Session: sess, Candidate: cands[0]}, nil
}

func (s *sessionConnector) push(sess *fakeSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
}

type countingSink struct {
	n    atomic.Int32
	ends atomic.Int32
}

func (c *countingSink) Accept(acquire.Sample) error { c.n.Add(1); return nil }
func (c *countingSink) EndRun()                     { c.ends.Add(1) }

var paired = staticScanner{
	{Device: "COM5", MAC: adapter.ExtractMAC("&001DA5084912")},
	{Device: "COM6", MAC: adapter.ExtractMAC("&AABBCCDDEEFF")},
}

type harness struct {
	ctl    *Controller
	conn   *sessionConnector
	sink   *countingSink
	events chan Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{conn: &sessionConnector{}, sink: &countingSink{}, events: make(chan Event, 256)}
	if opts.Scanner == nil {
		opts.Scanner = paired
	}
	opts.Connector = h.conn
	opts.Sinks = []acquire.Sink{h.sink}
	opts.LoopConfig = func() acquire.Config {
		return acquire.Config{Parameters: obd.DefaultParameters, Period: 5 * time.Millisecond, Units: format.Metric}
	}
	h.ctl = New(opts)
	h.ctl.Subscribe(func(ev Event) {
		select {
		case h.events <- ev:
		default:
		}
	})
	t.Cleanup(func() { h.ctl.Close() })
	return h
}

func (h *harness) await(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func (h *harness) connect(t *testing.T) *fakeSession {
	t.Helper()
	sess := newFakeSession("COM5")
	h.conn.push(sess)
	require.NoError(t, h.ctl.Connect(""))
	h.await(t, EventConnected)
	return sess
}

func TestConnectReportsLink(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	st := h.ctl.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "COM5", st.Port)
	assert.Equal(t, "00:1D:A5:08:49:12", st.MAC)
	assert.Equal(t, "ISO 15765-4 (CAN 11/500)", st.Protocol)
	assert.ErrorIs(t, h.ctl.Connect(""), ErrAlreadyConnected)
}

func TestConnectChosenPort(t *testing.T) {
	h := newHarness(t, Options{})
	h.conn.push(newFakeSession("COM6"))
	require.NoError(t, h.ctl.Connect("COM6"))
	ev := h.await(t, EventConnected)
	assert.Equal(t, "COM6", ev.Port)
	require.Len(t, h.conn.seen, 1)
	assert.Len(t, h.conn.seen[0], 1)
}

func TestConnectUnknownPortFails(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.ctl.Connect("COM9"))
	ev := h.await(t, EventConnectFailed)
	assert.Contains(t, ev.Error, "COM9")
	assert.Equal(t, StateDisconnected, h.ctl.Status().State)
	assert.Empty(t, h.conn.seen)
}

func TestConnectNoPairedPorts(t *testing.T) {
	h := newHarness(t, Options{Scanner: staticScanner{}})
	require.NoError(t, h.ctl.Connect(""))
	ev := h.await(t, EventConnectFailed)
	assert.Equal(t, adapter.ErrNoPairedPorts.Error(), ev.Error)
	assert.Equal(t, adapter.ErrNoPairedPorts.Error(), h.ctl.Status().LastError)
}

func TestStartMonitoringNeedsConnection(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.ctl.StartMonitoring(), ErrNotConnected)
	assert.ErrorIs(t, h.ctl.StopMonitoring(), ErrNotMonitoring)
}

func TestStopMonitoringKeepsSession(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.connect(t)

	require.NoError(t, h.ctl.StartMonitoring())
	h.await(t, EventMonitoringStarted)
	assert.ErrorIs(t, h.ctl.StartMonitoring(), ErrAlreadyMonitoring)
	require.Eventually(t, func() bool { return h.sink.n.Load() >= 2 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.ctl.StopMonitoring())
	ev := h.await(t, EventMonitoringStopped)
	assert.Equal(t, "cancelled", ev.Detail)

	st := h.ctl.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "cancelled", st.LastOutcome)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, int32(0), sess.closes.Load())
	assert.Equal(t, int32(1), h.sink.ends.Load())

	// the same session can be lent again
	require.NoError(t, h.ctl.StartMonitoring())
	h.await(t, EventMonitoringStarted)
}

func TestConnectionLostReleasesSession(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.connect(t)

	require.NoError(t, h.ctl.StartMonitoring())
	require.Eventually(t, func() bool { return h.sink.n.Load() >= 1 }, 2*time.Second, time.Millisecond)
	sess.connected.Store(false)

	ev := h.await(t, EventMonitoringStopped)
	assert.Equal(t, "connection_lost", ev.Detail)
	h.await(t, EventDisconnected)
	assert.Equal(t, StateDisconnected, h.ctl.Status().State)
	require.Eventually(t, func() bool { return sess.closes.Load() == 1 }, time.Second, time.Millisecond)
}

func TestReconnectResumesMonitoring(t *testing.T) {
	h := newHarness(t, Options{Reconnect: true, ReconnectBase: time.Millisecond, ReconnectMax: 4 * time.Millisecond})
	first := h.connect(t)

	require.NoError(t, h.ctl.StartMonitoring())
	h.await(t, EventMonitoringStarted)
	first.connected.Store(false)

	// first retry finds nothing, the next one gets a fresh session
	h.await(t, EventReconnecting)
	second := newFakeSession("COM5")
	h.conn.push(second)

	h.await(t, EventConnected)
	h.await(t, EventMonitoringStarted)
	require.Eventually(t, func() bool { return second.queries.Load() > 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateMonitoring, h.ctl.Status().State)
}

func TestDisconnectWhileMonitoring(t *testing.T) {
	h := newHarness(t, Options{Reconnect: true})
	sess := h.connect(t)

	require.NoError(t, h.ctl.StartMonitoring())
	h.await(t, EventMonitoringStarted)
	require.NoError(t, h.ctl.Disconnect())

	h.await(t, EventMonitoringStopped)
	h.await(t, EventDisconnected)
	assert.Equal(t, StateDisconnected, h.ctl.Status().State)
	require.Eventually(t, func() bool { return sess.closes.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestDisconnectWhileConnected(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.connect(t)

	require.NoError(t, h.ctl.Disconnect())
	h.await(t, EventDisconnected)
	require.Eventually(t, func() bool { return sess.closes.Load() == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, h.ctl.Disconnect())
}

func TestDisconnectCancelsPendingConnect(t *testing.T) {
	h := newHarness(t, Options{})
	started := make(chan struct{})
	h.ctl.opts.Connector = ConnectorFunc(func(ctx context.Context, _ []adapter.Candidate) (*adapter.Connection, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, h.ctl.Connect(""))
	<-started
	assert.ErrorIs(t, h.ctl.Connect(""), ErrBusy)
	require.NoError(t, h.ctl.Disconnect())
	h.await(t, EventDisconnected)
	assert.Equal(t, StateDisconnected, h.ctl.Status().State)
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, Options{})
	sess := h.connect(t)
	require.NoError(t, h.ctl.StartMonitoring())
	h.await(t, EventMonitoringStarted)

	require.NoError(t, h.ctl.Close())
	assert.GreaterOrEqual(t, sess.closes.Load(), int32(1))
	assert.ErrorIs(t, h.ctl.Connect(""), ErrClosed)
	assert.True(t, errors.Is(h.ctl.StartMonitoring(), ErrClosed))
}
