// Package monitor owns the connection and acquisition workers and the
// session handed between them.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/obdlog/internal/acquire"
	"github.com/shaunagostinho/obdlog/internal/adapter"
	"github.com/shaunagostinho/obdlog/internal/obd"
)

// Scanner lists candidate ports.
type Scanner interface {
	Scan() ([]adapter.Candidate, error)
}

// Connector negotiates a session with the first responsive candidate.
type Connector interface {
	Connect(ctx context.Context, candidates []adapter.Candidate) (*adapter.Connection, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, candidates []adapter.Candidate) (*adapter.Connection, error)

func (f ConnectorFunc) Connect(ctx context.Context, c []adapter.Candidate) (*adapter.Connection, error) {
	return f(ctx, c)
}

// Recorder receives controller metrics. *metrics.Metrics implements it.
type Recorder interface {
	ObserveSample(s acquire.Sample, seconds float64)
	ObserveSinkError()
	ObserveRun(res acquire.Result)
	SetConnected(on bool)
	SetMonitoring(on bool)
}

// runEnder is implemented by sinks that want to know a run finished.
type runEnder interface {
	EndRun()
}

// Options configures a Controller.
type Options struct {
	Scanner   Scanner
	Connector Connector
	// LoopConfig is read at every StartMonitoring so config changes apply
	// to the next run.
	LoopConfig func() acquire.Config
	Sinks      []acquire.Sink
	Recorder   Recorder // optional

	// Reconnect re-runs negotiation after a lost connection with
	// exponential backoff from ReconnectBase up to ReconnectMax, then
	// resumes monitoring.
	Reconnect     bool
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Controller runs negotiation and acquisition on their own goroutines and
// reports results as events. Exactly one party owns the session at any
// time: the controller while connected, the acquisition loop while
// monitoring.
type Controller struct {
	opts Options
	log  zerolog.Logger

	mu            sync.Mutex
	state         State
	closed        bool
	device        string              // requested port, "" for auto
	conn          *adapter.Connection // nil while lent to the loop
	lent          *adapter.Connection // held only to close it on Disconnect
	link          adapter.Candidate
	protocol      string
	runID         string
	samples       int
	lastOutcome   string
	lastErr       string
	dropOnStop    bool
	cancelConnect context.CancelFunc
	cancelRun     context.CancelFunc

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates an idle controller.
func New(opts Options) *Controller {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 60 * time.Second
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Controller{
		opts:  opts,
		log:   log.With().Str("component", "monitor").Logger(),
		state: StateDisconnected,
		subs:  make(map[int]func(Event)),
		ctx:   ctx,
		stop:  stop,
	}
}

// Subscribe registers fn for every event. fn runs on a worker goroutine
// and must not block. The returned func unsubscribes.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Controller) emit(ev Event) {
	ev.Time = time.Now()
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Scan lists the paired Bluetooth candidates currently visible.
func (c *Controller) Scan() ([]adapter.Candidate, error) {
	return c.opts.Scanner.Scan()
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:       c.state,
		RunID:       c.runID,
		Samples:     c.samples,
		LastOutcome: c.lastOutcome,
		LastError:   c.lastErr,
	}
	if c.state == StateConnected || c.state == StateMonitoring {
		st.Port, st.MAC, st.Protocol = c.link.Device, c.link.MAC.String(), c.protocol
	}
	return st
}

// Connect starts negotiation in the background and returns at once. An
// empty device tries every candidate in scan order; otherwise only the
// named paired port is tried. The outcome arrives as EventConnected or
// EventConnectFailed.
func (c *Controller) Connect(device string) error {
	c.mu.Lock()
	if err := c.checkIdle(); err != nil {
		c.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.state, c.device, c.cancelConnect, c.lastErr = StateConnecting, device, cancel, ""
	c.mu.Unlock()

	c.emit(Event{Kind: EventConnecting, Port: device})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.negotiate(ctx, device)
		c.finishConnect(ctx, conn, err, false)
	}()
	return nil
}

func (c *Controller) checkIdle() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state == StateConnecting:
		return ErrBusy
	case c.state == StateConnected:
		return ErrAlreadyConnected
	case c.state == StateMonitoring:
		return ErrAlreadyMonitoring
	}
	return nil
}

func (c *Controller) negotiate(ctx context.Context, device string) (*adapter.Connection, error) {
	candidates, err := c.opts.Scanner.Scan()
	if err != nil {
		return nil, err
	}
	if device != "" {
		var picked []adapter.Candidate
		for _, cand := range candidates {
			if cand.Device == device {
				picked = append(picked, cand)
			}
		}
		if len(picked) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPort, device)
		}
		candidates = picked
	}
	return c.opts.Connector.Connect(ctx, candidates)
}

// finishConnect takes ownership of conn. It runs on the negotiation
// goroutine.
func (c *Controller) finishConnect(ctx context.Context, conn *adapter.Connection, err error, resume bool) {
	c.mu.Lock()
	cancelled := ctx.Err() != nil
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	if c.closed || cancelled {
		c.state = StateDisconnected
		c.mu.Unlock()
		if conn != nil {
			c.closeSession(conn.Session)
		}
		c.emit(Event{Kind: EventDisconnected, Detail: "connect cancelled"})
		return
	}
	if err != nil {
		c.state, c.lastErr = StateDisconnected, err.Error()
		device := c.device
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("port", device).Msg("connect failed")
		c.emit(Event{Kind: EventConnectFailed, Port: device, Error: err.Error()})
		return
	}
	c.state, c.conn, c.link, c.protocol = StateConnected, conn, conn.Candidate, conn.Session.ProtocolName()
	c.mu.Unlock()

	c.log.Info().Str("port", conn.Candidate.Device).Str("mac", conn.Candidate.MAC.String()).
		Str("protocol", c.protocol).Msg("connected")
	if c.opts.Recorder != nil {
		c.opts.Recorder.SetConnected(true)
	}
	c.emit(Event{Kind: EventConnected, Port: conn.Candidate.Device, Detail: conn.Candidate.MAC.String()})

	if resume {
		if err := c.StartMonitoring(); err != nil {
			c.log.Warn().Err(err).Msg("resume monitoring after reconnect")
		}
	}
}

// StartMonitoring lends the session to a new acquisition loop.
func (c *Controller) StartMonitoring() error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateMonitoring:
		c.mu.Unlock()
		return ErrAlreadyMonitoring
	case c.state != StateConnected:
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.conn, c.lent = nil, conn
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelRun = cancel
	c.state, c.samples, c.runID, c.lastOutcome, c.lastErr = StateMonitoring, 0, "", "", ""
	loop := acquire.New(c.opts.LoopConfig(), c.sink())
	c.mu.Unlock()

	if c.opts.Recorder != nil {
		c.opts.Recorder.SetMonitoring(true)
	}
	c.emit(Event{Kind: EventMonitoringStarted, Port: conn.Candidate.Device})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := loop.Run(ctx, conn.Session)
		cancel()
		c.finishRun(conn, res)
	}()
	return nil
}

// StopMonitoring asks the loop to stop at its next tick boundary. The
// session stays connected; EventMonitoringStopped follows.
func (c *Controller) StopMonitoring() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateMonitoring || c.cancelRun == nil {
		return ErrNotMonitoring
	}
	c.cancelRun()
	return nil
}

// finishRun takes the session back from the loop.
func (c *Controller) finishRun(conn *adapter.Connection, res acquire.Result) {
	for _, s := range c.opts.Sinks {
		if e, ok := s.(runEnder); ok {
			e.EndRun()
		}
	}
	if c.opts.Recorder != nil {
		c.opts.Recorder.SetMonitoring(false)
		c.opts.Recorder.ObserveRun(res)
	}

	c.mu.Lock()
	c.cancelRun, c.lent = nil, nil
	c.runID, c.lastOutcome = res.RunID.String(), res.Outcome.String()
	if res.Err != nil {
		c.lastErr = res.Err.Error()
	}
	stopped := Event{Kind: EventMonitoringStopped, Port: conn.Candidate.Device, Detail: res.Outcome.String()}
	if res.Err != nil {
		stopped.Error = res.Err.Error()
	}

	keep := res.Outcome == acquire.CancelledByCaller && !c.dropOnStop && !c.closed
	reconnect := !keep && !c.dropOnStop && !c.closed && c.opts.Reconnect
	c.dropOnStop = false

	if keep {
		c.conn, c.state = conn, StateConnected
		c.mu.Unlock()
		c.emit(stopped)
		return
	}

	// lost, failed or dropped: the session is released
	c.state = StateDisconnected
	var rctx context.Context
	if reconnect {
		var cancel context.CancelFunc
		rctx, cancel = context.WithCancel(c.ctx)
		c.state, c.cancelConnect = StateConnecting, cancel
	}
	device := c.device
	c.mu.Unlock()

	c.closeSession(conn.Session)
	if c.opts.Recorder != nil {
		c.opts.Recorder.SetConnected(false)
	}
	c.emit(stopped)
	c.emit(Event{Kind: EventDisconnected, Port: conn.Candidate.Device, Detail: res.Outcome.String()})

	if reconnect {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.reconnect(rctx, device)
		}()
	}
}

// reconnect retries negotiation with exponential backoff until it
// succeeds or is cancelled, then resumes monitoring.
func (c *Controller) reconnect(ctx context.Context, device string) {
	delay := c.opts.ReconnectBase
	for attempt := 1; ; attempt++ {
		c.emit(Event{Kind: EventReconnecting, Port: device, Detail: fmt.Sprintf("attempt %d", attempt)})
		conn, err := c.negotiate(ctx, device)
		if err == nil || ctx.Err() != nil {
			c.finishConnect(ctx, conn, err, true)
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("reconnect failed")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.finishConnect(ctx, nil, ctx.Err(), false)
			return
		case <-t.C:
		}
		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}

// Disconnect cancels a pending connect, stops monitoring and releases the
// session. Closing happens on its own goroutine and may overlap a tick in
// flight; the loop sees the closed session at its next boundary.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		if c.cancelConnect != nil {
			c.cancelConnect()
		}
		c.mu.Unlock()
	case StateConnected:
		conn := c.conn
		c.conn, c.state = nil, StateDisconnected
		c.mu.Unlock()
		c.closeSession(conn.Session)
		if c.opts.Recorder != nil {
			c.opts.Recorder.SetConnected(false)
		}
		c.emit(Event{Kind: EventDisconnected, Port: conn.Candidate.Device, Detail: "requested"})
	case StateMonitoring:
		c.dropOnStop = true
		c.cancelRun()
		lent := c.lent
		c.mu.Unlock()
		c.closeSession(lent.Session)
	default:
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) closeSession(s obd.Session) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := s.Close(); err != nil {
			c.log.Debug().Err(err).Str("port", s.Port()).Msg("close session")
		}
	}()
}

// Close disconnects and waits for every worker to finish.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.stop()
	c.wg.Wait()
	return nil
}

// sink wraps the configured sinks with status and metrics bookkeeping.
func (c *Controller) sink() acquire.Sink {
	fan := acquire.MultiSink(c.opts.Sinks)
	return acquire.SinkFunc(func(s acquire.Sample) error {
		c.mu.Lock()
		c.samples, c.runID = s.Seq, s.RunID.String()
		c.mu.Unlock()

		err := fan.Accept(s)
		if c.opts.Recorder != nil {
			c.opts.Recorder.ObserveSample(s, time.Since(s.Timestamp).Seconds())
			if err != nil {
				c.opts.Recorder.ObserveSinkError()
			}
		}
		return err
	})
}
