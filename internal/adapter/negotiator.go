package adapter

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/obdlog/internal/obd"
)

// Config controls negotiation. Every duration and count must be positive
// except SettleWait and Stabilize, which may be zero.
type Config struct {
	Protocol    string        // adapter protocol hint, e.g. "6"
	BaudRate    int           // serial speed for both settle and session
	Timeout     time.Duration // per-attempt session timeout
	MaxAttempts int           // negotiation attempts per candidate
	RetryDelay  time.Duration // wait between attempts on one candidate
	SettleWait  time.Duration // wait after the settle cycle
	Stabilize   time.Duration // wait after success before hand-off
	Fast        bool          // fast init; off forces the full handshake
}

// Observer receives every attempt record.
type Observer interface {
	ObserveAttempt(a Attempt)
}

// Connection is a negotiated session plus where it came from. Whoever
// holds the Connection owns the session.
type Connection struct {
	Session   obd.Session
	Candidate Candidate
	Attempts  []Attempt
}

// Negotiator tries candidates in order until one yields a live session.
type Negotiator struct {
	cfg      Config
	settler  Settler
	opener   obd.Opener
	observer Observer

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewNegotiator builds a negotiator. observer may be nil.
func NewNegotiator(cfg Config, settler Settler, opener obd.Opener, observer Observer) *Negotiator {
	return &Negotiator{
		cfg:      cfg,
		settler:  settler,
		opener:   opener,
		observer: observer,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// state is a step of the per-candidate negotiation machine.
//
//	from         event                    to
//	next         candidate left           settle
//	next         none left                exhausted
//	settle       raw open/close ok        negotiate
//	settle       raw open failed          next
//	negotiate    session connected        stabilize
//	negotiate    not connected / error    backoff (budget left) | next
//	backoff      delay elapsed            negotiate
//	stabilize    delay elapsed            done
type state int

const (
	stateNext state = iota
	stateSettle
	stateNegotiate
	stateBackoff
	stateStabilize
	stateDone
	stateExhausted
)

// run holds the mutable state of one Connect call.
type run struct {
	n          *Negotiator
	candidates []Candidate
	idx        int // index of the current candidate, -1 before the first
	attempt    int // attempts used on the current candidate
	session    obd.Session
	attempts   []Attempt
	log        zerolog.Logger
}

// Connect negotiates a session. On success the caller owns the returned
// session. On failure it returns a *ConnectError wrapping ErrNoPairedPorts
// (empty candidate list, nothing attempted) or ErrNoResponsiveAdapter
// (every candidate exhausted), or ctx.Err() if cancelled.
func (n *Negotiator) Connect(ctx context.Context, candidates []Candidate) (*Connection, error) {
	logger := log.With().Str("component", "negotiator").Logger()
	if len(candidates) == 0 {
		logger.Warn().Msg("no paired Bluetooth OBD-II ports found")
		return nil, &ConnectError{Reason: ErrNoPairedPorts}
	}

	r := &run{n: n, candidates: candidates, idx: -1, log: logger}
	st := stateNext
	for {
		if err := ctx.Err(); err != nil {
			r.release()
			return nil, err
		}
		switch st {
		case stateNext:
			st = r.next()
		case stateSettle:
			st = r.settle(ctx)
		case stateNegotiate:
			st = r.negotiate(ctx)
		case stateBackoff:
			if err := n.sleep(ctx, n.cfg.RetryDelay); err != nil {
				continue
			}
			st = stateNegotiate
		case stateStabilize:
			r.log.Info().Dur("wait", n.cfg.Stabilize).Msg("stabilizing connection")
			if err := n.sleep(ctx, n.cfg.Stabilize); err != nil {
				continue
			}
			st = stateDone
		case stateDone:
			return &Connection{Session: r.session, Candidate: r.current(), Attempts: r.attempts}, nil
		case stateExhausted:
			r.log.Error().Int("attempts", len(r.attempts)).Msg("no responsive OBD-II adapter found")
			return nil, &ConnectError{Reason: ErrNoResponsiveAdapter, Attempts: r.attempts}
		}
	}
}

func (r *run) current() Candidate { return r.candidates[r.idx] }

func (r *run) next() state {
	r.idx++
	r.attempt = 0
	if r.idx >= len(r.candidates) {
		return stateExhausted
	}
	return stateSettle
}

func (r *run) settle(ctx context.Context) state {
	c := r.current()
	r.log.Info().Str("port", c.Device).Str("mac", c.MAC.String()).Msg("pre-checking port")

	if err := r.n.settler.Settle(ctx, c.Device, r.n.cfg.BaudRate); err != nil {
		if ctx.Err() != nil {
			return stateSettle // the loop observes cancellation
		}
		r.record(Attempt{Port: c.Device, MAC: c.MAC, Outcome: OutcomePortUnavailable, Err: err})
		return stateNext
	}
	if err := r.n.sleep(ctx, r.n.cfg.SettleWait); err != nil {
		return stateSettle
	}
	return stateNegotiate
}

func (r *run) negotiate(ctx context.Context) state {
	c := r.current()
	r.attempt++
	a := Attempt{Port: c.Device, MAC: c.MAC, Number: r.attempt}
	r.log.Info().Str("port", c.Device).Int("attempt", r.attempt).Int("of", r.n.cfg.MaxAttempts).
		Msg("trying OBD connection")

	sess, err := r.n.opener.Open(ctx, obd.OpenParams{
		Port:     c.Device,
		BaudRate: r.n.cfg.BaudRate,
		Protocol: r.n.cfg.Protocol,
		Timeout:  r.n.cfg.Timeout,
		Fast:     r.n.cfg.Fast,
	})
	switch {
	case err != nil:
		a.Outcome, a.Err = OutcomeTransportError, err
	case sess.IsConnected():
		a.Outcome = OutcomeConnected
		r.record(a)
		r.session = sess
		return stateStabilize
	default:
		a.Outcome = OutcomeNotResponsive
		if cerr := sess.Close(); cerr != nil {
			r.log.Debug().Str("port", c.Device).Err(cerr).Msg("close after failed attempt")
		}
	}
	r.record(a)

	if r.attempt >= r.n.cfg.MaxAttempts {
		r.log.Warn().Str("port", c.Device).Msg("all connection attempts failed")
		return stateNext
	}
	return stateBackoff
}

func (r *run) record(a Attempt) {
	r.attempts = append(r.attempts, a)
	ev := r.log.Info()
	switch a.Outcome {
	case OutcomePortUnavailable:
		ev = r.log.Warn().Err(a.Err).Str("action", "skipping")
	case OutcomeNotResponsive:
		ev = r.log.Warn().Str("detail", "did not respond as an OBD device")
	case OutcomeTransportError:
		ev = r.log.Warn().Err(a.Err)
	}
	ev.Str("port", a.Port).Int("attempt", a.Number).Str("outcome", a.Outcome.String()).Msg("connection attempt")
	if r.n.observer != nil {
		r.n.observer.ObserveAttempt(a)
	}
}

// release closes a session negotiated but never handed off.
func (r *run) release() {
	if r.session == nil {
		return
	}
	if err := r.session.Close(); err != nil {
		r.log.Debug().Err(err).Msg("close on cancel")
	}
	r.session = nil
}
