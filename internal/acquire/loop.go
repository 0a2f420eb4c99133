package acquire

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/obdlog/internal/format"
	"github.com/shaunagostinho/obdlog/internal/obd"
)

// Outcome says why a loop run stopped.
type Outcome int

const (
	// ConnectionLost: the session reported not connected at a tick boundary.
	ConnectionLost Outcome = iota + 1
	// CancelledByCaller: the run context was cancelled.
	CancelledByCaller
	// AcquisitionError: a query failed. The session is left to the caller.
	AcquisitionError
)

func (o Outcome) String() string {
	switch o {
	case ConnectionLost:
		return "connection_lost"
	case CancelledByCaller:
		return "cancelled"
	case AcquisitionError:
		return "acquisition_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// State of a Loop.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config for a loop. Period must be positive; a nil Location means local
// time.
type Config struct {
	Parameters []obd.PID
	Period     time.Duration
	Units      format.UnitSystem
	Location   *time.Location
}

// Result is returned when a run ends.
type Result struct {
	RunID      uuid.UUID
	Outcome    Outcome
	Err        error // set for AcquisitionError
	Samples    int   // samples handed to the sink
	SinkErrors int
}

// Loop samples a session on a fixed schedule. A Loop runs once.
type Loop struct {
	cfg   Config
	sink  Sink
	state atomic.Int32

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns an idle loop emitting to sink.
func New(cfg Config, sink Sink) *Loop {
	return &Loop{cfg: cfg, sink: sink, now: time.Now, sleep: sleepCtx}
}

// State reports where the loop is in Idle -> Running -> Stopped.
func (l *Loop) State() State { return State(l.state.Load()) }

// Run samples sess until it disconnects, a query fails or ctx is
// cancelled. Cancellation is observed at tick boundaries and while
// waiting between ticks; a tick whose queries have started finishes and
// is emitted. Run never closes sess.
func (l *Loop) Run(ctx context.Context, sess obd.Session) Result {
	res := Result{RunID: uuid.New()}
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		res.Outcome, res.Err = AcquisitionError, fmt.Errorf("loop already %s", l.State())
		return res
	}
	defer l.state.Store(int32(Stopped))

	logger := log.With().Str("component", "acquire").Str("run", res.RunID.String()).
		Str("port", sess.Port()).Logger()
	logger.Info().Dur("period", l.cfg.Period).Int("parameters", len(l.cfg.Parameters)).Msg("monitoring started")

	// queries are not interrupted by cancellation
	qctx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			res.Outcome = CancelledByCaller
			break
		}
		start := l.now()
		if !sess.IsConnected() {
			logger.Warn().Msg("connection lost")
			res.Outcome = ConnectionLost
			break
		}

		sample, err := l.tick(qctx, sess, start)
		if err != nil {
			logger.Error().Err(err).Msg("acquisition error")
			res.Outcome, res.Err = AcquisitionError, err
			break
		}
		res.Samples++
		sample.RunID, sample.Seq = res.RunID, res.Samples
		if err := l.sink.Accept(sample); err != nil {
			res.SinkErrors++
			logger.Warn().Err(err).Int("seq", sample.Seq).Msg("sink failed")
		}

		wait := start.Add(l.cfg.Period).Sub(l.now())
		if err := l.sleep(ctx, wait); err != nil {
			res.Outcome = CancelledByCaller
			break
		}
	}

	logEvent(logger, res).Msg("monitoring stopped")
	return res
}

func logEvent(logger zerolog.Logger, res Result) *zerolog.Event {
	ev := logger.Info()
	if res.Outcome != CancelledByCaller {
		ev = logger.Warn()
	}
	return ev.Str("outcome", res.Outcome.String()).Int("samples", res.Samples)
}

// tick queries every parameter in order and builds the sample.
func (l *Loop) tick(ctx context.Context, sess obd.Session, start time.Time) (Sample, error) {
	ts := start
	if l.cfg.Location != nil {
		ts = ts.In(l.cfg.Location)
	}
	s := Sample{Timestamp: ts, Readings: make([]Value, 0, len(l.cfg.Parameters))}
	for _, pid := range l.cfg.Parameters {
		r, err := sess.Query(ctx, pid)
		if err != nil {
			return Sample{}, fmt.Errorf("query %s: %w", pid, err)
		}
		r.PID = pid
		s.Readings = append(s.Readings, Value{
			PID:   pid,
			Label: obd.Label(pid),
			Text:  format.Format(r, l.cfg.Units),
			Raw:   r.Value,
			Unit:  r.Unit,
			Valid: r.Valid,
		})
	}
	return s, nil
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
