// Package acquire runs the sampling loop that turns a live session into a
// stream of timestamped samples.
package acquire

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/obd"
)

// Value is one formatted parameter reading inside a sample.
type Value struct {
	PID   obd.PID `json:"pid" msgpack:"pid"`
	Label string  `json:"label" msgpack:"label"`
	Text  string  `json:"text" msgpack:"text"` // formatted, or "N/A"

	// Raw is the unconverted magnitude; only meaningful when Valid.
	Raw   float64 `json:"raw" msgpack:"raw"`
	Unit  string  `json:"unit" msgpack:"unit"`
	Valid bool    `json:"valid" msgpack:"valid"`
}

// Sample is the result of one tick. It is not modified after it has been
// handed to a sink.
type Sample struct {
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	RunID     uuid.UUID `json:"runId" msgpack:"runId"`
	Seq       int       `json:"seq" msgpack:"seq"` // 1-based within the run
	Readings  []Value   `json:"readings" msgpack:"readings"`
}

// Texts returns the formatted readings in parameter order.
func (s Sample) Texts() []string {
	out := make([]string, len(s.Readings))
	for i, v := range s.Readings {
		out[i] = v.Text
	}
	return out
}

// Sink receives samples, one Accept per completed tick, in timestamp order.
type Sink interface {
	Accept(s Sample) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(s Sample) error

func (f SinkFunc) Accept(s Sample) error { return f(s) }

// MultiSink fans a sample out to every sink. All sinks see the sample even
// when an earlier one fails.
type MultiSink []Sink

func (m MultiSink) Accept(s Sample) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Accept(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each sample as a single structured log line, the
// headless stand-in for the live table.
type LogSink struct {
	Logger zerolog.Logger
}

func (l LogSink) Accept(s Sample) error {
	ev := l.Logger.Info().Time("ts", s.Timestamp).Int("seq", s.Seq)
	for _, v := range s.Readings {
		ev = ev.Str(v.Label, v.Text)
	}
	ev.Msg("sample")
	return nil
}
