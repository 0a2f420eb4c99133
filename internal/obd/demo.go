package obd

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
)

// DemoOpener hands out simulated sessions for development without an adapter.
type DemoOpener struct{}

func (DemoOpener) Open(_ context.Context, p OpenParams) (Session, error) {
	d := &DemoSession{port: p.Port}
	d.connected.Store(true)
	return d, nil
}

// DemoSession generates plausible engine data.
type DemoSession struct {
	mu        sync.Mutex
	port      string
	t         float64 // virtual time accumulator
	connected atomic.Bool
}

func (d *DemoSession) Port() string         { return d.port }
func (d *DemoSession) ProtocolName() string { return "Demo (Simulated)" }
func (d *DemoSession) IsConnected() bool    { return d.connected.Load() }
func (d *DemoSession) Close() error         { d.connected.Store(false); return nil }

func (d *DemoSession) Query(_ context.Context, pid PID) (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected.Load() {
		return NullReading(pid), nil
	}
	d.t += 0.05

	// Engine cycles between idle and a rev; everything else follows throttle.
	rpm := 850.0 + 4000.0*math.Sin(d.t*0.3)*math.Sin(d.t*0.3) + rand.Float64()*50
	tps := math.Max(0, math.Min(100, (rpm-850)/(8000-850)*100))

	switch pid {
	case CoolantTemp:
		return NewReading(pid, math.Round(85+rand.Float64()*5), true), nil
	case RPM:
		return NewReading(pid, math.Round(rpm*4)/4, false), nil
	case ThrottlePos:
		return NewReading(pid, math.Round(tps*255/100)*100/255, false), nil
	case EngineLoad:
		return NewReading(pid, math.Round((20+tps*0.7)*255/100)*100/255, false), nil
	case Speed:
		return NewReading(pid, math.Round(tps/100*220), true), nil
	case FuelLevel:
		return NewReading(pid, math.Round((62-d.t*0.01)*255/100)*100/255, false), nil
	case IntakeTemp:
		return NewReading(pid, math.Round(30+rand.Float64()*8), true), nil
	case AmbientAirTemp:
		// Some cars do not report ambient temperature.
		return NullReading(pid), nil
	default:
		return NullReading(pid), nil
	}
}
