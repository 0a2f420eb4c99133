package obd

import (
	"fmt"
	"strings"
)

// PID names a queryable vehicle parameter.
type PID string

const (
	CoolantTemp    PID = "COOLANT_TEMP"
	RPM            PID = "RPM"
	ThrottlePos    PID = "THROTTLE_POS"
	EngineLoad     PID = "ENGINE_LOAD"
	Speed          PID = "SPEED"
	FuelLevel      PID = "FUEL_LEVEL"
	IntakeTemp     PID = "INTAKE_TEMP"
	AmbientAirTemp PID = "AMBIANT_AIR_TEMP" // python-OBD spelling, kept for config compatibility
)

// Class groups parameters that share display rules.
type Class int

const (
	ClassOther Class = iota
	ClassTemperature
	ClassSpeed
	ClassPercent
	ClassRPM
)

// Units reported by the decoders, before any display conversion.
const (
	UnitCelsius = "°C"
	UnitKPH     = "km/h"
	UnitPercent = "%"
	UnitRPM     = "rpm"
)

// Descriptor is the mode 01 definition of a parameter.
type Descriptor struct {
	PID   PID
	Code  byte   // mode 01 PID byte
	Label string // column heading
	Class Class
	Unit  string
	Bytes int // data bytes expected in the reply
	// decode turns reply data bytes into a magnitude; integral reports
	// whether the magnitude is a whole count on the wire.
	decode func(d []byte) (v float64, integral bool)
}

func celsius(d []byte) (float64, bool) { return float64(int(d[0]) - 40), true }
func percent(d []byte) (float64, bool) { return float64(d[0]) * 100 / 255, false }

var descriptors = map[PID]Descriptor{
	CoolantTemp: {PID: CoolantTemp, Code: 0x05, Label: "Coolant Temp", Class: ClassTemperature, Unit: UnitCelsius, Bytes: 1, decode: celsius},
	RPM: {PID: RPM, Code: 0x0C, Label: "Engine RPM", Class: ClassRPM, Unit: UnitRPM, Bytes: 2,
		decode: func(d []byte) (float64, bool) { return (256*float64(d[0]) + float64(d[1])) / 4, false }},
	ThrottlePos: {PID: ThrottlePos, Code: 0x11, Label: "Throttle Pos", Class: ClassPercent, Unit: UnitPercent, Bytes: 1, decode: percent},
	EngineLoad:  {PID: EngineLoad, Code: 0x04, Label: "Engine Load", Class: ClassPercent, Unit: UnitPercent, Bytes: 1, decode: percent},
	Speed: {PID: Speed, Code: 0x0D, Label: "Speed", Class: ClassSpeed, Unit: UnitKPH, Bytes: 1,
		decode: func(d []byte) (float64, bool) { return float64(d[0]), true }},
	FuelLevel:      {PID: FuelLevel, Code: 0x2F, Label: "Fuel Level", Class: ClassPercent, Unit: UnitPercent, Bytes: 1, decode: percent},
	IntakeTemp:     {PID: IntakeTemp, Code: 0x0F, Label: "Intake Temp", Class: ClassTemperature, Unit: UnitCelsius, Bytes: 1, decode: celsius},
	AmbientAirTemp: {PID: AmbientAirTemp, Code: 0x46, Label: "Ambient Temp", Class: ClassTemperature, Unit: UnitCelsius, Bytes: 1, decode: celsius},
}

// DefaultParameters is the sampling order used by every logger variant.
var DefaultParameters = []PID{
	CoolantTemp, RPM, ThrottlePos, EngineLoad, Speed, FuelLevel, IntakeTemp, AmbientAirTemp,
}

// Lookup returns the descriptor for pid.
func Lookup(pid PID) (Descriptor, bool) {
	d, ok := descriptors[pid]
	return d, ok
}

// ParsePID accepts a parameter name in any case.
func ParsePID(s string) (PID, error) {
	pid := PID(strings.ToUpper(strings.TrimSpace(s)))
	if pid == "AMBIENT_AIR_TEMP" {
		pid = AmbientAirTemp
	}
	if _, ok := descriptors[pid]; !ok {
		return "", fmt.Errorf("obd: unknown parameter %q", s)
	}
	return pid, nil
}

// Label returns the column heading for pid, or the raw name if unknown.
func Label(pid PID) string {
	if d, ok := descriptors[pid]; ok {
		return d.Label
	}
	return string(pid)
}

// ClassOf returns the display class of pid.
func ClassOf(pid PID) Class {
	return descriptors[pid].Class
}

// Reading is one parameter value as reported by the vehicle.
// The zero Reading (Valid false) means the sensor is not available,
// which is distinct from a magnitude of zero.
type Reading struct {
	PID      PID
	Value    float64
	Integral bool
	Unit     string
	Valid    bool
}

// NewReading builds a valid reading using the descriptor's native unit.
func NewReading(pid PID, v float64, integral bool) Reading {
	return Reading{PID: pid, Value: v, Integral: integral, Unit: descriptors[pid].Unit, Valid: true}
}

// NullReading marks pid as not available.
func NullReading(pid PID) Reading {
	return Reading{PID: pid, Unit: descriptors[pid].Unit}
}

// Decode converts mode 01 reply data bytes for pid into a Reading.
func Decode(pid PID, data []byte) (Reading, error) {
	d, ok := descriptors[pid]
	if !ok {
		return Reading{}, fmt.Errorf("obd: unknown parameter %q", pid)
	}
	if len(data) < d.Bytes {
		return Reading{}, fmt.Errorf("obd: %s reply has %d data bytes, want %d", pid, len(data), d.Bytes)
	}
	v, integral := d.decode(data[:d.Bytes])
	return NewReading(pid, v, integral), nil
}
