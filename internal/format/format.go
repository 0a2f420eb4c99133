// Package format turns raw parameter readings into display strings.
package format

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shaunagostinho/obdlog/internal/obd"
)

// NotAvailable marks a reading the vehicle could not supply.
const NotAvailable = "N/A"

// UnitSystem selects metric or imperial display units.
type UnitSystem int

const (
	Metric UnitSystem = iota
	Imperial
)

func (u UnitSystem) String() string {
	if u == Imperial {
		return "imperial"
	}
	return "metric"
}

// ParseUnitSystem accepts "metric" or "imperial" in any case.
func ParseUnitSystem(s string) (UnitSystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "metric", "":
		return Metric, nil
	case "imperial":
		return Imperial, nil
	}
	return Metric, fmt.Errorf("format: unknown unit system %q", s)
}

// Format renders r for display. Conversion happens before rounding.
// Rules are keyed on the parameter, not on the unit string the adapter
// reported.
func Format(r obd.Reading, units UnitSystem) string {
	if !r.Valid {
		return NotAvailable
	}
	v, integral := r.Value, r.Integral

	switch obd.ClassOf(r.PID) {
	case obd.ClassTemperature:
		unit := obd.UnitCelsius
		if units == Imperial {
			v, integral, unit = v*9/5+32, false, "°F"
		}
		return number(v, integral) + " " + unit
	case obd.ClassSpeed:
		unit := obd.UnitKPH
		if units == Imperial {
			v, integral, unit = v*0.621371, false, "mph"
		}
		return number(v, integral) + " " + unit
	case obd.ClassPercent:
		return strconv.FormatFloat(v, 'f', 1, 64) + " %"
	case obd.ClassRPM:
		return strconv.FormatFloat(v, 'f', 1, 64)
	default:
		if r.Unit == "" {
			return number(v, integral)
		}
		return number(v, integral) + " " + r.Unit
	}
}

// number prints whole counts without a decimal point and everything else
// with one decimal place.
func number(v float64, integral bool) string {
	if integral {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}
