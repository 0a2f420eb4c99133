package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		pid      PID
		data     []byte
		want     float64
		integral bool
	}{
		{CoolantTemp, []byte{0x85}, 93, true},
		{IntakeTemp, []byte{0x00}, -40, true},
		{AmbientAirTemp, []byte{0x3C}, 20, true},
		{RPM, []byte{0x1A, 0xF8}, 1726, false},
		{Speed, []byte{0x64}, 100, true},
		{ThrottlePos, []byte{0xFF}, 100, false},
		{EngineLoad, []byte{0x00}, 0, false},
		{FuelLevel, []byte{0x80, 0x99}, 50.19607843137255, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.pid), func(t *testing.T) {
			r, err := Decode(tt.pid, tt.data)
			require.NoError(t, err)
			assert.True(t, r.Valid)
			assert.InDelta(t, tt.want, r.Value, 1e-9)
			assert.Equal(t, tt.integral, r.Integral)
		})
	}
}

func TestDecodeShortReply(t *testing.T) {
	_, err := Decode(RPM, []byte{0x1A})
	assert.Error(t, err)

	_, err = Decode(PID("VIN"), []byte{0x01})
	assert.Error(t, err)
}

func TestParsePID(t *testing.T) {
	pid, err := ParsePID(" coolant_temp ")
	require.NoError(t, err)
	assert.Equal(t, CoolantTemp, pid)

	pid, err = ParsePID("ambient_air_temp")
	require.NoError(t, err)
	assert.Equal(t, AmbientAirTemp, pid)

	_, err = ParsePID("OIL_TEMP")
	assert.Error(t, err)
}

func TestNullReadingIsNotZero(t *testing.T) {
	r := NullReading(Speed)
	assert.False(t, r.Valid)
	assert.Equal(t, UnitKPH, r.Unit)
	assert.NotEqual(t, NewReading(Speed, 0, true), r)
}
