package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMAC(t *testing.T) {
	tests := []struct {
		name string
		hwid string
		want string
	}{
		{"bthenum instance id", `BTHENUM\{00001101-0000-1000-8000-00805F9B34FB}_LOCALMFG&0002\7&1A2B3C4D&0&001DA5084912_C00000000`, "00:1D:A5:08:49:12"},
		{"lower case is normalized", `bthenum\{00001101}_vid&0001000f_pid&0000\8&2f&0&aabbccddeeff_c00000000`, "AA:BB:CC:DD:EE:FF"},
		{"rfcomm lister form", `BTHENUM\RFCOMM_CHANNEL_1&001DA5084912`, "00:1D:A5:08:49:12"},
		{"first token wins", `X&112233445566&AABBCCDDEEFF`, "11:22:33:44:55:66"},
		{"usb id", "USB VID:PID=0403:6001 SER=A50285BI", "00:00:00:00:00:00"},
		{"short token", `BTHENUM\X&001DA508491`, "00:00:00:00:00:00"},
		{"no delimiter", "001DA5084912", "00:00:00:00:00:00"},
		{"empty", "", "00:00:00:00:00:00"},
		{"not applicable", "n/a", "00:00:00:00:00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMAC(tt.hwid).String())
		})
	}
}

func TestNoMACIsZero(t *testing.T) {
	assert.True(t, NoMAC.IsZero())
	assert.True(t, ExtractMAC("nothing here").IsZero())
	assert.False(t, ExtractMAC("&001DA5084912").IsZero())
}

func TestMACMarshalsAsText(t *testing.T) {
	b, err := json.Marshal(Candidate{Device: "COM5", MAC: ExtractMAC("&001DA5084912")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"device":"COM5","mac":"00:1D:A5:08:49:12"}`, string(b))
}
