// Package adapter finds paired Bluetooth OBD adapters and negotiates a
// session with the first one that answers.
package adapter

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// MAC is a Bluetooth device address in the order it appears in the
// hardware id.
type MAC [6]byte

// NoMAC is the all-zero sentinel for "no address found". It is never a
// valid candidate.
var NoMAC MAC

// hwidAddress matches a 12-hex-digit run right after an '&' delimiter,
// as Windows encodes it in BTHENUM instance ids.
var hwidAddress = regexp.MustCompile(`&([0-9A-F]{12})`)

// ExtractMAC pulls the Bluetooth address out of an OS hardware id string.
// It returns NoMAC when the id carries no address.
func ExtractMAC(hwid string) MAC {
	m := hwidAddress.FindStringSubmatch(strings.ToUpper(hwid))
	if m == nil {
		return NoMAC
	}
	var mac MAC
	hex.Decode(mac[:], []byte(m[1]))
	return mac
}

// IsZero reports whether m is the sentinel.
func (m MAC) IsZero() bool { return m == NoMAC }

// String renders m as XX:XX:XX:XX:XX:XX in upper case.
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

func (m MAC) MarshalText() ([]byte, error) { return []byte(m.String()), nil }
