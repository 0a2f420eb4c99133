package adapter

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultMarker is the description substring Windows gives Bluetooth
// serial links ("Standard Serial over Bluetooth link").
const DefaultMarker = "Bluetooth"

// PortInfo is one serial port as reported by the OS.
type PortInfo struct {
	Device      string `yaml:"device" json:"device"`
	Description string `yaml:"description" json:"description"`
	HardwareID  string `yaml:"hwid" json:"hwid"`
}

// PortLister enumerates serial ports currently visible to the OS.
type PortLister interface {
	ListPorts() ([]PortInfo, error)
}

// Candidate is a paired Bluetooth port that may host an OBD adapter.
// Candidates carry no identity across scans; equal Device strings are
// the only notion of "same port".
type Candidate struct {
	Device string `json:"device"`
	MAC    MAC    `json:"mac"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s (MAC: %s)", c.Device, c.MAC)
}

// Scanner filters the OS port list down to paired Bluetooth candidates.
type Scanner struct {
	lister PortLister
	marker string
}

// NewScanner returns a scanner matching descriptions against marker
// (DefaultMarker when empty).
func NewScanner(lister PortLister, marker string) *Scanner {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Scanner{lister: lister, marker: marker}
}

// Scan returns candidates in OS enumeration order. A port qualifies when
// its description contains the marker and its hardware id carries a
// Bluetooth address.
func (s *Scanner) Scan() ([]Candidate, error) {
	ports, err := s.lister.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	var out []Candidate
	for _, p := range ports {
		if !strings.Contains(p.Description, s.marker) {
			continue
		}
		mac := ExtractMAC(p.HardwareID)
		if mac.IsZero() {
			log.Debug().Str("component", "scanner").Str("port", p.Device).Str("hwid", p.HardwareID).
				Msg("bluetooth port without a paired address")
			continue
		}
		out = append(out, Candidate{Device: p.Device, MAC: mac})
	}
	log.Info().Str("component", "scanner").Int("ports", len(ports)).Int("candidates", len(out)).Msg("scan finished")
	return out, nil
}
