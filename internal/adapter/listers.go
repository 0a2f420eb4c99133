package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial/enumerator"
)

// EnumeratorLister lists ports through go.bug.st/serial/enumerator and
// renders each one's hardware id the way pyserial does, so USB and
// Bluetooth instance ids can be matched the same way on every platform.
type EnumeratorLister struct {
	list func() ([]*enumerator.PortDetails, error)
}

func NewEnumeratorLister() *EnumeratorLister {
	return &EnumeratorLister{list: enumerator.GetDetailedPortsList}
}

func (e *EnumeratorLister) ListPorts() ([]PortInfo, error) {
	details, err := e.list()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Device:      d.Name,
			Description: describe(d),
			HardwareID:  hardwareID(d),
		})
	}
	return out, nil
}

func describe(d *enumerator.PortDetails) string {
	if d.Product != "" {
		return d.Product
	}
	if strings.Contains(d.Name, "rfcomm") {
		return "Standard Serial over Bluetooth link"
	}
	return "n/a"
}

// hardwareID only has USB details to work with: on Windows the enumerator
// does not parse BTHENUM instance ids, so a Bluetooth link comes back as
// "n/a" and must be listed in adapter.ports to be found.
func hardwareID(d *enumerator.PortDetails) string {
	if d.IsUSB {
		return fmt.Sprintf("USB VID:PID=%s:%s SER=%s", strings.ToUpper(d.VID), strings.ToUpper(d.PID), d.SerialNumber)
	}
	if d.SerialNumber != "" {
		return d.SerialNumber
	}
	return "n/a"
}

// RFCOMMLister lists Linux RFCOMM bindings from the output of the
// bluez "rfcomm" tool, e.g.
//
//	rfcomm0: 00:1D:A5:08:49:12 channel 1 clean
//
// The bound address is folded into a BTHENUM-style hardware id so the
// normal extraction applies. A missing tool yields an empty list; any
// other failure is returned.
type RFCOMMLister struct {
	run func(ctx context.Context) ([]byte, error)
}

func NewRFCOMMLister() *RFCOMMLister {
	return &RFCOMMLister{run: func(ctx context.Context) ([]byte, error) {
		return exec.CommandContext(ctx, "rfcomm").Output()
	}}
}

var rfcommLine = regexp.MustCompile(`^(rfcomm\d+):\s+([0-9A-Fa-f:]{17})\s+channel\s+(\d+)`)

func (r *RFCOMMLister) ListPorts() ([]PortInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := r.run(ctx)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			log.Debug().Str("component", "scanner").Msg("rfcomm tool not installed")
			return nil, nil
		}
		return nil, fmt.Errorf("rfcomm: %w", err)
	}

	var ports []PortInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := rfcommLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		addr := strings.ToUpper(strings.ReplaceAll(m[2], ":", ""))
		ports = append(ports, PortInfo{
			Device:      "/dev/" + m[1],
			Description: "Standard Serial over Bluetooth link",
			HardwareID:  fmt.Sprintf(`BTHENUM\RFCOMM_CHANNEL_%s&%s`, m[3], addr),
		})
	}
	return ports, nil
}

// StaticLister returns a fixed port list, for platforms where the OS does
// not expose the paired address and for demo mode.
type StaticLister []PortInfo

func (s StaticLister) ListPorts() ([]PortInfo, error) {
	return append([]PortInfo(nil), s...), nil
}

// MultiLister concatenates listers in order, keeping the first entry seen
// for each device. Failures are logged and skipped while some lister still
// yields ports; with no ports at all they are returned, so a broken
// enumerator is not mistaken for "nothing paired".
type MultiLister []PortLister

func (m MultiLister) ListPorts() ([]PortInfo, error) {
	var (
		out  []PortInfo
		seen = make(map[string]bool)
		errs []error
	)
	for _, l := range m {
		ports, err := l.ListPorts()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, p := range ports {
			if seen[p.Device] {
				continue
			}
			seen[p.Device] = true
			out = append(out, p)
		}
	}
	if len(errs) == 0 {
		return out, nil
	}
	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		log.Warn().Str("component", "scanner").Err(err).Msg("port lister failed")
	}
	return out, nil
}
