package monitor

import (
	"errors"
	"time"
)

var (
	ErrBusy              = errors.New("monitor: connection attempt in progress")
	ErrAlreadyConnected  = errors.New("monitor: already connected")
	ErrNotConnected      = errors.New("monitor: not connected")
	ErrAlreadyMonitoring = errors.New("monitor: already monitoring")
	ErrNotMonitoring     = errors.New("monitor: not monitoring")
	ErrUnknownPort       = errors.New("monitor: port is not a paired Bluetooth adapter")
	ErrClosed            = errors.New("monitor: closed")
)

// State of the controller.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateMonitoring   State = "monitoring"
)

// EventKind names a controller event.
type EventKind string

const (
	EventConnecting        EventKind = "connecting"
	EventConnected         EventKind = "connected"
	EventConnectFailed     EventKind = "connect_failed"
	EventDisconnected      EventKind = "disconnected"
	EventMonitoringStarted EventKind = "monitoring_started"
	EventMonitoringStopped EventKind = "monitoring_stopped"
	EventReconnecting      EventKind = "reconnecting"
)

// Event is delivered to subscribers from the worker goroutines.
type Event struct {
	Kind   EventKind `json:"kind" msgpack:"kind"`
	Time   time.Time `json:"time" msgpack:"time"`
	Port   string    `json:"port,omitempty" msgpack:"port,omitempty"`
	Detail string    `json:"detail,omitempty" msgpack:"detail,omitempty"`
	Error  string    `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Status is a snapshot for the API.
type Status struct {
	State       State  `json:"state"`
	Port        string `json:"port,omitempty"`
	MAC         string `json:"mac,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	RunID       string `json:"runId,omitempty"`
	Samples     int    `json:"samples"`
	LastOutcome string `json:"lastOutcome,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}
