package connmgr

import (
	"time"

	"ble-attendance/internal/ble"
)

// State is the connection state machine's position.
type State int

const (
	Idle State = iota
	WaitingForRadioOn
	Scanning
	DeviceFound
	Connecting
	Connected
	Disconnecting
	Error
)

var stateNames = [...]string{
	Idle:              "idle",
	WaitingForRadioOn: "waiting_for_radio_on",
	Scanning:          "scanning",
	DeviceFound:       "device_found",
	Connecting:        "connecting",
	Connected:         "connected",
	Disconnecting:     "disconnecting",
	Error:             "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ScanStatus is the scan sub-state shown next to the connection state.
type ScanStatus string

const (
	ScanStopped     ScanStatus = "stopped"
	ScanScanning    ScanStatus = "scanning"
	ScanDeviceFound ScanStatus = "device_found"
	ScanTimeout     ScanStatus = "timeout"
	ScanError       ScanStatus = "error"
)

// Reason says why a connection ended. Only automatic reasons schedule a
// reconnect.
type Reason int

const (
	ReasonManual Reason = iota
	ReasonLinkLost
	ReasonSignalLost
	ReasonSignalUnreadable
	ReasonTeardown
)

func (r Reason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonLinkLost:
		return "link_lost"
	case ReasonSignalLost:
		return "signal_lost"
	case ReasonSignalUnreadable:
		return "signal_unreadable"
	case ReasonTeardown:
		return "teardown"
	}
	return "unknown"
}

func (r Reason) automatic() bool {
	return r == ReasonLinkLost || r == ReasonSignalLost || r == ReasonSignalUnreadable
}

// ActiveConnection is the one live link the manager owns.
type ActiveConnection struct {
	Device      ble.Device
	ConnectedAt time.Time
	RSSI        *int
}

// Status is a read-only snapshot of the manager for presentation.
type Status struct {
	State           State
	ConnectionLabel string // connected, connecting, disconnected
	ScanStatus      ScanStatus
	InRoom          bool
	Discovered      []ble.Device // one entry per device id, refreshed periodically
	Active          *ActiveConnection
	LastError       error
	UpdatedAt       time.Time
}

func connectionLabel(s State) string {
	switch s {
	case Connected:
		return "connected"
	case DeviceFound, Connecting:
		return "connecting"
	}
	return "disconnected"
}
