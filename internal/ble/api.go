// Package ble defines the BLE driver contract the presence daemon is
// built on: radio power, LE scanning, connection establishment, RSSI
// reads and disconnect notification.
//
// A Driver is one adapter. It is safe for concurrent use; Close is
// idempotent and after it every other method returns ErrClosed.
package ble

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("ble: closed")

	// ErrRSSIUnavailable means no signal strength has been observed for
	// the connected device.
	ErrRSSIUnavailable = errors.New("ble: rssi unavailable")

	// ErrNotConnected is passed to disconnect callbacks and returned by
	// reads on a link that has dropped.
	ErrNotConnected = errors.New("ble: not connected")
)

// Device is one discovered peripheral. ID is the Bluetooth address
// ("AA:BB:CC:DD:EE:FF"), stable across restarts. Name is empty when the
// device did not advertise one, and RSSI is nil when no advertisement
// carried a signal strength.
type Device struct {
	ID         string
	Name       string
	RSSI       *int
	ServiceIDs []string
}

// HasService reports whether d advertises any of ids (case-insensitive).
func (d Device) HasService(ids []string) bool {
	for _, have := range d.ServiceIDs {
		for _, want := range ids {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// ScanFilter narrows a scan. An empty filter reports every LE device.
type ScanFilter struct {
	ServiceIDs []string
}

// Driver is a single BLE adapter.
type Driver interface {
	// RadioPowered reports whether the adapter is powered on.
	RadioPowered(ctx context.Context) (bool, error)

	// WatchRadio calls fn whenever the adapter's power state changes.
	WatchRadio(fn func(powered bool)) (cancel func(), err error)

	// Scan runs an LE scan and calls fn for every device report, including
	// repeated reports of the same device. fn is called from a single
	// goroutine. Scan blocks until ctx is done and returns nil in that
	// case; any other return is a scan failure.
	Scan(ctx context.Context, filter ScanFilter, fn func(Device)) error

	// Connect establishes a link to the device with the given id and waits
	// for service discovery to finish. ctx bounds the whole attempt.
	Connect(ctx context.Context, id string) (Connection, error)

	// IsConnected reports whether the adapter currently holds a link to
	// id, whoever opened it.
	IsConnected(ctx context.Context, id string) (bool, error)

	Close() error
}

// Connection is a live link returned by Connect.
type Connection interface {
	Device() Device

	// ReadRSSI returns the current signal strength in dBm.
	ReadRSSI(ctx context.Context) (int, error)

	IsConnected(ctx context.Context) (bool, error)

	// OnDisconnected registers fn to be called once when the link drops
	// for any reason other than Close. The returned cancel removes it.
	OnDisconnected(fn func(err error)) (cancel func())

	// Close tears the link down. It is idempotent and does not invoke
	// disconnect callbacks.
	Close() error
}
