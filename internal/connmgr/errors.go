package connmgr

import (
	"errors"
	"fmt"
)

// Failure classes surfaced in Status.LastError and in alerts. None of
// them is fatal; every path except a manual disconnect re-arms scanning.
var (
	// ErrRadioUnavailable: the adapter stayed off through every power
	// poll. Recovered by the next radio-on notification.
	ErrRadioUnavailable = errors.New("connmgr: bluetooth radio unavailable")

	// ErrScanFailure: the driver failed a scan.
	ErrScanFailure = errors.New("connmgr: scan failed")

	// ErrConnectFailure: the driver rejected a connect.
	ErrConnectFailure = errors.New("connmgr: connect failed")

	// ErrConnectTimeout: a connect exceeded the connection timeout. It
	// wraps ErrConnectFailure.
	ErrConnectTimeout = fmt.Errorf("%w: timed out", ErrConnectFailure)

	// ErrSignalLost: RSSI fell below the threshold or became unreadable.
	ErrSignalLost = errors.New("connmgr: signal lost")
)
