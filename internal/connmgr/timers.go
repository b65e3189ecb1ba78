package connmgr

import (
	"time"

	"ble-attendance/internal/clock"
)

const (
	timerRadioPoll      = "radio_poll"
	timerScanTimeout    = "scan_timeout"
	timerScanRetry      = "scan_retry"
	timerRefresh        = "discovery_refresh"
	timerSettle         = "settle"
	timerConnectTimeout = "connect_timeout"
	timerRescan         = "rescan"
	timerRSSI           = "rssi_poll"
	timerRestart        = "restart"
)

// timerEntry is a named pending callback. seq identifies the arming, so
// an expiry that was already queued when its timer was cancelled or
// re-armed is recognised as stale and dropped.
type timerEntry struct {
	t   *clock.Timer
	seq uint64
}

// schedule arms the named timer, replacing any pending one. fn runs on
// the loop. d <= 0 runs fn immediately.
func (m *Manager) schedule(name string, d time.Duration, fn func()) {
	m.cancelTimer(name)
	if d <= 0 {
		fn()
		return
	}
	m.timerSeq++
	seq := m.timerSeq
	e := &timerEntry{seq: seq}
	m.timers[name] = e
	e.t = m.clock.AfterFunc(d, func() {
		m.post(func() {
			if cur, ok := m.timers[name]; !ok || cur.seq != seq {
				return
			}
			delete(m.timers, name)
			fn()
		})
	})
}

func (m *Manager) cancelTimer(name string) {
	if e, ok := m.timers[name]; ok {
		e.t.Stop()
		delete(m.timers, name)
	}
}

func (m *Manager) cancelAllTimers() {
	for name := range m.timers {
		m.cancelTimer(name)
	}
}
