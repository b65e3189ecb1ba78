package connmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ble-attendance/internal/attendance"
	"ble-attendance/internal/ble"
	"ble-attendance/internal/kvstore"
)

// Everything in this file runs on the event loop.

func (m *Manager) startScanning() {
	if m.active != nil || m.connecting {
		return
	}
	m.enabled = true
	m.watchRadio()
	m.waitForRadio()
}

func (m *Manager) watchRadio() {
	if m.radioCancel != nil {
		return
	}
	cancel, err := m.drv.WatchRadio(func(powered bool) {
		m.post(func() { m.onRadio(powered) })
	})
	if err != nil {
		m.logger.Warn("radio state notifications unavailable", "error", err)
		return
	}
	m.radioCancel = cancel
}

func (m *Manager) waitForRadio() {
	m.cancelTimer(timerRadioPoll)
	m.setState(WaitingForRadioOn)
	m.radioAttempts = 0
	m.pollRadio()
}

// pollRadio reads adapter power off the loop; the answer comes back to
// onRadioPoll.
func (m *Manager) pollRadio() {
	if m.state != WaitingForRadioOn || !m.enabled {
		return
	}
	m.radioSeq++
	seq, parent := m.radioSeq, m.ctx
	go func() {
		ctx, cancel := context.WithTimeout(parent, radioReadTimeout)
		powered, err := m.drv.RadioPowered(ctx)
		cancel()
		m.post(func() { m.onRadioPoll(seq, powered, err) })
	}()
}

func (m *Manager) onRadioPoll(seq uint64, powered bool, err error) {
	if seq != m.radioSeq || m.state != WaitingForRadioOn || !m.enabled {
		return
	}
	if err == nil && powered {
		m.beginScan()
		return
	}

	m.radioAttempts++
	if m.radioAttempts < radioPollAttempts {
		m.schedule(timerRadioPoll, radioPollInterval, m.pollRadio)
		return
	}
	if err == nil {
		err = ErrRadioUnavailable
	} else {
		err = fmt.Errorf("%w: %w", ErrRadioUnavailable, err)
	}
	m.lastErr = err
	m.setState(Error)
	m.raise("Bluetooth is off", "Turn on Bluetooth to record attendance", err)
}

func (m *Manager) onRadio(powered bool) {
	m.logger.Info("radio state changed", "powered", powered)
	m.radioSeq++
	if !powered {
		if m.scanCancel != nil || m.state == WaitingForRadioOn {
			m.stopScan()
			m.cancelTimer(timerRadioPoll)
			m.scanStatus = ScanStopped
			m.setState(WaitingForRadioOn)
		}
		return
	}
	if !m.enabled || m.active != nil || m.connecting {
		return
	}
	if m.state == WaitingForRadioOn || m.state == Error {
		m.cancelTimer(timerRadioPoll)
		m.beginScan()
	}
}

func (m *Manager) beginScan() {
	if !m.enabled || m.active != nil || m.connecting {
		return
	}
	m.stopScan()
	m.cancelTimer(timerRadioPoll)
	m.setState(Scanning)
	m.scanStatus = ScanScanning
	m.resetDiscovered()

	ctx, cancel := context.WithCancel(m.ctx)
	m.scanCancel = cancel
	seq := m.scanSeq
	filter := m.criteria.Filter()
	m.logger.Info("scanning", "target_name", m.criteria.Name, "service_ids", filter.ServiceIDs,
		"remembered_device", m.lastDeviceID)

	go func() {
		err := m.drv.Scan(ctx, filter, func(d ble.Device) {
			m.post(func() { m.onDevice(seq, d) })
		})
		if err != nil && ctx.Err() == nil {
			m.post(func() { m.onScanError(seq, err) })
		}
	}()

	m.schedule(timerScanTimeout, m.cfg.ScanTimeout(), func() { m.onScanTimeout(seq) })
	m.schedule(timerRefresh, refreshInterval, m.refreshTick)
}

// stopScan cancels the running scan, if any, and every scan timer. A
// report already queued from the old scan carries a stale sequence and
// is ignored.
func (m *Manager) stopScan() {
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	m.scanSeq++
	m.cancelTimer(timerScanTimeout)
	m.cancelTimer(timerScanRetry)
	m.cancelTimer(timerRefresh)
	m.refreshDiscovered()
}

func (m *Manager) onDevice(seq uint64, d ble.Device) {
	if seq != m.scanSeq || m.state != Scanning {
		return
	}
	m.recordDiscovered(d)

	fast := m.lastDeviceID != "" && strings.EqualFold(d.ID, m.lastDeviceID)
	if !fast && !m.criteria.Match(d) {
		return
	}
	m.logger.Info("target found", "device_id", d.ID, "name", d.Name, "rssi", d.RSSI, "remembered", fast)
	m.setState(DeviceFound)
	m.scanStatus = ScanDeviceFound
	m.beginConnect(d, settleDelay)
}

func (m *Manager) recordDiscovered(d ble.Device) {
	if _, ok := m.seen[d.ID]; !ok {
		m.seenOrder = append(m.seenOrder, d.ID)
	}
	m.seen[d.ID] = d
}

// resetDiscovered starts an empty list for a new scan. Devices rotating
// random addresses would otherwise accumulate for the life of the process.
func (m *Manager) resetDiscovered() {
	clear(m.seen)
	m.seenOrder = m.seenOrder[:0]
	m.shown = nil
}

func (m *Manager) refreshDiscovered() {
	shown := make([]ble.Device, 0, len(m.seenOrder))
	for _, id := range m.seenOrder {
		shown = append(shown, m.seen[id])
	}
	m.shown = shown
}

func (m *Manager) refreshTick() {
	m.refreshDiscovered()
	if m.scanCancel != nil {
		m.schedule(timerRefresh, refreshInterval, m.refreshTick)
	}
}

func (m *Manager) onScanTimeout(seq uint64) {
	if seq != m.scanSeq || m.state != Scanning {
		return
	}
	m.logger.Info("no target found before scan timeout", "timeout", m.cfg.ScanTimeout())
	m.stopScan()
	m.scanStatus = ScanTimeout
	m.schedule(timerScanRetry, scanRetryPause, m.beginScan)
}

func (m *Manager) onScanError(seq uint64, err error) {
	if seq != m.scanSeq {
		return
	}
	m.stopScan()
	err = fmt.Errorf("%w: %w", ErrScanFailure, err)
	m.lastErr = err
	m.scanStatus = ScanError
	m.setState(Error)
	m.raise("Scan failed", "Bluetooth scan failed; retrying", err)
	m.scheduleRescan(m.cfg.ReconnectDelay() + m.cfg.ConnectRetryPenalty())
}

// beginConnect claims the single in-flight connect slot. The scan is
// stopped at once; the driver call starts after delay.
func (m *Manager) beginConnect(d ble.Device, delay time.Duration) bool {
	if m.connecting || m.active != nil {
		return false
	}
	m.connecting = true
	m.stopScan()
	m.cancelTimer(timerRescan)
	m.setState(Connecting)
	m.schedule(timerSettle, delay, func() { m.connect(d) })
	return true
}

func (m *Manager) connect(d ble.Device) {
	if !m.connecting || m.active != nil {
		return
	}
	m.connectSeq++
	seq := m.connectSeq
	ctx, cancel := context.WithCancel(m.ctx)
	m.connectCancel = cancel
	m.schedule(timerConnectTimeout, m.cfg.ConnectionTimeout(), func() { m.onConnectTimeout(seq, d) })

	log := m.logger.With("device_id", d.ID)
	log.Info("connecting", "timeout", m.cfg.ConnectionTimeout())
	go func() {
		conn, err := m.drv.Connect(ctx, d.ID)
		if !m.post(func() { m.onConnectResult(seq, d, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) onConnectTimeout(seq uint64, d ble.Device) {
	if seq != m.connectSeq || !m.connecting {
		return
	}
	m.abortConnect()
	m.connectFailed(fmt.Errorf("%w: %s after %s", ErrConnectTimeout, d.ID, m.cfg.ConnectionTimeout()))
}

// abortConnect cancels the driver call and invalidates its result.
func (m *Manager) abortConnect() {
	m.connectSeq++
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	m.cancelTimer(timerConnectTimeout)
	m.cancelTimer(timerSettle)
}

func (m *Manager) onConnectResult(seq uint64, d ble.Device, conn ble.Connection, err error) {
	if seq != m.connectSeq || !m.connecting || m.active != nil {
		if conn != nil {
			m.logger.Debug("closing superseded connection", "device_id", d.ID)
			go conn.Close()
		}
		return
	}
	m.cancelTimer(timerConnectTimeout)
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	if err != nil {
		m.connectFailed(fmt.Errorf("%w: %s: %w", ErrConnectFailure, d.ID, err))
		return
	}
	m.onConnected(d, conn)
}

func (m *Manager) connectFailed(err error) {
	m.connecting = false
	m.lastErr = err
	m.scanStatus = ScanStopped
	m.setState(Error)
	m.logger.Warn("connect failed", "error", err)
	m.scheduleRescan(m.cfg.ReconnectDelay() + m.cfg.ConnectRetryPenalty())
}

func (m *Manager) scheduleRescan(d time.Duration) {
	m.schedule(timerRescan, d, func() {
		if m.enabled && m.active == nil && !m.connecting {
			m.waitForRadio()
		}
	})
}

func (m *Manager) onConnected(d ble.Device, conn ble.Connection) {
	m.connecting = false
	m.stopScan()
	m.cancelTimer(timerRescan)

	dev := conn.Device()
	if dev.ID == "" {
		dev.ID = d.ID
	}
	if dev.Name == "" {
		dev.Name = d.Name
	}
	if len(dev.ServiceIDs) == 0 {
		dev.ServiceIDs = d.ServiceIDs
	}
	rssi := dev.RSSI
	if rssi == nil {
		rssi = d.RSSI
	}

	now := m.clock.Now()
	m.active = &ActiveConnection{Device: dev, ConnectedAt: now, RSSI: rssi}
	m.conn = conn
	m.lastDeviceID = dev.ID
	m.lastErr = nil
	if m.store != nil {
		if err := kvstore.RecordConnection(m.store, dev.ID, now); err != nil {
			m.logger.Warn("persist connection", "error", err)
		}
	}

	m.enqueue(attendance.Enter, dev, rssi)

	m.connSeq++
	cs := m.connSeq
	m.unsubscribe = conn.OnDisconnected(func(err error) {
		m.post(func() { m.onLinkLost(cs, err) })
	})

	m.scanStatus = ScanStopped
	m.setState(Connected)
	m.logger.Info("connected", "device_id", dev.ID, "name", dev.Name)
	m.schedule(timerRSSI, m.cfg.RSSIPollInterval(), m.pollRSSI)
}

func (m *Manager) onLinkLost(cs uint64, err error) {
	if cs != m.connSeq || m.active == nil {
		return
	}
	if err == nil {
		err = ble.ErrNotConnected
	}
	m.disconnect(ReasonLinkLost, err)
}

type rssiReading struct {
	connected bool
	connErr   error
	rssi      int
	err       error
}

func (m *Manager) pollRSSI() {
	if m.active == nil {
		return
	}
	conn, cs, parent := m.conn, m.connSeq, m.ctx
	go func() {
		ctx, cancel := context.WithTimeout(parent, rssiReadTimeout)
		defer cancel()
		var r rssiReading
		r.connected, r.connErr = conn.IsConnected(ctx)
		if r.connErr == nil && r.connected {
			r.rssi, r.err = conn.ReadRSSI(ctx)
		}
		m.post(func() { m.onRSSI(cs, r) })
	}()
}

func (m *Manager) onRSSI(cs uint64, r rssiReading) {
	if cs != m.connSeq || m.active == nil {
		return
	}
	threshold := m.cfg.RSSIThreshold
	switch {
	case r.connErr != nil:
		m.disconnect(ReasonSignalUnreadable, fmt.Errorf("%w: %w", ErrSignalLost, r.connErr))
	case !r.connected:
		m.disconnect(ReasonLinkLost, fmt.Errorf("%w: device no longer connected", ErrSignalLost))
	case r.err != nil:
		m.disconnect(ReasonSignalUnreadable, fmt.Errorf("%w: %w", ErrSignalLost, r.err))
	case r.rssi < threshold:
		rssi := r.rssi
		m.active.RSSI = &rssi
		m.disconnect(ReasonSignalLost, fmt.Errorf("%w: rssi %d dBm below %d dBm", ErrSignalLost, r.rssi, threshold))
	default:
		rssi := r.rssi
		a := *m.active
		a.RSSI = &rssi
		m.active = &a
		m.schedule(timerRSSI, m.cfg.RSSIPollInterval(), m.pollRSSI)
	}
}

// disconnect is the one way out of Connected. It is a no-op without a
// live connection, and it drops the disconnect subscription before
// anything else, so however many triggers race for the same link only
// one Exit event is issued.
func (m *Manager) disconnect(reason Reason, cause error) {
	if m.active == nil {
		return
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.connSeq++
	m.cancelTimer(timerRSSI)
	m.setState(Disconnecting)

	active, conn := *m.active, m.conn
	m.active, m.conn = nil, nil
	go func() {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close connection", "device_id", active.Device.ID, "error", err)
		}
	}()

	m.enqueue(attendance.Exit, active.Device, active.RSSI)
	m.logger.Info("disconnected", "device_id", active.Device.ID, "reason", reason.String(), "cause", cause)

	switch {
	case reason == ReasonManual:
		m.enabled = false
		if m.store != nil {
			if err := kvstore.ClearConnection(m.store); err != nil {
				m.logger.Warn("clear persisted connection", "error", err)
			}
		}
		m.setState(Idle)
	case reason.automatic():
		m.lastErr = cause
		m.scheduleRescan(m.cfg.ReconnectDelay())
	default:
		m.setState(Idle)
	}
}

// halt stops scanning and any connect attempt and cancels every timer.
func (m *Manager) halt() {
	m.stopScan()
	if m.connecting {
		m.abortConnect()
		m.connecting = false
	}
	m.cancelAllTimers()
	m.scanStatus = ScanStopped
}

func (m *Manager) cleanup() {
	m.disconnect(ReasonTeardown, nil)
	m.halt()
	if m.radioCancel != nil {
		m.radioCancel()
		m.radioCancel = nil
	}
	m.enabled = false
	m.setState(Idle)
}
