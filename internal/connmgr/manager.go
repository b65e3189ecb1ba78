// Package connmgr is the connection lifecycle manager: it scans for the
// target beacon, connects to it, supervises the link's signal strength,
// and reports enter/exit transitions to the attendance API.
//
// All state lives on a single event loop (Run). Driver callbacks, timer
// expiries, and results of blocking driver calls are posted to the loop
// as closures, so no two handlers ever run concurrently. Commands block
// until the loop has executed them. Status and Watch are safe to call
// from any goroutine.
package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"ble-attendance/internal/alert"
	"ble-attendance/internal/attendance"
	"ble-attendance/internal/ble"
	"ble-attendance/internal/clock"
	"ble-attendance/internal/config"
	"ble-attendance/internal/kvstore"
)

// Fixed delays of the state machine. The configurable ones live in
// config.Config.
const (
	radioPollInterval = 500 * time.Millisecond
	radioPollAttempts = 5
	scanRetryPause    = 2 * time.Second
	settleDelay       = 1 * time.Second
	refreshInterval   = 5 * time.Second
	restartDelay      = 1 * time.Second

	radioReadTimeout = 2 * time.Second
	rssiReadTimeout  = 2 * time.Second
	drainTimeout     = 10 * time.Second
)

// Notifier delivers attendance events. *attendance.Client satisfies it.
type Notifier interface {
	Send(ctx context.Context, ev attendance.Event) attendance.Result
}

// Options configures a Manager. Config, Driver and Notifier are required.
type Options struct {
	Config   *config.Config
	Driver   ble.Driver
	Notifier Notifier
	Store    kvstore.KV   // nil: nothing persisted
	Alerts   alert.Sink   // nil: alerts only logged
	Clock    clock.Clock  // nil: clock.Real()
	Logger   *slog.Logger // nil: slog.Default()
	Criteria *Criteria    // nil: CriteriaFromConfig(Config)
}

// Manager owns the single ActiveConnection and ConnectionState.
type Manager struct {
	cfg      *config.Config
	drv      ble.Driver
	notifier Notifier
	store    kvstore.KV
	alerts   alert.Sink
	clock    clock.Clock
	logger   *slog.Logger
	criteria Criteria

	events  chan func()
	done    chan struct{}
	running atomic.Bool
	outbox  *outbox[attendance.Event]
	alertq  *outbox[alert.Alert]

	// Loop-owned state; touched only from closures run by Run.
	ctx           context.Context
	state         State
	scanStatus    ScanStatus
	enabled       bool
	connecting    bool
	active        *ActiveConnection
	conn          ble.Connection
	connSeq       uint64
	unsubscribe   func()
	scanCancel    context.CancelFunc
	scanSeq       uint64
	connectCancel context.CancelFunc
	connectSeq    uint64
	radioCancel   func()
	radioAttempts int
	radioSeq      uint64
	userID        string
	lastDeviceID  string
	lastErr       error
	seen          map[string]ble.Device
	seenOrder     []string
	shown         []ble.Device
	timers        map[string]*timerEntry
	timerSeq      uint64

	mu        sync.Mutex
	status    Status
	watchers  map[int]chan Status
	nextWatch int
}

// New returns a Manager. Nothing happens until Run is called.
func New(opts Options) *Manager {
	m := &Manager{
		cfg:        opts.Config,
		drv:        opts.Driver,
		notifier:   opts.Notifier,
		store:      opts.Store,
		alerts:     opts.Alerts,
		clock:      opts.Clock,
		logger:     opts.Logger,
		events:     make(chan func(), 64),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		scanStatus: ScanStopped,
		seen:       make(map[string]ble.Device),
		timers:     make(map[string]*timerEntry),
		watchers:   make(map[int]chan Status),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "connmgr")
	if opts.Criteria != nil {
		m.criteria = *opts.Criteria
	} else {
		m.criteria = CriteriaFromConfig(m.cfg)
	}
	m.userID = m.cfg.UserID
	m.outbox = newOutbox(m.deliver)
	m.alertq = newOutbox(m.notify)
	m.status = m.snapshot()
	return m
}

// Run executes the event loop until ctx is done. On the way out a live
// connection is torn down (sending its Exit event), every timer and
// subscription is released, and queued attendance events are given a
// bounded time to drain.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("connmgr: already running")
	}
	m.ctx = ctx

	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()
	go m.outbox.run(sendCtx)
	go m.alertq.run(sendCtx)

	for {
		select {
		case <-ctx.Done():
			m.cleanup()
			m.publish()
			close(m.done)

			m.outbox.stop()
			m.alertq.stop()
			drained := time.After(drainTimeout)
			for _, done := range []chan struct{}{m.outbox.done, m.alertq.done} {
				select {
				case <-done:
				case <-drained:
					m.logger.Warn("attendance events or alerts still pending at shutdown")
					cancelSend()
					<-done
				}
			}
			return nil
		case fn := <-m.events:
			fn()
			m.publish()
		}
	}
}

// post queues fn on the loop. It reports false once the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the loop and waits for it. The snapshot is published
// before call returns, so Status reflects the command.
func (m *Manager) call(fn func()) {
	ran := make(chan struct{})
	if !m.post(func() { fn(); m.publish(); close(ran) }) {
		return
	}
	select {
	case <-ran:
	case <-m.done:
	}
}

// Start loads the persisted identity, subscribes to radio power changes
// and begins the radio-wait → scan cycle.
func (m *Manager) Start() {
	m.call(func() {
		m.loadIdentity()
		m.startScanning()
	})
}

// StartScanning enables the manager and starts a scan cycle unless a
// connection exists or is being made.
func (m *Manager) StartScanning() {
	m.call(m.startScanning)
}

// ConnectToDevice connects to d directly. It reports false, doing
// nothing, when a connect is already in flight or a link is up.
func (m *Manager) ConnectToDevice(d ble.Device) bool {
	var ok bool
	m.call(func() {
		if m.connecting || m.active != nil {
			return
		}
		m.enabled = true
		delay := time.Duration(0)
		if m.scanCancel != nil {
			delay = settleDelay
		}
		ok = m.beginConnect(d, delay)
	})
	return ok
}

// Disconnect is the operator's manual disconnect: the link (or any
// scan or connect in progress) is dropped, persisted connection fields
// are cleared, and no reconnect is scheduled.
func (m *Manager) Disconnect() {
	m.call(func() {
		if m.active != nil {
			m.disconnect(ReasonManual, nil)
			return
		}
		m.halt()
		m.enabled = false
		m.setState(Idle)
	})
}

// RestartScanning performs Cleanup then starts scanning after a short
// delay.
func (m *Manager) RestartScanning() {
	m.call(func() {
		m.cleanup()
		m.enabled = true
		m.schedule(timerRestart, restartDelay, m.startScanning)
	})
}

// Cleanup tears down any live connection (sending its Exit event),
// stops scanning, cancels every timer and unsubscribes every callback.
// Nothing fires afterwards until scanning is started again.
func (m *Manager) Cleanup() {
	m.call(m.cleanup)
}

// Status returns the latest snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Watch returns a channel that always holds the latest Status. Slow
// readers see only the newest snapshot; the loop never blocks on them.
func (m *Manager) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	m.mu.Lock()
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch
	ch <- m.status
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) snapshot() Status {
	st := Status{
		State:           m.state,
		ConnectionLabel: connectionLabel(m.state),
		ScanStatus:      m.scanStatus,
		InRoom:          m.active != nil,
		Discovered:      append([]ble.Device(nil), m.shown...),
		LastError:       m.lastErr,
	}
	if m.active != nil {
		a := *m.active
		st.Active = &a
	}
	return st
}

// publish replaces the shared snapshot if anything changed and hands it
// to every watcher.
func (m *Manager) publish() {
	st := m.snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.status
	prev.UpdatedAt = time.Time{}
	if reflect.DeepEqual(prev, st) {
		return
	}
	st.UpdatedAt = m.clock.Now()
	m.status = st
	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state change", "from", m.state.String(), "to", s.String())
	m.state = s
}

// raise logs and queues a user-facing alert. Sinks run off the loop.
func (m *Manager) raise(title, message string, err error) {
	m.logger.Warn(message, "error", err)
	if m.alerts == nil {
		return
	}
	m.alertq.push(alert.Alert{
		Title:   title,
		Message: message,
		Err:     err,
		At:      m.clock.Now(),
	})
}

func (m *Manager) notify(ctx context.Context, a alert.Alert) {
	m.alerts.Alert(ctx, a)
}

func (m *Manager) loadIdentity() {
	if m.store == nil {
		return
	}
	id, err := kvstore.LoadIdentity(m.store)
	if err != nil {
		m.logger.Warn("load persisted identity", "error", err)
	}
	if id.UserID != "" {
		m.userID = id.UserID
	}
	if id.LastConnectedDeviceID != "" {
		m.lastDeviceID = id.LastConnectedDeviceID
		m.logger.Info("remembered device", "device_id", id.LastConnectedDeviceID,
			"last_connected", id.LastConnectionTime)
	}
}

func (m *Manager) enqueue(kind attendance.Kind, d ble.Device, rssi *int) {
	ev := attendance.NewEvent(kind, m.userID, m.clock.Now())
	ev.DeviceID = d.ID
	ev.DeviceName = d.Name
	ev.RSSI = rssi
	m.outbox.push(ev)
}

func (m *Manager) deliver(ctx context.Context, ev attendance.Event) {
	res := m.notifier.Send(ctx, ev)
	if !res.Delivered {
		m.logger.Warn("attendance event dropped",
			"kind", ev.Kind.String(), "device_id", ev.DeviceID, "attempts", res.Attempts, "error", res.Err)
	}
}
