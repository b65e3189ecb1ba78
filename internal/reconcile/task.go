// Package reconcile is the periodic, process-independent attendance
// check. Each invocation makes sure the last known beacon is either still
// connected (nothing to do), freshly reconnected (Enter sent), or gone
// (Exit sent once).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ble-attendance/internal/attendance"
	"ble-attendance/internal/ble"
	"ble-attendance/internal/clock"
	"ble-attendance/internal/kvstore"
)

// DefaultConnectTimeout bounds the reconnect attempt when Options leaves it
// unset.
const DefaultConnectTimeout = 15 * time.Second

// Result is what one invocation achieved.
type Result int

const (
	NoData Result = iota
	NewData
	Failed
)

func (r Result) String() string {
	switch r {
	case NoData:
		return "no_data"
	case NewData:
		return "new_data"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Notifier delivers attendance events. *attendance.Client satisfies it.
type Notifier interface {
	Send(ctx context.Context, ev attendance.Event) attendance.Result
}

// Options configures a Task. Driver, Store and Notifier are required.
type Options struct {
	Driver         ble.Driver
	Store          kvstore.KV
	Notifier       Notifier
	UserID         string        // used when the store has no userId
	ConnectTimeout time.Duration // zero: DefaultConnectTimeout
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Task holds the state that survives between invocations inside one
// process: the device it connected to and whether that device's Exit has
// been sent. Neither is persisted.
type Task struct {
	drv      ble.Driver
	store    kvstore.KV
	notifier Notifier
	userID   string
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu          sync.Mutex
	deviceID    string
	conn        ble.Connection
	unsubscribe func()
	hasSentExit bool
	wg          sync.WaitGroup
}

// New returns a Task with the exit latch set, so nothing is sent for a
// device this process never entered.
func New(opts Options) *Task {
	t := &Task{
		drv:         opts.Driver,
		store:       opts.Store,
		notifier:    opts.Notifier,
		userID:      opts.UserID,
		timeout:     opts.ConnectTimeout,
		clock:       opts.Clock,
		logger:      opts.Logger,
		hasSentExit: true,
	}
	if t.timeout <= 0 {
		t.timeout = DefaultConnectTimeout
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "reconcile")
	return t
}

// DeviceID is the device this process is currently attending through, or "".
func (t *Task) DeviceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceID
}

// Run performs one invocation. Failed is returned with a non-nil error;
// the next invocation retries, this one does not.
func (t *Task) Run(ctx context.Context) (Result, error) {
	t.mu.Lock()
	id, conn := t.deviceID, t.conn
	t.mu.Unlock()

	if id != "" {
		if t.stillConnected(ctx, id, conn) {
			t.logger.Debug("already connected", "device_id", id)
			return NoData, nil
		}
		t.logger.Info("device disconnected", "device_id", id)
		t.release(ctx, id, nil)
	}

	lastID, err := t.store.Get(kvstore.KeyLastConnectedDeviceID)
	if err != nil {
		return Failed, fmt.Errorf("reconcile: read last device: %w", err)
	}
	if lastID == "" {
		t.logger.Debug("no last connected device")
		return NoData, nil
	}

	t.logger.Info("connecting to last known device", "device_id", lastID)
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	conn, err = t.drv.Connect(cctx, lastID)
	cancel()
	if err != nil {
		return Failed, fmt.Errorf("reconcile: connect %s: %w", lastID, err)
	}
	dev := conn.Device()
	if dev.ID == "" {
		dev.ID = lastID
	}
	t.logger.Info("connected", "device_id", dev.ID, "name", dev.Name)

	// The latch opens together with the device so a drop seen at any point
	// from here on, by the callback or by a later Run, sends the Exit.
	t.mu.Lock()
	t.deviceID = dev.ID
	t.conn = conn
	t.hasSentExit = false
	t.mu.Unlock()

	t.send(ctx, attendance.Enter, dev)

	sendCtx := context.WithoutCancel(ctx)
	unsubscribe := conn.OnDisconnected(func(err error) {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.release(sendCtx, dev.ID, err)
		}()
	})

	t.mu.Lock()
	// release may already have run for this device.
	if t.deviceID == dev.ID && t.conn == conn {
		t.unsubscribe = unsubscribe
		unsubscribe = nil
	}
	t.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	return NewData, nil
}

// Close drops the connection held by the task. If the device was entered
// and its Exit not yet sent, Exit is sent now since the link is going
// away. Pending disconnect deliveries are waited for.
func (t *Task) Close(ctx context.Context) error {
	t.mu.Lock()
	id := t.deviceID
	t.mu.Unlock()
	if id != "" {
		t.release(ctx, id, nil)
	}
	t.wg.Wait()
	return nil
}

func (t *Task) stillConnected(ctx context.Context, id string, conn ble.Connection) bool {
	var (
		ok  bool
		err error
	)
	if conn != nil {
		ok, err = conn.IsConnected(ctx)
	} else {
		ok, err = t.drv.IsConnected(ctx, id)
	}
	if err != nil {
		t.logger.Warn("connection check failed", "device_id", id, "error", err)
		return false
	}
	return ok
}

// release forgets id and sends its Exit unless the latch is already set.
// Later calls for the same device find it gone and do nothing, so the
// disconnect callback and a Run noticing the drop cannot both send.
func (t *Task) release(ctx context.Context, id string, cause error) {
	t.mu.Lock()
	if t.deviceID != id {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	unsubscribe := t.unsubscribe
	sendExit := !t.hasSentExit
	t.deviceID = ""
	t.conn = nil
	t.unsubscribe = nil
	t.hasSentExit = true
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	var dev ble.Device
	if conn != nil {
		dev = conn.Device()
		if err := conn.Close(); err != nil && !errors.Is(err, ble.ErrClosed) {
			t.logger.Warn("close connection", "device_id", id, "error", err)
		}
	}
	if dev.ID == "" {
		dev.ID = id
	}
	if cause != nil {
		t.logger.Info("link lost", "device_id", id, "error", cause)
	}
	if sendExit {
		t.send(ctx, attendance.Exit, dev)
	}
}

func (t *Task) send(ctx context.Context, kind attendance.Kind, dev ble.Device) {
	ev := attendance.NewEvent(kind, t.currentUserID(), t.clock.Now())
	ev.DeviceID = dev.ID
	ev.DeviceName = dev.Name
	res := t.notifier.Send(ctx, ev)
	if !res.Delivered {
		t.logger.Warn("attendance event dropped",
			"kind", kind.String(), "device_id", dev.ID, "attempts", res.Attempts, "error", res.Err)
	}
}

func (t *Task) currentUserID() string {
	id, err := t.store.Get(kvstore.KeyUserID)
	if err != nil {
		t.logger.Warn("read user id", "error", err)
	}
	if id == "" {
		return t.userID
	}
	return id
}
