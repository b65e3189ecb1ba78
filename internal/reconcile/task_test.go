package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-attendance/internal/attendance"
	"ble-attendance/internal/ble"
	"ble-attendance/internal/ble/bletest"
	"ble-attendance/internal/clock"
	"ble-attendance/internal/kvstore"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond

	beaconID = "D0:39:72:A4:11:0E"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []attendance.Event
}

func (r *recordingNotifier) Send(_ context.Context, ev attendance.Event) attendance.Result {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return attendance.Result{Delivered: true, Attempts: 1}
}

func (r *recordingNotifier) snapshot() []attendance.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]attendance.Event(nil), r.events...)
}

func (r *recordingNotifier) kinds() []attendance.Kind {
	var out []attendance.Kind
	for _, ev := range r.snapshot() {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recordingNotifier) count(k attendance.Kind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

type fixture struct {
	drv      *bletest.Driver
	store    *kvstore.Store
	notifier *recordingNotifier
	task     *Task
}

func newFixture(t *testing.T, lastID string) *fixture {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if lastID != "" {
		require.NoError(t, kvstore.RecordConnection(store, lastID, time.Now()))
	}

	f := &fixture{
		drv:      bletest.NewDriver(),
		store:    store,
		notifier: &recordingNotifier{},
	}
	f.task = New(Options{
		Driver:         f.drv,
		Store:          store,
		Notifier:       f.notifier,
		UserID:         "config-user",
		ConnectTimeout: 50 * time.Millisecond,
		Clock:          clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
	})
	t.Cleanup(func() { f.task.Close(context.Background()) })
	return f
}

func TestNoLastDeviceIsNoData(t *testing.T) {
	f := newFixture(t, "")

	res, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, NoData, res)
	assert.Empty(t, f.drv.ConnectCalls())
	assert.Empty(t, f.notifier.kinds())
}

func TestReconnectSendsEnter(t *testing.T) {
	f := newFixture(t, beaconID)
	require.NoError(t, kvstore.SetUserID(f.store, "stored-user"))

	res, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, NewData, res)
	assert.Equal(t, []string{beaconID}, f.drv.ConnectCalls())
	assert.Equal(t, beaconID, f.task.DeviceID())

	events := f.notifier.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, attendance.Enter, events[0].Kind)
	assert.Equal(t, "stored-user", events[0].UserID)
	assert.Equal(t, beaconID, events[0].DeviceID)
	assert.Equal(t, 1, f.drv.Conn(beaconID).Handlers())
}

func TestUserIDFallsBackToOptions(t *testing.T) {
	f := newFixture(t, beaconID)

	_, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	events := f.notifier.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "config-user", events[0].UserID)
}

func TestStillConnectedIsNoData(t *testing.T) {
	f := newFixture(t, beaconID)

	_, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	res, err := f.task.Run(testContext(t))
	require.NoError(t, err)

	assert.Equal(t, NoData, res)
	assert.Len(t, f.drv.ConnectCalls(), 1)
	assert.Equal(t, []attendance.Kind{attendance.Enter}, f.notifier.kinds())
}

func TestDisconnectCallbackSendsExitOnce(t *testing.T) {
	f := newFixture(t, beaconID)

	_, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	conn := f.drv.Conn(beaconID)
	conn.Drop()

	require.Eventually(t, func() bool { return f.notifier.count(attendance.Exit) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.task.DeviceID() == "" }, waitFor, tick)
	assert.True(t, conn.Closed())

	// Nothing tracked any more: the next invocation reconnects rather than
	// sending a second Exit.
	res, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, NewData, res)
	assert.Equal(t, []attendance.Kind{attendance.Enter, attendance.Exit, attendance.Enter}, f.notifier.kinds())
}

func TestMissedDisconnectNoticedByNextRun(t *testing.T) {
	f := newFixture(t, beaconID)

	_, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	f.drv.Conn(beaconID).SetConnected(false)

	res, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, NewData, res)
	assert.Equal(t, []attendance.Kind{attendance.Enter, attendance.Exit, attendance.Enter}, f.notifier.kinds())
	assert.Len(t, f.drv.ConnectCalls(), 2)
}

func TestDropRacingRunSendsOneExit(t *testing.T) {
	f := newFixture(t, beaconID)
	_, err := f.task.Run(testContext(t))
	require.NoError(t, err)

	// The next connect fails so the second Run cannot add events of its own.
	f.drv.SetConnect(func(context.Context, string) (ble.Connection, error) {
		return nil, errors.New("le-connection-abort-by-local")
	})
	f.drv.Conn(beaconID).Drop()
	_, _ = f.task.Run(testContext(t))

	require.Eventually(t, func() bool { return f.notifier.count(attendance.Exit) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return f.notifier.count(attendance.Exit) > 1 }, 50*time.Millisecond, tick)
}

// dropOnSubscribe loses the link while the disconnect callback is being
// registered.
type dropOnSubscribe struct {
	*bletest.Connection
}

func (c dropOnSubscribe) OnDisconnected(fn func(error)) func() {
	cancel := c.Connection.OnDisconnected(fn)
	c.Drop()
	return cancel
}

func TestDropDuringSubscribeSendsExit(t *testing.T) {
	f := newFixture(t, beaconID)
	f.drv.SetConnect(func(_ context.Context, id string) (ble.Connection, error) {
		return dropOnSubscribe{bletest.NewConnection(ble.Device{ID: id})}, nil
	})

	res, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, NewData, res)

	require.Eventually(t, func() bool { return f.notifier.count(attendance.Exit) == 1 }, waitFor, tick)
	assert.Equal(t, []attendance.Kind{attendance.Enter, attendance.Exit}, f.notifier.kinds())
	assert.Empty(t, f.task.DeviceID())
}

func TestDropDuringEnterNoticedByNextRun(t *testing.T) {
	f := newFixture(t, beaconID)
	var conn *bletest.Connection
	f.drv.SetConnect(func(_ context.Context, id string) (ble.Connection, error) {
		conn = bletest.NewConnection(ble.Device{ID: id})
		// Link already gone, with no callback ever firing.
		conn.SetConnected(false)
		return conn, nil
	})

	_, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	f.drv.SetConnect(func(context.Context, string) (ble.Connection, error) {
		return nil, errors.New("le-connection-abort-by-local")
	})

	res, _ := f.task.Run(testContext(t))
	assert.Equal(t, Failed, res)
	assert.Equal(t, []attendance.Kind{attendance.Enter, attendance.Exit}, f.notifier.kinds())
	assert.True(t, conn.Closed())
}

func TestConnectFailureIsFailedAndRetriedNextRun(t *testing.T) {
	f := newFixture(t, beaconID)
	rejected := errors.New("br-connection-page-timeout")
	f.drv.SetConnect(func(context.Context, string) (ble.Connection, error) { return nil, rejected })

	res, err := f.task.Run(testContext(t))
	assert.Equal(t, Failed, res)
	require.ErrorIs(t, err, rejected)
	assert.Empty(t, f.notifier.kinds())
	assert.Empty(t, f.task.DeviceID())

	f.drv.SetConnect(nil)
	res, err = f.task.Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, NewData, res)
	assert.Len(t, f.drv.ConnectCalls(), 2)
}

func TestConnectTimeoutIsBounded(t *testing.T) {
	f := newFixture(t, beaconID)
	f.drv.SetConnect(bletest.Hang)

	res, err := f.task.Run(testContext(t))
	assert.Equal(t, Failed, res)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.notifier.kinds())
}

func TestCloseSendsExitForEnteredDevice(t *testing.T) {
	f := newFixture(t, beaconID)
	_, err := f.task.Run(testContext(t))
	require.NoError(t, err)
	conn := f.drv.Conn(beaconID)

	require.NoError(t, f.task.Close(testContext(t)))
	assert.True(t, conn.Closed())
	assert.Equal(t, []attendance.Kind{attendance.Enter, attendance.Exit}, f.notifier.kinds())

	require.NoError(t, f.task.Close(testContext(t)))
	assert.Equal(t, 1, f.notifier.count(attendance.Exit))
}

func TestCloseWithoutEnterSendsNothing(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.task.Close(testContext(t)))
	assert.Empty(t, f.notifier.kinds())
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "no_data", NoData.String())
	assert.Equal(t, "new_data", NewData.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "Result(7)", Result(7).String())
}
