// Package bletest provides an in-memory ble.Driver for tests.
package bletest

import (
	"context"
	"sync"

	"ble-attendance/internal/ble"
)

// ConnectFunc decides the outcome of a Connect call. Returning a nil
// Connection and nil error makes the fake create a Connection.
type ConnectFunc func(ctx context.Context, id string) (ble.Connection, error)

// Hang is a ConnectFunc that blocks until ctx is done, like a peripheral
// that never answers.
func Hang(ctx context.Context, _ string) (ble.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// Driver is a scriptable ble.Driver.
type Driver struct {
	mu          sync.Mutex
	closed      bool
	powered     bool
	powerErr    error
	powerChecks int
	powerGate   <-chan struct{}
	radioSubs   map[int]func(bool)
	nextSub     int
	scans       map[int]*scan
	scanCount   int
	scanErr     error
	connectFn   ConnectFunc
	connects    []string
	conns       map[string]*Connection
	lastFilter  ble.ScanFilter
}

type scan struct {
	fn     func(ble.Device)
	filter ble.ScanFilter
	mu     sync.Mutex // serializes fn like a real driver
}

// NewDriver returns a powered-on fake.
func NewDriver() *Driver {
	return &Driver{
		powered:   true,
		radioSubs: make(map[int]func(bool)),
		scans:     make(map[int]*scan),
		conns:     make(map[string]*Connection),
	}
}

// SetPowered changes radio power and notifies watchers.
func (d *Driver) SetPowered(on bool) {
	d.mu.Lock()
	d.powered = on
	subs := make([]func(bool), 0, len(d.radioSubs))
	for _, fn := range d.radioSubs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	for _, fn := range subs {
		fn(on)
	}
}

// SetPowerError makes RadioPowered fail.
func (d *Driver) SetPowerError(err error) {
	d.mu.Lock()
	d.powerErr = err
	d.mu.Unlock()
}

// SetPowerGate makes RadioPowered wait until gate is closed or its ctx
// is done.
func (d *Driver) SetPowerGate(gate <-chan struct{}) {
	d.mu.Lock()
	d.powerGate = gate
	d.mu.Unlock()
}

// SetScanError makes the next Scan calls fail immediately.
func (d *Driver) SetScanError(err error) {
	d.mu.Lock()
	d.scanErr = err
	d.mu.Unlock()
}

// SetConnect replaces the Connect behaviour.
func (d *Driver) SetConnect(fn ConnectFunc) {
	d.mu.Lock()
	d.connectFn = fn
	d.mu.Unlock()
}

// Emit delivers dev to every running scan whose filter it passes. It
// reports whether any scan received it.
func (d *Driver) Emit(dev ble.Device) bool {
	d.mu.Lock()
	active := make([]*scan, 0, len(d.scans))
	for _, s := range d.scans {
		active = append(active, s)
	}
	d.mu.Unlock()

	delivered := false
	for _, s := range active {
		if len(s.filter.ServiceIDs) > 0 && !dev.HasService(s.filter.ServiceIDs) {
			continue
		}
		s.mu.Lock()
		s.fn(dev)
		s.mu.Unlock()
		delivered = true
	}
	return delivered
}

// Scanning reports whether a Scan call is running.
func (d *Driver) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.scans) > 0
}

// ScanCount is the number of Scan calls made so far.
func (d *Driver) ScanCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanCount
}

// LastFilter is the filter of the most recent Scan call.
func (d *Driver) LastFilter() ble.ScanFilter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFilter
}

// ConnectCalls returns the ids passed to Connect, in order.
func (d *Driver) ConnectCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.connects...)
}

// PowerChecks is the number of RadioPowered calls made so far.
func (d *Driver) PowerChecks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerChecks
}

// Conn returns the most recent Connection opened to id.
func (d *Driver) Conn(id string) *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[id]
}

func (d *Driver) RadioPowered(ctx context.Context) (bool, error) {
	d.mu.Lock()
	gate := d.powerGate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ble.ErrClosed
	}
	d.powerChecks++
	return d.powered, d.powerErr
}

func (d *Driver) WatchRadio(fn func(bool)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ble.ErrClosed
	}
	id := d.nextSub
	d.nextSub++
	d.radioSubs[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.radioSubs, id)
		d.mu.Unlock()
	}, nil
}

// RadioWatchers is the number of live WatchRadio subscriptions.
func (d *Driver) RadioWatchers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.radioSubs)
}

func (d *Driver) Scan(ctx context.Context, filter ble.ScanFilter, fn func(ble.Device)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ble.ErrClosed
	}
	d.scanCount++
	d.lastFilter = filter
	if d.scanErr != nil {
		err := d.scanErr
		d.mu.Unlock()
		return err
	}
	id := d.nextSub
	d.nextSub++
	d.scans[id] = &scan{fn: fn, filter: filter}
	d.mu.Unlock()

	<-ctx.Done()

	d.mu.Lock()
	delete(d.scans, id)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Connect(ctx context.Context, id string) (ble.Connection, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ble.ErrClosed
	}
	d.connects = append(d.connects, id)
	fn := d.connectFn
	d.mu.Unlock()

	if fn != nil {
		c, err := fn(ctx, id)
		if c != nil || err != nil {
			return c, err
		}
	}
	c := NewConnection(ble.Device{ID: id})
	d.mu.Lock()
	d.conns[id] = c
	d.mu.Unlock()
	return c, nil
}

func (d *Driver) IsConnected(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	c := d.conns[id]
	d.mu.Unlock()
	if c == nil {
		return false, nil
	}
	return c.IsConnected(context.Background())
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Connection is a scriptable ble.Connection.
type Connection struct {
	dev ble.Device

	mu        sync.Mutex
	rssi      int
	rssiErr   error
	connected bool
	closed    bool
	nextID    int
	handlers  map[int]func(error)
}

// NewConnection returns a connected link to dev with RSSI -60.
func NewConnection(dev ble.Device) *Connection {
	return &Connection{
		dev:       dev,
		rssi:      -60,
		connected: true,
		handlers:  make(map[int]func(error)),
	}
}

// SetRSSI sets the value ReadRSSI returns.
func (c *Connection) SetRSSI(v int) {
	c.mu.Lock()
	c.rssi = v
	c.rssiErr = nil
	c.mu.Unlock()
}

// SetRSSIError makes ReadRSSI fail.
func (c *Connection) SetRSSIError(err error) {
	c.mu.Lock()
	c.rssiErr = err
	c.mu.Unlock()
}

// Drop simulates the peripheral going away: the link is marked
// disconnected and every registered callback fires once.
func (c *Connection) Drop() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	fns := make([]func(error), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.handlers = make(map[int]func(error))
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ble.ErrNotConnected)
	}
}

// SetConnected changes the link state without firing callbacks, as when
// the driver misses a disconnect event.
func (c *Connection) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Handlers is the number of registered disconnect callbacks.
func (c *Connection) Handlers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

func (c *Connection) Device() ble.Device { return c.dev }

func (c *Connection) ReadRSSI(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ble.ErrClosed
	}
	if c.rssiErr != nil {
		return 0, c.rssiErr
	}
	return c.rssi, nil
}

func (c *Connection) IsConnected(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed, nil
}

func (c *Connection) OnDisconnected(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	c.handlers = make(map[int]func(error))
	return nil
}
