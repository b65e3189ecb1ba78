//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	servicesPollInterval = 200 * time.Millisecond
)

// NewBlueZ returns a Driver for the named adapter ("hci0") backed by
// BlueZ over the system D-Bus. The bus is dialled lazily on first use.
func NewBlueZ(adapter string, logger *slog.Logger) Driver {
	if adapter == "" {
		adapter = "hci0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &bluez{
		adapter:     adapter,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		logger:      logger.With("adapter", adapter),
		conns:       make(map[*bluezConn]struct{}),
	}
}

type bluez struct {
	adapter     string
	adapterPath dbus.ObjectPath
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn
	conns  map[*bluezConn]struct{}

	// released in Close, in reverse order
	cleanup []func()
}

// ensureBusLocked dials a private system bus connection if not yet
// connected. A private connection can be closed without breaking other
// users of the shared one.
func (b *bluez) ensureBusLocked() error {
	if b.bus != nil {
		return nil
	}
	c, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect system bus: %w", err)
	}
	b.bus = c
	b.cleanup = append(b.cleanup, func() { c.Close() })
	return nil
}

func (b *bluez) busConn() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if err := b.ensureBusLocked(); err != nil {
		return nil, err
	}
	return b.bus, nil
}

func (b *bluez) RadioPowered(ctx context.Context) (bool, error) {
	bus, err := b.busConn()
	if err != nil {
		return false, err
	}
	powered, err := getProperty[bool](ctx, bus, b.adapterPath, adapterIface, "Powered")
	if err != nil {
		return false, fmt.Errorf("ble: read %s Powered: %w", b.adapter, err)
	}
	return powered, nil
}

func (b *bluez) WatchRadio(fn func(powered bool)) (func(), error) {
	bus, err := b.busConn()
	if err != nil {
		return nil, err
	}
	sigs, cancel, err := subscribe(bus,
		dbus.WithMatchObjectPath(b.adapterPath),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err != nil {
		return nil, err
	}
	go func() {
		for sig := range sigs {
			if sig.Path != b.adapterPath {
				continue
			}
			iface, changed, ok := propertiesChanged(sig)
			if !ok || iface != adapterIface {
				continue
			}
			if v, ok := changed["Powered"]; ok {
				if powered, ok := v.Value().(bool); ok {
					fn(powered)
				}
			}
		}
	}()
	return cancel, nil
}

func (b *bluez) Scan(ctx context.Context, filter ScanFilter, fn func(Device)) error {
	bus, err := b.busConn()
	if err != nil {
		return err
	}
	adapter := bus.Object(bluezService, b.adapterPath)

	df := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if len(filter.ServiceIDs) > 0 {
		df["UUIDs"] = dbus.MakeVariant(filter.ServiceIDs)
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, df).Err; err != nil {
		return fmt.Errorf("ble: SetDiscoveryFilter: %w", err)
	}

	// Subscribe before starting discovery so no report is lost between the
	// snapshot and the first signal.
	added := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(added...); err != nil {
		return fmt.Errorf("ble: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(added...) }()
	sigs, cancel, err := subscribe(bus,
		dbus.WithMatchOption("path_namespace", string(b.adapterPath)),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err != nil {
		return err
	}
	defer cancel()

	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil && !isInProgress(err) {
		return fmt.Errorf("ble: StartDiscovery: %w", err)
	}
	defer func() {
		_ = adapter.Call(adapterIface+".StopDiscovery", 0).Err
	}()
	b.logger.Debug("scan started", "service_ids", filter.ServiceIDs)

	report := func(d Device) {
		if len(filter.ServiceIDs) > 0 && !d.HasService(filter.ServiceIDs) {
			return
		}
		fn(d)
	}

	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return err
	}
	for path, ifaces := range objs {
		if !b.ownsDevice(path) {
			continue
		}
		if d, ok := deviceFromProps(path, ifaces[deviceIface]); ok {
			report(d)
		}
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("scan stopped")
			return nil
		case sig, ok := <-sigs:
			if !ok {
				return ErrClosed
			}
			switch sig.Name {
			case objManagerIface + ".InterfacesAdded":
				if len(sig.Body) < 2 {
					continue
				}
				path, _ := sig.Body[0].(dbus.ObjectPath)
				ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
				if !b.ownsDevice(path) || ifaces == nil {
					continue
				}
				if d, ok := deviceFromProps(path, ifaces[deviceIface]); ok {
					report(d)
				}
			case propsIface + ".PropertiesChanged":
				iface, _, ok := propertiesChanged(sig)
				if !ok || iface != deviceIface || !b.ownsDevice(sig.Path) {
					continue
				}
				props, err := allProperties(ctx, bus, sig.Path, deviceIface)
				if err != nil {
					continue
				}
				if d, ok := deviceFromProps(sig.Path, props); ok {
					report(d)
				}
			}
		}
	}
}

func (b *bluez) ownsDevice(path dbus.ObjectPath) bool {
	rest, ok := strings.CutPrefix(string(path), string(b.adapterPath)+"/dev_")
	return ok && !strings.Contains(rest, "/")
}

func (b *bluez) Connect(ctx context.Context, id string) (Connection, error) {
	if id == "" {
		return nil, errors.New("ble: device id required")
	}
	bus, err := b.busConn()
	if err != nil {
		return nil, err
	}
	path := adapterDevicePath(b.adapter, id)
	dev := bus.Object(bluezService, path)

	if err := dev.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil && !isAlreadyConnected(err) {
		return nil, fmt.Errorf("ble: connect %s: %w", id, err)
	}
	if err := waitServicesResolved(ctx, bus, path); err != nil {
		_ = dev.Call(deviceIface+".Disconnect", 0).Err
		return nil, fmt.Errorf("ble: connect %s: %w", id, err)
	}

	props, err := allProperties(ctx, bus, path, deviceIface)
	if err != nil {
		_ = dev.Call(deviceIface+".Disconnect", 0).Err
		return nil, fmt.Errorf("ble: connect %s: %w", id, err)
	}
	d, _ := deviceFromProps(path, props)
	if d.ID == "" {
		d.ID = id
	}

	c, err := b.newConn(bus, path, d)
	if err != nil {
		_ = dev.Call(deviceIface+".Disconnect", 0).Err
		return nil, err
	}
	b.logger.Info("device connected", "device_id", d.ID, "name", d.Name)
	return c, nil
}

func (b *bluez) IsConnected(ctx context.Context, id string) (bool, error) {
	bus, err := b.busConn()
	if err != nil {
		return false, err
	}
	connected, err := getProperty[bool](ctx, bus, adapterDevicePath(b.adapter, id), deviceIface, "Connected")
	if err != nil {
		if isUnknownObject(err) {
			return false, nil
		}
		return false, fmt.Errorf("ble: read %s Connected: %w", id, err)
	}
	return connected, nil
}

// Close is safe for concurrent and redundant calls.
func (b *bluez) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*bluezConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	cleanup := b.cleanup
	b.cleanup = nil
	b.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

// bluezConn is one live link. BlueZ exposes no D-Bus call for the RSSI of
// an established link, so each connection holds its own LE discovery
// session on a private bus and reports the freshest advertised RSSI,
// falling back to the last value seen.
type bluezConn struct {
	drv  *bluez
	main *dbus.Conn // driver bus, used for Disconnect
	bus  *dbus.Conn // private bus holding the discovery session
	path dbus.ObjectPath
	dev  Device

	mu       sync.Mutex
	closed   bool
	dropped  bool
	rssi     *int
	nextID   int
	handlers map[int]func(error)
	cleanup  []func()
}

func (b *bluez) newConn(main *dbus.Conn, path dbus.ObjectPath, d Device) (*bluezConn, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}
	c := &bluezConn{
		drv:      b,
		main:     main,
		bus:      bus,
		path:     path,
		dev:      d,
		rssi:     d.RSSI,
		handlers: make(map[int]func(error)),
	}
	c.cleanup = append(c.cleanup, func() { bus.Close() })

	sigs, cancel, err := subscribe(bus,
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err != nil {
		bus.Close()
		return nil, err
	}
	c.cleanup = append(c.cleanup, cancel)
	go c.watch(sigs)

	adapter := bus.Object(bluezService, b.adapterPath)
	_ = adapter.Call(adapterIface+".SetDiscoveryFilter", 0, map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}).Err
	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil && !isInProgress(err) {
		b.logger.Debug("rssi discovery session unavailable", "device_id", d.ID, "error", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.Close()
		return nil, ErrClosed
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

func (c *bluezConn) watch(sigs <-chan *dbus.Signal) {
	for sig := range sigs {
		if sig.Path != c.path {
			continue
		}
		iface, changed, ok := propertiesChanged(sig)
		if !ok || iface != deviceIface {
			continue
		}
		if v, ok := changed["RSSI"]; ok {
			if r, ok := v.Value().(int16); ok {
				n := int(r)
				c.mu.Lock()
				c.rssi = &n
				c.mu.Unlock()
			}
		}
		if v, ok := changed["Connected"]; ok {
			if connected, ok := v.Value().(bool); ok && !connected {
				c.fireDisconnected(fmt.Errorf("%w: %s", ErrNotConnected, c.dev.ID))
			}
		}
	}
}

func (c *bluezConn) fireDisconnected(err error) {
	c.mu.Lock()
	if c.closed || c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	fns := make([]func(error), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.handlers = map[int]func(error){}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (c *bluezConn) Device() Device { return c.dev }

func (c *bluezConn) ReadRSSI(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.dropped {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	c.mu.Unlock()

	if r, err := getProperty[int16](ctx, c.bus, c.path, deviceIface, "RSSI"); err == nil {
		n := int(r)
		c.mu.Lock()
		c.rssi = &n
		c.mu.Unlock()
		return n, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rssi == nil {
		return 0, ErrRSSIUnavailable
	}
	return *c.rssi, nil
}

func (c *bluezConn) IsConnected(ctx context.Context) (bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	connected, err := getProperty[bool](ctx, c.bus, c.path, deviceIface, "Connected")
	if err != nil {
		if isUnknownObject(err) {
			return false, nil
		}
		return false, fmt.Errorf("ble: read %s Connected: %w", c.dev.ID, err)
	}
	return connected, nil
}

// OnDisconnected registers fn. On a closed connection fn is never called
// and the returned cancel does nothing.
func (c *bluezConn) OnDisconnected(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close disconnects the device and releases the private bus. Safe for
// concurrent and redundant calls.
func (c *bluezConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = map[int]func(error){}
	cleanup := c.cleanup
	c.cleanup = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := c.main.Object(bluezService, c.path).CallWithContext(ctx, deviceIface+".Disconnect", 0).Err
	cancel()
	if err != nil && isNotConnected(err) {
		err = nil
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}

	c.drv.mu.Lock()
	delete(c.drv.conns, c)
	c.drv.mu.Unlock()

	if err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.dev.ID, err)
	}
	return nil
}

// Helpers

// subscribe registers a match rule and a signal channel on bus. The
// channel is closed when cancel is called or the bus goes away.
func subscribe(bus *dbus.Conn, opts ...dbus.MatchOption) (<-chan *dbus.Signal, func(), error) {
	if err := bus.AddMatchSignal(opts...); err != nil {
		return nil, nil, fmt.Errorf("ble: AddMatchSignal: %w", err)
	}
	raw := make(chan *dbus.Signal, 64)
	bus.Signal(raw)

	out := make(chan *dbus.Signal)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}
				if sig == nil {
					continue
				}
				select {
				case out <- sig:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			bus.RemoveSignal(raw)
			_ = bus.RemoveMatchSignal(opts...)
			close(done)
		})
	}
	return out, cancel, nil
}

func propertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	return iface, changed, changed != nil
}

func managedObjects(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := bus.Object(bluezService, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("ble: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func allProperties(ctx context.Context, bus *dbus.Conn, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".GetAll", 0, iface)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

func getProperty[T any](ctx context.Context, bus *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	var v dbus.Variant
	call := bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".Get", 0, iface, property)
	if call.Err != nil {
		return zero, call.Err
	}
	if err := call.Store(&v); err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, v.Value())
	}
	return val, nil
}

func waitServicesResolved(ctx context.Context, bus *dbus.Conn, path dbus.ObjectPath) error {
	t := time.NewTicker(servicesPollInterval)
	defer t.Stop()
	for {
		resolved, err := getProperty[bool](ctx, bus, path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for service discovery: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (Device, bool) {
	if props == nil {
		return Device{}, false
	}
	var d Device
	if v, ok := props["Address"]; ok {
		d.ID, _ = v.Value().(string)
	}
	if d.ID == "" {
		d.ID = macFromPath(path)
	}
	if d.ID == "" {
		return Device{}, false
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		if r, ok := v.Value().(int16); ok {
			n := int(r)
			d.RSSI = &n
		}
	}
	if v, ok := props["UUIDs"]; ok {
		d.ServiceIDs, _ = v.Value().([]string)
	}
	return d, true
}

// adapterDevicePath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func adapterDevicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ToUpper(strings.ReplaceAll(address, ":", "_")))
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

func dbusErrorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}

func isInProgress(err error) bool {
	return dbusErrorName(err) == "org.bluez.Error.InProgress"
}

func isAlreadyConnected(err error) bool {
	return dbusErrorName(err) == "org.bluez.Error.AlreadyConnected"
}

func isNotConnected(err error) bool {
	return dbusErrorName(err) == "org.bluez.Error.NotConnected"
}

func isUnknownObject(err error) bool {
	switch dbusErrorName(err) {
	case "org.freedesktop.DBus.Error.UnknownObject", "org.freedesktop.DBus.Error.UnknownMethod",
		"org.bluez.Error.DoesNotExist":
		return true
	}
	return false
}
