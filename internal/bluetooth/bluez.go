package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	customerrors "github.com/pverani/bluehub/internal/errors"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"
	omIface      = "org.freedesktop.DBus.ObjectManager"

	propsChangedSignal    = propsIface + ".PropertiesChanged"
	interfacesAddedSignal = omIface + ".InterfacesAdded"

	signalBuffer = 64
	stopTimeout  = 3 * time.Second
)

// discoveryRef shares one adapter discovery session between concurrent
// scans. BlueZ rejects a second StartDiscovery from the same bus client
// with org.bluez.Error.InProgress, and StopDiscovery ends discovery for
// every session on the connection, so the adapter call happens on the
// first acquire and the last release only.
type discoveryRef struct {
	mu    sync.Mutex
	count int
	start func(ctx context.Context) error
	stop  func(logger *zerolog.Logger)
}

func (d *discoveryRef) acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.count == 0 {
		if err := d.start(ctx); err != nil {
			return err
		}
	}

	d.count++

	return nil
}

func (d *discoveryRef) release(logger *zerolog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count--
	if d.count == 0 {
		d.stop(logger)
	}
}

// BlueZ drives the host bluetooth stack over the system D-Bus.
type BlueZ struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	discovery   discoveryRef
}

// NewBlueZ connects to the system bus and verifies BlueZ is present.
// adapter is the controller name, e.g. hci0.
func NewBlueZ(adapter string) (*BlueZ, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("list bus names: %w", err)
	}

	found := false

	for _, n := range names {
		if n == busName {
			found = true

			break
		}
	}

	if !found {
		_ = conn.Close()

		return nil, fmt.Errorf("%w: org.bluez not on system bus", customerrors.ErrAdapterNotAvailable)
	}

	b := &BlueZ{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
	}
	b.discovery.start = b.startDiscovery
	b.discovery.stop = b.stopDiscovery

	return b, nil
}

// Close releases the bus connection.
func (b *BlueZ) Close() error {
	return b.conn.Close()
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func (b *BlueZ) deviceObjectPath(addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ReplaceAll(addr, ":", "_"))
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func (b *BlueZ) macFromPath(path dbus.ObjectPath) string {
	prefix := string(b.adapterPath) + "/dev_"

	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}

	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

// Scan runs BlueZ discovery and reports device sightings from
// InterfacesAdded and PropertiesChanged signals until ctx is cancelled.
func (b *BlueZ) Scan(ctx context.Context, onSighting func(Sighting)) error {
	logger := zerolog.Ctx(ctx)

	matchProps := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace("/org/bluez"),
	}
	matchAdded := []dbus.MatchOption{
		dbus.WithMatchInterface(omIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}

	if err := b.conn.AddMatchSignal(matchProps...); err != nil {
		return fmt.Errorf("%w: add match: %w", customerrors.ErrAdapterFailure, err)
	}
	defer func() { _ = b.conn.RemoveMatchSignal(matchProps...) }()

	if err := b.conn.AddMatchSignal(matchAdded...); err != nil {
		return fmt.Errorf("%w: add match: %w", customerrors.ErrAdapterFailure, err)
	}
	defer func() { _ = b.conn.RemoveMatchSignal(matchAdded...) }()

	sigCh := make(chan *dbus.Signal, signalBuffer)
	b.conn.Signal(sigCh)

	defer b.conn.RemoveSignal(sigCh)

	if err := b.discovery.acquire(ctx); err != nil {
		return err
	}

	defer b.discovery.release(logger)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-sigCh:
			if !ok {
				return customerrors.ErrAdapterFailure
			}

			if s, ok := b.sightingFromSignal(sig); ok {
				onSighting(s)
			}
		}
	}
}

func (b *BlueZ) startDiscovery(ctx context.Context) error {
	obj := b.conn.Object(busName, b.adapterPath)
	if err := obj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("%w: start discovery: %w", customerrors.ErrAdapterFailure, err)
	}

	return nil
}

// stopDiscovery runs on a fresh context since the scan context is already
// cancelled by the time we get here.
func (b *BlueZ) stopDiscovery(logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	obj := b.conn.Object(busName, b.adapterPath)
	if err := obj.CallWithContext(ctx, adapterIface+".StopDiscovery", 0).Err; err != nil {
		logger.Warn().Err(err).Msg("failed to stop discovery")
	}
}

//nolint:cyclop
func (b *BlueZ) sightingFromSignal(sig *dbus.Signal) (Sighting, bool) {
	var (
		addr  string
		props map[string]dbus.Variant
	)

	switch sig.Name {
	case interfacesAddedSignal:
		if len(sig.Body) < 2 {
			return Sighting{}, false
		}

		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return Sighting{}, false
		}

		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return Sighting{}, false
		}

		props, ok = ifaces[deviceIface]
		if !ok {
			return Sighting{}, false
		}

		addr = b.macFromPath(path)

	case propsChangedSignal:
		if len(sig.Body) < 2 {
			return Sighting{}, false
		}

		iface, ok := sig.Body[0].(string)
		if !ok || iface != deviceIface {
			return Sighting{}, false
		}

		props, ok = sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return Sighting{}, false
		}

		addr = b.macFromPath(sig.Path)

	default:
		return Sighting{}, false
	}

	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			addr = s
		}
	}

	if addr == "" {
		return Sighting{}, false
	}

	return Sighting{
		Address: addr,
		Name:    nameFromProps(props),
		RSSI:    rssiFromProps(props),
		SeenAt:  time.Now(),
	}, true
}

func nameFromProps(props map[string]dbus.Variant) string {
	for _, key := range []string{"Name", "Alias"} {
		if v, ok := props[key]; ok {
			if s, ok := v.Value().(string); ok {
				return s
			}
		}
	}

	return ""
}

func rssiFromProps(props map[string]dbus.Variant) *int {
	v, ok := props["RSSI"]
	if !ok {
		return nil
	}

	if raw, ok := v.Value().(int16); ok {
		rssi := int(raw)

		return &rssi
	}

	return nil
}

// Connect establishes a connection via org.bluez.Device1.Connect.
func (b *BlueZ) Connect(ctx context.Context, addr string) error {
	obj := b.conn.Object(busName, b.deviceObjectPath(addr))
	if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("%w: connect %s: %w", customerrors.ErrAdapterFailure, addr, err)
	}

	return nil
}

// Disconnect tears down a connection via org.bluez.Device1.Disconnect.
func (b *BlueZ) Disconnect(ctx context.Context, addr string) error {
	obj := b.conn.Object(busName, b.deviceObjectPath(addr))
	if err := obj.CallWithContext(ctx, deviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("%w: disconnect %s: %w", customerrors.ErrAdapterFailure, addr, err)
	}

	return nil
}

// Probe reads cached Device1 properties for addr. Succeeds only when the
// stack already has an object for the device.
func (b *BlueZ) Probe(ctx context.Context, addr string) (Sighting, error) {
	obj := b.conn.Object(busName, b.deviceObjectPath(addr))

	var props map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
		return Sighting{}, fmt.Errorf("%w: probe %s: %w", customerrors.ErrDeviceNotFound, addr, err)
	}

	return Sighting{
		Address: addr,
		Name:    nameFromProps(props),
		RSSI:    rssiFromProps(props),
		SeenAt:  time.Now(),
	}, nil
}
