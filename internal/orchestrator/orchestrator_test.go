package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pverani/bluehub/internal/bluetooth"
	customerrors "github.com/pverani/bluehub/internal/errors"
	"github.com/pverani/bluehub/internal/events"
	"github.com/pverani/bluehub/internal/logbuf"
	"github.com/pverani/bluehub/internal/orchestrator"
	"github.com/pverani/bluehub/internal/registry"
	"github.com/pverani/bluehub/internal/whitelist"
)

type fakeAdapter struct {
	mu           sync.Mutex
	connectErr   map[string]error
	connectCalls map[string]int
	// hang, when set for an address, makes Connect wait on the channel
	// and ignore the context, simulating a stack that answers late.
	hang  map[string]chan error
	probe map[string]bluetooth.Sighting
}

func newAdapter() *fakeAdapter {
	return &fakeAdapter{
		connectErr:   make(map[string]error),
		connectCalls: make(map[string]int),
		hang:         make(map[string]chan error),
		probe:        make(map[string]bluetooth.Sighting),
	}
}

func (f *fakeAdapter) Scan(ctx context.Context, _ func(bluetooth.Sighting)) error {
	<-ctx.Done()

	return ctx.Err()
}

func (f *fakeAdapter) Connect(_ context.Context, addr string) error {
	f.mu.Lock()
	f.connectCalls[addr]++
	hang := f.hang[addr]
	err := f.connectErr[addr]
	f.mu.Unlock()

	if hang != nil {
		return <-hang
	}

	return err
}

func (f *fakeAdapter) Disconnect(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connectErr["disconnect:"+addr]
}

func (f *fakeAdapter) Probe(_ context.Context, addr string) (bluetooth.Sighting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.probe[addr]
	if !ok {
		return bluetooth.Sighting{}, customerrors.ErrDeviceNotFound
	}

	return s, nil
}

func (f *fakeAdapter) calls(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connectCalls[addr]
}

type fixture struct {
	adapter *fakeAdapter
	reg     *registry.Registry
	wl      *whitelist.Whitelist
	bus     *events.Broadcaster
	logs    *logbuf.Buffer
	orch    *orchestrator.Orchestrator
}

func newFixture(opts orchestrator.Options, entries ...whitelist.Entry) *fixture {
	adapter := newAdapter()
	reg := registry.New()
	wl := whitelist.New(entries)
	bus := events.NewBroadcaster(64)
	logs := logbuf.New(50, zerolog.Nop())

	return &fixture{
		adapter: adapter,
		reg:     reg,
		wl:      wl,
		bus:     bus,
		logs:    logs,
		orch:    orchestrator.New(adapter, reg, wl, bus, logs, opts),
	}
}

func (f *fixture) addDevice(addr, name string) {
	f.reg.Upsert(registry.Sighting{Address: addr, Name: name, SeenAt: time.Now()})
}

const (
	addrA = "AA:AA:AA:AA:AA:AA"
	addrB = "BB:BB:BB:BB:BB:BB"
	addrC = "CC:CC:CC:CC:CC:CC"
)

func TestConnectOneUnknownDevice(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{}, whitelist.Entry{Address: addrA})

	err := f.orch.ConnectOne(t.Context(), addrA)
	assert.ErrorIs(t, err, customerrors.ErrDeviceNotFound)
}

func TestConnectOneUnauthorized(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{})
	f.addDevice(addrA, "Stranger")

	err := f.orch.ConnectOne(t.Context(), addrA)
	assert.ErrorIs(t, err, customerrors.ErrDeviceNotAuthorized)
	assert.Equal(t, 0, f.adapter.calls(addrA))
}

func TestConnectOneSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{}, whitelist.Entry{Address: addrA, Name: "Buds"})
	f.addDevice(addrA, "Buds")

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	require.NoError(t, f.orch.ConnectOne(t.Context(), addrA))

	dev, ok := f.reg.Get(addrA)
	require.True(t, ok)
	assert.True(t, dev.Connected)
	assert.Equal(t, 0, dev.Attempts, "success resets the attempt counter")

	var sawConnected bool

	for len(sub.Events()) > 0 {
		ev := <-sub.Events()
		if ev.Type == events.TypeDeviceConnected {
			sawConnected = true

			payload, ok := ev.Data.(orchestrator.DeviceEvent)
			require.True(t, ok)
			assert.Equal(t, addrA, payload.Address)
			assert.Equal(t, "Buds", payload.Name)
		}
	}

	assert.True(t, sawConnected)
}

func TestConnectOneIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{}, whitelist.Entry{Address: addrA})
	f.addDevice(addrA, "Buds")

	require.NoError(t, f.orch.ConnectOne(t.Context(), addrA))
	require.NoError(t, f.orch.ConnectOne(t.Context(), addrA))

	assert.Equal(t, 1, f.adapter.calls(addrA), "second connect must not touch the adapter")
}

func TestConnectOneFailureCountsAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{MaxAttempts: 2}, whitelist.Entry{Address: addrA})
	f.addDevice(addrA, "Buds")
	f.adapter.connectErr[addrA] = errors.New("le-connection-abort")

	require.Error(t, f.orch.ConnectOne(t.Context(), addrA))
	require.Error(t, f.orch.ConnectOne(t.Context(), addrA))

	// cap reached: no further adapter calls
	err := f.orch.ConnectOne(t.Context(), addrA)
	assert.ErrorIs(t, err, customerrors.ErrAttemptsExhausted)
	assert.Equal(t, 2, f.adapter.calls(addrA))

	dev, _ := f.reg.Get(addrA)
	assert.Equal(t, 2, dev.Attempts)
	assert.False(t, dev.Connected)
}

func TestConnectTimeoutDiscardsLateResult(t *testing.T) {
	t.Parallel()

	f := newFixture(
		orchestrator.Options{ConnectTimeout: 20 * time.Millisecond},
		whitelist.Entry{Address: addrA},
	)
	f.addDevice(addrA, "Buds")

	hang := make(chan error, 1)
	f.adapter.hang[addrA] = hang

	err := f.orch.ConnectOne(t.Context(), addrA)
	assert.ErrorIs(t, err, customerrors.ErrConnectTimeout)

	// the stack answers success after the orchestrator gave up
	hang <- nil

	time.Sleep(50 * time.Millisecond)

	dev, _ := f.reg.Get(addrA)
	assert.False(t, dev.Connected, "late connect result must not flip state")

	var sawDiscard bool

	for _, e := range f.logs.List() {
		if strings.Contains(e.Message, "late connect result") {
			sawDiscard = true
		}
	}

	assert.True(t, sawDiscard)
}

func TestDisconnectOne(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{}, whitelist.Entry{Address: addrA})
	f.addDevice(addrA, "Buds")

	// disconnecting a disconnected device is a no-op
	require.NoError(t, f.orch.DisconnectOne(t.Context(), addrA))

	require.NoError(t, f.orch.ConnectOne(t.Context(), addrA))
	require.NoError(t, f.orch.DisconnectOne(t.Context(), addrA))

	dev, _ := f.reg.Get(addrA)
	assert.False(t, dev.Connected)
	assert.Equal(t, 0, dev.Attempts)

	err := f.orch.DisconnectOne(t.Context(), "not-registered")
	assert.ErrorIs(t, err, customerrors.ErrDeviceNotFound)
}

func TestConnectAllSweepsWhitelistOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{},
		whitelist.Entry{Address: addrC, Name: "third"},
		whitelist.Entry{Address: addrA, Name: "first"},
		whitelist.Entry{Address: addrB, Name: "second"},
	)

	// addrB never discovered; addrA fails
	f.addDevice(addrC, "third")
	f.addDevice(addrA, "first")
	f.adapter.connectErr[addrA] = errors.New("page timeout")

	results, err := f.orch.ConnectAll(t.Context())
	require.NoError(t, err)
	require.Len(t, results, 2, "undiscovered whitelist entries are skipped")

	assert.Equal(t, addrC, results[0].Address, "results follow whitelist insertion order")
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].Error)

	assert.Equal(t, addrA, results[1].Address)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "page timeout")

	devC, _ := f.reg.Get(addrC)
	assert.True(t, devC.Connected, "one failure must not abort the sweep")
}

func TestBulkSingleFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{}, whitelist.Entry{Address: addrA})
	f.addDevice(addrA, "Buds")

	hang := make(chan error)
	f.adapter.hang[addrA] = hang

	started := make(chan struct{})

	go func() {
		close(started)

		_, _ = f.orch.ConnectAll(t.Context())
	}()

	<-started

	require.Eventually(t, f.orch.BulkActive, time.Second, time.Millisecond)

	_, err := f.orch.ConnectAll(t.Context())
	assert.ErrorIs(t, err, customerrors.ErrBulkOpInFlight)

	_, err = f.orch.DisconnectAll(t.Context())
	assert.ErrorIs(t, err, customerrors.ErrBulkOpInFlight)

	hang <- nil

	require.Eventually(t, func() bool { return !f.orch.BulkActive() }, time.Second, time.Millisecond)

	// a new sweep is allowed once the first finished
	_, err = f.orch.ConnectAll(t.Context())
	assert.NoError(t, err)
}

func TestDisconnectAll(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{},
		whitelist.Entry{Address: addrA},
		whitelist.Entry{Address: addrB},
	)
	f.addDevice(addrA, "first")
	f.addDevice(addrB, "second")

	_, err := f.orch.ConnectAll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, f.reg.ConnectedCount())

	results, err := f.orch.DisconnectAll(t.Context())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, 0, f.reg.ConnectedCount())
}

func TestSingleConnectAllowedDuringBulk(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{},
		whitelist.Entry{Address: addrA},
		whitelist.Entry{Address: addrB},
	)
	f.addDevice(addrA, "held")
	f.addDevice(addrB, "free")

	hang := make(chan error)
	f.adapter.hang[addrA] = hang

	go func() { _, _ = f.orch.ConnectAll(t.Context()) }()

	require.Eventually(t, f.orch.BulkActive, time.Second, time.Millisecond)

	// single-device ops are not blocked by an in-flight bulk sweep
	assert.NoError(t, f.orch.ConnectOne(t.Context(), addrB))

	dev, _ := f.reg.Get(addrB)
	assert.True(t, dev.Connected)

	hang <- nil

	require.Eventually(t, func() bool { return !f.orch.BulkActive() }, time.Second, time.Millisecond)
}

func TestMaterialize(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{}, whitelist.Entry{Address: addrA, Name: "Buds"})

	rssi := -55
	f.adapter.probe[addrA] = bluetooth.Sighting{
		Address: addrA,
		Name:    "advertised",
		RSSI:    &rssi,
		SeenAt:  time.Now(),
	}

	f.orch.Materialize(t.Context(), addrA, "Buds")

	dev, ok := f.reg.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, "Buds", dev.Name, "whitelist label wins over advertised name")
	require.NotNil(t, dev.RSSI)
	assert.Equal(t, -55, *dev.RSSI)

	// probe miss leaves the registry untouched
	f.orch.Materialize(t.Context(), addrB, "")
	_, ok = f.reg.Get(addrB)
	assert.False(t, ok)
}

func TestMixedCaseAddressesStayConnectable(t *testing.T) {
	t.Parallel()

	f := newFixture(orchestrator.Options{}, whitelist.Entry{Address: addrA, Name: "Buds"})

	f.adapter.probe[addrA] = bluetooth.Sighting{Address: addrA, SeenAt: time.Now()}

	// a lowercase address from the API lands on the same record the
	// whitelist and the stack know in uppercase
	lower := strings.ToLower(addrA)
	f.orch.Materialize(t.Context(), lower, "Buds")

	dev, ok := f.reg.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, addrA, dev.Address)

	results, err := f.orch.ConnectAll(t.Context())
	require.NoError(t, err)
	require.Len(t, results, 1, "bulk sweep must cover the materialized device")
	assert.Equal(t, addrA, results[0].Address)
	assert.True(t, results[0].Success)

	require.NoError(t, f.orch.DisconnectOne(t.Context(), lower))

	dev, ok = f.reg.Get(lower)
	require.True(t, ok)
	assert.False(t, dev.Connected)
}
