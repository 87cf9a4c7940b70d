package bluetooth

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlueZ() *BlueZ {
	return &BlueZ{adapterPath: "/org/bluez/hci0"}
}

func TestDiscoveryRefSharesOneSession(t *testing.T) {
	t.Parallel()

	var starts, stops int

	ref := discoveryRef{
		start: func(context.Context) error { starts++; return nil },
		stop:  func(*zerolog.Logger) { stops++ },
	}

	// two concurrent scan modes share one adapter discovery
	require.NoError(t, ref.acquire(t.Context()))
	require.NoError(t, ref.acquire(t.Context()))
	assert.Equal(t, 1, starts)

	// stopping one mode must not kill discovery for the other
	logger := zerolog.Nop()
	ref.release(&logger)
	assert.Equal(t, 0, stops)

	ref.release(&logger)
	assert.Equal(t, 1, stops)

	// a fresh session starts discovery again
	require.NoError(t, ref.acquire(t.Context()))
	assert.Equal(t, 2, starts)
}

func TestDiscoveryRefStartFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("in progress")
	ref := discoveryRef{
		start: func(context.Context) error { return wantErr },
		stop:  func(*zerolog.Logger) {},
	}

	require.ErrorIs(t, ref.acquire(t.Context()), wantErr)

	// a failed start holds no reference; the next acquire retries
	ref.start = func(context.Context) error { return nil }
	require.NoError(t, ref.acquire(t.Context()))
}

func TestDeviceObjectPath(t *testing.T) {
	t.Parallel()

	b := newTestBlueZ()

	assert.Equal(t,
		dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"),
		b.deviceObjectPath("AA:BB:CC:DD:EE:FF"))
}

func TestMacFromPath(t *testing.T) {
	t.Parallel()

	b := newTestBlueZ()

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", b.macFromPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"))
	assert.Empty(t, b.macFromPath("/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"))
	assert.Empty(t, b.macFromPath("/some/other/path"))
}

func TestSightingFromInterfacesAdded(t *testing.T) {
	t.Parallel()

	b := newTestBlueZ()

	sig := &dbus.Signal{
		Name: interfacesAddedSignal,
		Body: []any{
			dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"),
			map[string]map[string]dbus.Variant{
				deviceIface: {
					"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
					"Name":    dbus.MakeVariant("Buds"),
					"RSSI":    dbus.MakeVariant(int16(-42)),
				},
			},
		},
	}

	s, ok := b.sightingFromSignal(sig)
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", s.Address)
	assert.Equal(t, "Buds", s.Name)
	require.NotNil(t, s.RSSI)
	assert.Equal(t, -42, *s.RSSI)
	assert.False(t, s.SeenAt.IsZero())
}

func TestSightingFromPropertiesChanged(t *testing.T) {
	t.Parallel()

	b := newTestBlueZ()

	sig := &dbus.Signal{
		Name: propsChangedSignal,
		Path: "/org/bluez/hci0/dev_11_22_33_44_55_66",
		Body: []any{
			deviceIface,
			map[string]dbus.Variant{
				"RSSI": dbus.MakeVariant(int16(-70)),
			},
			[]string{},
		},
	}

	s, ok := b.sightingFromSignal(sig)
	require.True(t, ok)
	assert.Equal(t, "11:22:33:44:55:66", s.Address)
	assert.Empty(t, s.Name)
	require.NotNil(t, s.RSSI)
	assert.Equal(t, -70, *s.RSSI)
}

func TestSightingFromSignalIgnoresUnrelated(t *testing.T) {
	t.Parallel()

	b := newTestBlueZ()

	tests := []struct {
		name string
		sig  *dbus.Signal
	}{
		{
			name: "unknown signal name",
			sig:  &dbus.Signal{Name: "org.example.Something"},
		},
		{
			name: "properties changed for other interface",
			sig: &dbus.Signal{
				Name: propsChangedSignal,
				Path: "/org/bluez/hci0",
				Body: []any{adapterIface, map[string]dbus.Variant{}, []string{}},
			},
		},
		{
			name: "interfaces added without Device1",
			sig: &dbus.Signal{
				Name: interfacesAddedSignal,
				Body: []any{
					dbus.ObjectPath("/org/bluez/hci0"),
					map[string]map[string]dbus.Variant{adapterIface: {}},
				},
			},
		},
		{
			name: "truncated body",
			sig:  &dbus.Signal{Name: propsChangedSignal, Body: []any{deviceIface}},
		},
		{
			name: "path outside adapter namespace",
			sig: &dbus.Signal{
				Name: propsChangedSignal,
				Path: "/org/bluez/hci9/dev_AA_BB_CC_DD_EE_FF",
				Body: []any{deviceIface, map[string]dbus.Variant{}, []string{}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, ok := b.sightingFromSignal(tt.sig)
			assert.False(t, ok)
		})
	}
}
