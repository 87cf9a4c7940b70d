package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	customerrors "github.com/pverani/bluehub/internal/errors"
)

const fallbackNameSuffixLen = 5

// CanonicalAddress normalizes a hardware address for keying. BlueZ reports
// MACs uppercase; API callers may not, and a mixed-case key would split one
// device into two records.
func CanonicalAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// Device is a mutable record for a peripheral the hub has ever learned about.
// Records are never removed while the process lives.
type Device struct {
	Address   string
	Name      string
	RSSI      *int
	FirstSeen time.Time
	LastSeen  time.Time
	Connected bool
	Attempts  int
}

// Clone returns a deep copy so callers can hold snapshots without racing
// the registry.
func (d *Device) Clone() *Device {
	cp := *d
	if d.RSSI != nil {
		v := *d.RSSI
		cp.RSSI = &v
	}

	return &cp
}

// DisplayName returns the device name, falling back to a short label derived
// from the address tail when no name is known.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}

	addr := d.Address
	if len(addr) > fallbackNameSuffixLen {
		addr = addr[len(addr)-fallbackNameSuffixLen:]
	}

	return "Device " + addr
}

// Sighting is one discovery observation of a peripheral.
type Sighting struct {
	Address string
	Name    string
	RSSI    *int
	SeenAt  time.Time
}

// Registry is the in-memory store of every device ever sighted or
// materialized. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

func New() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Upsert merges a sighting into the registry and returns a snapshot of the
// resulting record. Merge rules: a non-empty name replaces the stored one,
// a present RSSI overwrites, LastSeen never moves backwards and other fields
// are preserved.
func (r *Registry) Upsert(s Sighting) *Device {
	s.Address = CanonicalAddress(s.Address)

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[s.Address]
	if !ok {
		dev = &Device{
			Address:   s.Address,
			FirstSeen: s.SeenAt,
		}
		r.devices[s.Address] = dev
	}

	if s.Name != "" {
		dev.Name = s.Name
	}

	if s.RSSI != nil {
		v := *s.RSSI
		dev.RSSI = &v
	}

	if s.SeenAt.After(dev.LastSeen) {
		dev.LastSeen = s.SeenAt
	}

	return dev.Clone()
}

// Get returns a snapshot of the device record for addr.
func (r *Registry) Get(addr string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[CanonicalAddress(addr)]
	if !ok {
		return nil, false
	}

	return dev.Clone(), true
}

// List returns snapshots of all records sorted by address.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out
}

// SetConnected flips the connection flag and returns the updated snapshot.
// Connection-state changes count as activity, so LastSeen advances too.
// A successful connect resets the attempt counter.
func (r *Registry) SetConnected(addr string, connected bool) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[CanonicalAddress(addr)]
	if !ok {
		return nil, customerrors.ErrDeviceNotFound
	}

	dev.Connected = connected

	if now := time.Now(); now.After(dev.LastSeen) {
		dev.LastSeen = now
	}

	if connected {
		dev.Attempts = 0
	}

	return dev.Clone(), nil
}

// IncrementAttempts bumps the failed-connect counter and returns the new value.
func (r *Registry) IncrementAttempts(addr string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[CanonicalAddress(addr)]
	if !ok {
		return 0, customerrors.ErrDeviceNotFound
	}

	dev.Attempts++

	return dev.Attempts, nil
}

// ResetAttempts clears the failed-connect counter.
func (r *Registry) ResetAttempts(addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[CanonicalAddress(addr)]
	if !ok {
		return customerrors.ErrDeviceNotFound
	}

	dev.Attempts = 0

	return nil
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}

// ConnectedCount returns the number of devices currently marked connected.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0

	for _, dev := range r.devices {
		if dev.Connected {
			n++
		}
	}

	return n
}
