package bluetooth

import (
	"context"
	"time"
)

// Sighting is one discovery observation reported by the radio.
type Sighting struct {
	Address string
	Name    string
	RSSI    *int
	SeenAt  time.Time
}

// Adapter abstracts the host bluetooth stack. Implementations must be safe
// for concurrent use: discovery runs while connects are in flight.
type Adapter interface {
	// Scan runs discovery and invokes onSighting for every observation
	// until ctx is cancelled or the stack fails. Returns ctx.Err() on
	// cooperative shutdown.
	Scan(ctx context.Context, onSighting func(Sighting)) error

	// Connect establishes a connection to the device at addr.
	Connect(ctx context.Context, addr string) error

	// Disconnect tears down the connection to the device at addr.
	Disconnect(ctx context.Context, addr string) error

	// Probe asks the stack whether it already knows the device at addr,
	// returning a sighting built from cached properties.
	Probe(ctx context.Context, addr string) (Sighting, error)
}
