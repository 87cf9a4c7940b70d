package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pverani/bluehub/internal/bluetooth"
	customerrors "github.com/pverani/bluehub/internal/errors"
	"github.com/pverani/bluehub/internal/events"
	"github.com/pverani/bluehub/internal/logbuf"
	"github.com/pverani/bluehub/internal/metrics"
	"github.com/pverani/bluehub/internal/registry"
	"github.com/pverani/bluehub/internal/whitelist"
)

const (
	opConnect    = "connect"
	opDisconnect = "disconnect"

	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

// Result is the per-device outcome of a bulk sweep.
type Result struct {
	Address string `json:"address"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ConnectionStatus is the payload of connection_status events.
type ConnectionStatus struct {
	Address    string `json:"address,omitempty"`
	Connecting bool   `json:"connecting"`
	Bulk       bool   `json:"bulk,omitempty"`
	Op         string `json:"op,omitempty"`
}

// DeviceEvent is the payload of device_connected / device_disconnected events.
type DeviceEvent struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Options tunes connection behavior.
type Options struct {
	// ConnectTimeout bounds a single adapter connect or disconnect.
	ConnectTimeout time.Duration
	// MaxAttempts caps consecutive failed connects per device. Zero
	// disables the cap.
	MaxAttempts int
}

// Orchestrator serializes connection state changes. Operations on the same
// device queue on a per-device lock; operations on distinct devices run
// concurrently; bulk sweeps are single-flight across the whole process.
type Orchestrator struct {
	adapter bluetooth.Adapter
	reg     *registry.Registry
	wl      *whitelist.Whitelist
	bus     *events.Broadcaster
	logs    *logbuf.Buffer

	timeout     time.Duration
	maxAttempts int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	gens  map[string]uint64

	bulk atomic.Bool
}

func New(
	adapter bluetooth.Adapter,
	reg *registry.Registry,
	wl *whitelist.Whitelist,
	bus *events.Broadcaster,
	logs *logbuf.Buffer,
	opts Options,
) *Orchestrator {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}

	return &Orchestrator{
		adapter:     adapter,
		reg:         reg,
		wl:          wl,
		bus:         bus,
		logs:        logs,
		timeout:     opts.ConnectTimeout,
		maxAttempts: opts.MaxAttempts,
		locks:       make(map[string]*sync.Mutex),
		gens:        make(map[string]uint64),
	}
}

// BulkActive reports whether a bulk sweep is currently running.
func (o *Orchestrator) BulkActive() bool { return o.bulk.Load() }

// ConnectOne connects a single authorized device. Connecting an already
// connected device is a no-op. Concurrent calls for the same address
// serialize; the loser observes the connected state and returns nil.
func (o *Orchestrator) ConnectOne(ctx context.Context, addr string) error {
	addr = registry.CanonicalAddress(addr)

	if _, ok := o.reg.Get(addr); !ok {
		return customerrors.ErrDeviceNotFound
	}

	if !o.wl.Contains(addr) {
		o.logs.WarningDevice("refusing to connect unauthorized device", addr)

		return customerrors.ErrDeviceNotAuthorized
	}

	lock := o.deviceLock(addr)
	lock.Lock()
	defer lock.Unlock()

	dev, ok := o.reg.Get(addr)
	if !ok {
		return customerrors.ErrDeviceNotFound
	}

	if dev.Connected {
		return nil
	}

	if o.maxAttempts > 0 && dev.Attempts >= o.maxAttempts {
		o.logs.WarningDevice(
			fmt.Sprintf("%s reached %d failed attempts, not retrying", dev.DisplayName(), dev.Attempts),
			addr,
		)

		return customerrors.ErrAttemptsExhausted
	}

	attempt, err := o.reg.IncrementAttempts(addr)
	if err != nil {
		return err
	}

	o.bus.Publish(events.Event{
		Type: events.TypeConnectionStatus,
		Data: ConnectionStatus{Address: addr, Connecting: true, Op: opConnect},
	})
	o.logs.InfoDevice(fmt.Sprintf("connecting to %s (attempt %d)", dev.DisplayName(), attempt), addr)

	defer o.bus.Publish(events.Event{
		Type: events.TypeConnectionStatus,
		Data: ConnectionStatus{Address: addr, Connecting: false, Op: opConnect},
	})

	if err := o.perform(ctx, addr, opConnect); err != nil {
		o.logs.ErrorDevice(fmt.Sprintf("failed to connect %s: %v", dev.DisplayName(), err), addr)
		zerolog.Ctx(ctx).Warn().Err(err).Str("device", addr).Msg("connect failed")

		return err
	}

	o.logs.InfoDevice("connected to "+dev.DisplayName(), addr)
	o.bus.Publish(events.Event{
		Type: events.TypeDeviceConnected,
		Data: DeviceEvent{Address: addr, Name: dev.DisplayName()},
	})
	metrics.SetDevicesConnected(o.reg.ConnectedCount())

	return nil
}

// DisconnectOne disconnects a single device. Disconnecting an already
// disconnected device is a no-op.
func (o *Orchestrator) DisconnectOne(ctx context.Context, addr string) error {
	addr = registry.CanonicalAddress(addr)

	if _, ok := o.reg.Get(addr); !ok {
		return customerrors.ErrDeviceNotFound
	}

	lock := o.deviceLock(addr)
	lock.Lock()
	defer lock.Unlock()

	dev, ok := o.reg.Get(addr)
	if !ok {
		return customerrors.ErrDeviceNotFound
	}

	if !dev.Connected {
		return nil
	}

	o.bus.Publish(events.Event{
		Type: events.TypeConnectionStatus,
		Data: ConnectionStatus{Address: addr, Connecting: true, Op: opDisconnect},
	})
	o.logs.InfoDevice("disconnecting "+dev.DisplayName(), addr)

	defer o.bus.Publish(events.Event{
		Type: events.TypeConnectionStatus,
		Data: ConnectionStatus{Address: addr, Connecting: false, Op: opDisconnect},
	})

	if err := o.perform(ctx, addr, opDisconnect); err != nil {
		o.logs.ErrorDevice(fmt.Sprintf("failed to disconnect %s: %v", dev.DisplayName(), err), addr)
		zerolog.Ctx(ctx).Warn().Err(err).Str("device", addr).Msg("disconnect failed")

		return err
	}

	o.logs.InfoDevice("disconnected "+dev.DisplayName(), addr)
	o.bus.Publish(events.Event{
		Type: events.TypeDeviceDisconnected,
		Data: DeviceEvent{Address: addr, Name: dev.DisplayName()},
	})
	metrics.SetDevicesConnected(o.reg.ConnectedCount())

	return nil
}

// ConnectAll sweeps every whitelisted, discovered device in whitelist order.
// Only one bulk sweep may run at a time.
func (o *Orchestrator) ConnectAll(ctx context.Context) ([]Result, error) {
	return o.bulkOp(ctx, opConnect)
}

// DisconnectAll is the symmetric bulk sweep.
func (o *Orchestrator) DisconnectAll(ctx context.Context) ([]Result, error) {
	return o.bulkOp(ctx, opDisconnect)
}

func (o *Orchestrator) bulkOp(ctx context.Context, op string) ([]Result, error) {
	if !o.bulk.CompareAndSwap(false, true) {
		o.logs.Warning("bulk " + op + " rejected: another bulk operation is running")

		return nil, customerrors.ErrBulkOpInFlight
	}
	defer o.bulk.Store(false)

	targets := o.bulkTargets()

	o.bus.Publish(events.Event{
		Type: events.TypeConnectionStatus,
		Data: ConnectionStatus{Connecting: true, Bulk: true, Op: op},
	})
	defer o.bus.Publish(events.Event{
		Type: events.TypeConnectionStatus,
		Data: ConnectionStatus{Connecting: false, Bulk: true, Op: op},
	})

	if len(targets) == 0 {
		o.logs.Info("bulk " + op + ": no discovered whitelisted devices")

		return []Result{}, nil
	}

	o.logs.Info(fmt.Sprintf("bulk %s started for %d devices", op, len(targets)))

	results := make([]Result, len(targets))

	var g errgroup.Group

	for i, addr := range targets {
		g.Go(func() error {
			var err error
			if op == opConnect {
				err = o.ConnectOne(ctx, addr)
			} else {
				err = o.DisconnectOne(ctx, addr)
			}

			results[i] = Result{Address: addr, Success: err == nil}
			if err != nil {
				results[i].Error = err.Error()
			}

			return nil
		})
	}

	_ = g.Wait()

	succeeded := 0

	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	o.logs.Info(fmt.Sprintf("bulk %s finished: %d/%d succeeded", op, succeeded, len(results)))

	return results, nil
}

// bulkTargets returns whitelisted devices known to the registry, in
// whitelist insertion order. Devices on the whitelist but never discovered
// are skipped.
func (o *Orchestrator) bulkTargets() []string {
	entries := o.wl.All()
	out := make([]string, 0, len(entries))

	for _, e := range entries {
		if _, ok := o.reg.Get(e.Address); ok {
			out = append(out, e.Address)
		}
	}

	return out
}

// Materialize registers a whitelisted device with the registry when the
// bluetooth stack already knows it. Used after whitelist additions so the
// device becomes connectable before its next sighting.
func (o *Orchestrator) Materialize(ctx context.Context, addr, name string) {
	addr = registry.CanonicalAddress(addr)

	s, err := o.adapter.Probe(ctx, addr)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("device", addr).Msg("probe found nothing")

		return
	}

	if name != "" {
		s.Name = name
	}

	o.reg.Upsert(registry.Sighting{
		Address: addr,
		Name:    s.Name,
		RSSI:    s.RSSI,
		SeenAt:  s.SeenAt,
	})
	metrics.SetDevicesTracked(o.reg.Len())
}

// perform runs one adapter operation under the configured deadline. The
// result is applied by the worker goroutine itself, guarded by a per-device
// generation: when the deadline fires first the generation is bumped, so a
// late result is discarded instead of flipping state after the caller
// already reported a timeout.
func (o *Orchestrator) perform(ctx context.Context, addr, op string) error {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	gen := o.nextGeneration(addr)
	done := make(chan error, 1)
	start := time.Now()

	go func() {
		var err error
		if op == opConnect {
			err = o.adapter.Connect(cctx, addr)
		} else {
			err = o.adapter.Disconnect(cctx, addr)
		}

		done <- o.applyResult(addr, gen, op, err)
	}()

	select {
	case err := <-done:
		metrics.ObserveConnectDuration(op, time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.RecordConnectOp(op, outcomeSuccess)

			return nil
		case errors.Is(err, context.DeadlineExceeded):
			metrics.RecordConnectOp(op, outcomeTimeout)

			return fmt.Errorf("%w: %s %s", customerrors.ErrConnectTimeout, op, addr)
		default:
			metrics.RecordConnectOp(op, outcomeError)

			return err
		}

	case <-cctx.Done():
		o.invalidate(addr, gen)
		metrics.ObserveConnectDuration(op, time.Since(start).Seconds())

		if ctx.Err() != nil {
			metrics.RecordConnectOp(op, outcomeError)

			return ctx.Err()
		}

		metrics.RecordConnectOp(op, outcomeTimeout)

		return fmt.Errorf("%w: %s %s after %s", customerrors.ErrConnectTimeout, op, addr, o.timeout)
	}
}

// applyResult commits a completed adapter call to the registry, unless the
// generation moved on while the call was in flight.
func (o *Orchestrator) applyResult(addr string, gen uint64, op string, err error) error {
	o.mu.Lock()
	stale := o.gens[addr] != gen
	o.mu.Unlock()

	if stale {
		if err == nil {
			o.logs.WarningDevice("discarding late "+op+" result after timeout", addr)
		}

		return err
	}

	if err != nil {
		return err
	}

	if _, err := o.reg.SetConnected(addr, op == opConnect); err != nil {
		return err
	}

	if op == opDisconnect {
		_ = o.reg.ResetAttempts(addr)
	}

	return nil
}

func (o *Orchestrator) deviceLock(addr string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[addr]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[addr] = lock
	}

	return lock
}

func (o *Orchestrator) nextGeneration(addr string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.gens[addr]++

	return o.gens[addr]
}

func (o *Orchestrator) invalidate(addr string, gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.gens[addr] == gen {
		o.gens[addr]++
	}
}
