package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pverani/bluehub/internal/bluetooth"
	customerrors "github.com/pverani/bluehub/internal/errors"
	"github.com/pverani/bluehub/internal/events"
	"github.com/pverani/bluehub/internal/logbuf"
	"github.com/pverani/bluehub/internal/metrics"
	"github.com/pverani/bluehub/internal/registry"
	"github.com/pverani/bluehub/internal/whitelist"
)

// Mode selects which devices a scan session reports.
type Mode string

const (
	// ModeAuthorized reports only whitelisted devices.
	ModeAuthorized Mode = "authorized"
	// ModeAll reports every device in range.
	ModeAll Mode = "all"
)

// ParseMode validates a mode string from the API.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuthorized, ModeAll:
		return Mode(s), nil
	default:
		return "", customerrors.ErrInvalidScanMode
	}
}

// Status reports which scan modes are currently active.
type Status struct {
	Authorized bool `json:"authorized"`
	All        bool `json:"all"`
}

const announceCacheSize = 1024

// Options tunes controller behavior.
type Options struct {
	// BroadcastInterval throttles device list events during discovery.
	BroadcastInterval time.Duration
	// AnnounceWindow suppresses repeated sighting log entries per device.
	AnnounceWindow time.Duration
}

// Controller owns the scan sessions. Each mode runs independently: both can
// be active at once, starting an active mode is a no-op and stopping cancels
// only that mode's session.
type Controller struct {
	adapter bluetooth.Adapter
	reg     *registry.Registry
	wl      *whitelist.Whitelist
	bus     *events.Broadcaster
	logs    *logbuf.Buffer

	mu        sync.Mutex
	cancels   map[Mode]context.CancelFunc
	announced *expirable.LRU[string, struct{}]
	limiters  map[Mode]*rate.Limiter
	flushing  map[Mode]bool
	interval  time.Duration
}

func New(
	adapter bluetooth.Adapter,
	reg *registry.Registry,
	wl *whitelist.Whitelist,
	bus *events.Broadcaster,
	logs *logbuf.Buffer,
	opts Options,
) *Controller {
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = 500 * time.Millisecond
	}

	if opts.AnnounceWindow <= 0 {
		opts.AnnounceWindow = 5 * time.Minute
	}

	return &Controller{
		adapter:   adapter,
		reg:       reg,
		wl:        wl,
		bus:       bus,
		logs:      logs,
		cancels:   make(map[Mode]context.CancelFunc),
		announced: expirable.NewLRU[string, struct{}](announceCacheSize, nil, opts.AnnounceWindow),
		limiters: map[Mode]*rate.Limiter{
			ModeAuthorized: rate.NewLimiter(rate.Every(opts.BroadcastInterval), 1),
			ModeAll:        rate.NewLimiter(rate.Every(opts.BroadcastInterval), 1),
		},
		flushing: make(map[Mode]bool),
		interval: opts.BroadcastInterval,
	}
}

// Start launches a scan session for mode. Starting an already active mode
// is a no-op.
func (c *Controller) Start(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	c.mu.Lock()

	if _, active := c.cancels[mode]; active {
		c.mu.Unlock()

		return nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	c.cancels[mode] = cancel
	status := c.statusLocked()
	c.mu.Unlock()

	zerolog.Ctx(ctx).Info().Str("mode", string(mode)).Msg("scan started")
	c.logs.Info("scanning started (" + string(mode) + " mode)")
	c.bus.Publish(events.Event{Type: events.TypeScanningStatus, Data: status})
	metrics.RecordScanSession(string(mode))

	go c.run(scanCtx, mode)

	return nil
}

// Stop cancels the scan session for mode. Stopping an inactive mode is a
// no-op.
func (c *Controller) Stop(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	c.mu.Lock()

	cancel, active := c.cancels[mode]
	if active {
		delete(c.cancels, mode)
	}

	status := c.statusLocked()
	c.mu.Unlock()

	if !active {
		return nil
	}

	cancel()

	zerolog.Ctx(ctx).Info().Str("mode", string(mode)).Msg("scan stopped")
	c.logs.Info("scanning stopped (" + string(mode) + " mode)")
	c.bus.Publish(events.Event{Type: events.TypeScanningStatus, Data: status})

	return nil
}

// StopAll cancels every active scan session.
func (c *Controller) StopAll(ctx context.Context) {
	_ = c.Stop(ctx, ModeAuthorized)
	_ = c.Stop(ctx, ModeAll)
}

// Status reports which modes are active.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	_, authorized := c.cancels[ModeAuthorized]
	_, all := c.cancels[ModeAll]

	return Status{Authorized: authorized, All: all}
}

func (c *Controller) run(ctx context.Context, mode Mode) {
	err := c.adapter.Scan(ctx, func(s bluetooth.Sighting) {
		c.handleSighting(mode, s)
	})

	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	// the session died on its own; clear the flag if Stop has not already
	c.mu.Lock()

	cancel, active := c.cancels[mode]
	if active {
		delete(c.cancels, mode)
	}

	status := c.statusLocked()
	c.mu.Unlock()

	if !active {
		return
	}

	cancel()

	zerolog.Ctx(ctx).Error().Err(err).Str("mode", string(mode)).Msg("scan session failed")
	c.logs.Error("scanning failed (" + string(mode) + " mode): " + err.Error())
	c.bus.Publish(events.Event{Type: events.TypeScanningStatus, Data: status})
}

func (c *Controller) handleSighting(mode Mode, s bluetooth.Sighting) {
	if mode == ModeAuthorized && !c.wl.Contains(s.Address) {
		return
	}

	name := s.Name
	if stored, ok := c.wl.Name(s.Address); ok && stored != "" {
		name = stored
	}

	dev := c.reg.Upsert(registry.Sighting{
		Address: s.Address,
		Name:    name,
		RSSI:    s.RSSI,
		SeenAt:  s.SeenAt,
	})

	metrics.RecordSighting(string(mode))
	metrics.SetDevicesTracked(c.reg.Len())

	key := string(mode) + "/" + dev.Address
	if _, seen := c.announced.Get(key); !seen {
		c.announced.Add(key, struct{}{})
		c.logs.InfoDevice("detected "+dev.DisplayName(), dev.Address)
	}

	if c.limiters[mode].Allow() {
		c.publishDevices(mode)

		return
	}

	c.schedulePublish(mode)
}

// schedulePublish arms a one-shot trailing flush when the rate limiter
// swallows a sighting, so the last update of a burst still reaches
// observers instead of waiting for the next sighting.
func (c *Controller) schedulePublish(mode Mode) {
	c.mu.Lock()

	if c.flushing[mode] {
		c.mu.Unlock()

		return
	}

	c.flushing[mode] = true
	c.mu.Unlock()

	time.AfterFunc(c.interval, func() {
		c.mu.Lock()
		c.flushing[mode] = false
		c.mu.Unlock()

		c.publishDevices(mode)
	})
}

// publishDevices pushes the mode-scoped device list to observers.
func (c *Controller) publishDevices(mode Mode) {
	devs := c.reg.List()

	if mode == ModeAuthorized {
		c.bus.Publish(events.Event{
			Type: events.TypeDevicesUpdate,
			Data: registry.AuthorizedViews(devs, c.wl),
		})

		return
	}

	c.bus.Publish(events.Event{
		Type: events.TypeAllDevicesUpdate,
		Data: registry.Views(devs, c.wl),
	})
}
