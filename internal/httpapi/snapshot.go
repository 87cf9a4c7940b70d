package httpapi

import (
	"time"

	"github.com/pverani/bluehub/internal/logbuf"
	"github.com/pverani/bluehub/internal/metrics"
	"github.com/pverani/bluehub/internal/registry"
	"github.com/pverani/bluehub/internal/scan"
	"github.com/pverani/bluehub/internal/whitelist"
)

const recentLogEntries = 100

type devicesDTO struct {
	Authorized []registry.DeviceView `json:"authorized"`
	All        []registry.DeviceView `json:"all"`
}

type statsDTO struct {
	WhitelistCount   int     `json:"whitelist_count"`
	DevicesTracked   int     `json:"devices_tracked"`
	DevicesConnected int     `json:"devices_connected"`
	Observers        int     `json:"observers"`
	Uptime           string  `json:"uptime"`
	SightingsTotal   float64 `json:"sightings_total"`
	ConnectOpsTotal  float64 `json:"connect_operations_total"`
	ConnectFailures  float64 `json:"connect_failures_total"`
	ConnectAvgSec    float64 `json:"connect_avg_seconds"`
}

type statusDTO struct {
	ScanState       scan.Status       `json:"scan_state"`
	BulkInFlight    bool              `json:"bulk_in_flight"`
	Devices         devicesDTO        `json:"devices"`
	Whitelist       []whitelist.Entry `json:"whitelist"`
	Stats           statsDTO          `json:"stats"`
	RecentLogs      []logbuf.Entry    `json:"recent_logs"`
	Version         string            `json:"version"`
	ServerTimestamp time.Time         `json:"server_timestamp"`
}

// snapshot assembles the full state pushed to new observers and served on
// the status endpoint. Authorization flags are derived from the whitelist
// at call time.
func (s *Server) snapshot() statusDTO {
	devs := s.reg.List()

	return statusDTO{
		ScanState:    s.scanner.Status(),
		BulkInFlight: s.orch.BulkActive(),
		Devices: devicesDTO{
			Authorized: registry.AuthorizedViews(devs, s.wl),
			All:        registry.Views(devs, s.wl),
		},
		Whitelist:       s.wl.All(),
		Stats:           s.statsPayload(),
		RecentLogs:      s.logs.Tail(recentLogEntries),
		Version:         s.version,
		ServerTimestamp: time.Now().UTC(),
	}
}

func (s *Server) statsPayload() statsDTO {
	gathered, _ := metrics.GatherStats(metrics.Service())

	return statsDTO{
		WhitelistCount:   s.wl.Len(),
		DevicesTracked:   s.reg.Len(),
		DevicesConnected: s.reg.ConnectedCount(),
		Observers:        s.bus.Subscribers(),
		Uptime:           time.Since(s.startTime).Round(time.Second).String(),
		SightingsTotal:   gathered.SightingsTotal,
		ConnectOpsTotal:  gathered.ConnectOpsTotal,
		ConnectFailures:  gathered.ConnectFailuresTotal,
		ConnectAvgSec:    gathered.ConnectAvgSeconds,
	}
}
