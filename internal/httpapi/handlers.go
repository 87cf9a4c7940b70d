package httpapi

import (
	"errors"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	customerrors "github.com/pverani/bluehub/internal/errors"
	"github.com/pverani/bluehub/internal/events"
	"github.com/pverani/bluehub/internal/metrics"
	"github.com/pverani/bluehub/internal/orchestrator"
	"github.com/pverani/bluehub/internal/registry"
	"github.com/pverani/bluehub/internal/scan"
	"github.com/pverani/bluehub/internal/whitelist"
)

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, customerrors.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, customerrors.ErrDeviceNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, customerrors.ErrBulkOpInFlight),
		errors.Is(err, customerrors.ErrAttemptsExhausted):
		return http.StatusConflict
	case errors.Is(err, customerrors.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, customerrors.ErrInvalidScanMode),
		errors.Is(err, customerrors.ErrInvalidDeviceAddress),
		errors.Is(err, customerrors.ErrWhitelistEntryInvalid):
		return http.StatusBadRequest
	case errors.Is(err, customerrors.ErrAdapterFailure),
		errors.Is(err, customerrors.ErrAdapterNotAvailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, statusForError(err))
	render.JSON(w, r, map[string]any{"error": err.Error()})
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	mode, err := scan.ParseMode(mux.Vars(r)["mode"])
	if err != nil {
		renderError(w, r, err)

		return
	}

	// Scan sessions outlive the request; bind them to the server context.
	if err := s.scanner.Start(s.baseCtx, mode); err != nil {
		renderError(w, r, err)

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"scanning": s.scanner.Status()})
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["mode"]
	if strings.EqualFold(raw, "both") {
		s.scanner.StopAll(r.Context())
		render.Status(r, http.StatusOK)
		render.JSON(w, r, map[string]any{"scanning": s.scanner.Status()})

		return
	}

	mode, err := scan.ParseMode(raw)
	if err != nil {
		renderError(w, r, err)

		return
	}

	if err := s.scanner.Stop(r.Context(), mode); err != nil {
		renderError(w, r, err)

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"scanning": s.scanner.Status()})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devs := s.reg.List()

	render.Status(r, http.StatusOK)
	render.JSON(w, r, devicesDTO{
		Authorized: registry.AuthorizedViews(devs, s.wl),
		All:        registry.Views(devs, s.wl),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]

	dev, ok := s.reg.Get(addr)
	if !ok {
		renderError(w, r, customerrors.ErrDeviceNotFound)

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, registry.ViewOf(dev, s.wl))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]

	if err := s.orch.ConnectOne(r.Context(), addr); err != nil {
		renderError(w, r, err)

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"address": addr, "connected": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]

	if err := s.orch.DisconnectOne(r.Context(), addr); err != nil {
		renderError(w, r, err)

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"address": addr, "connected": false})
}

func (s *Server) handleConnectAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.orch.ConnectAll(s.baseCtx)
	if err != nil {
		renderError(w, r, err)

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, bulkResponse(results))
}

func (s *Server) handleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.orch.DisconnectAll(s.baseCtx)
	if err != nil {
		renderError(w, r, err)

		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, bulkResponse(results))
}

func bulkResponse(results []orchestrator.Result) map[string]any {
	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}

	return map[string]any{
		"results":   results,
		"total":     len(results),
		"succeeded": succeeded,
	}
}

type whitelistEntryRequest struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type whitelistReplaceRequest struct {
	Entries []whitelistEntryRequest `json:"entries"`
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		render.Status(r, http.StatusOK)
		render.JSON(w, r, map[string]any{"entries": s.wl.All(), "count": s.wl.Len()})
	case http.MethodPost:
		s.whitelistAdd(w, r)
	case http.MethodPut:
		s.whitelistReplace(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) whitelistAdd(w http.ResponseWriter, r *http.Request) {
	var req whitelistEntryRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, customerrors.ErrWhitelistEntryInvalid)

		return
	}

	if strings.TrimSpace(req.Address) == "" {
		renderError(w, r, customerrors.ErrInvalidDeviceAddress)

		return
	}

	wasNew := s.wl.Add(req.Address, req.Name)
	if wasNew {
		s.logs.InfoDevice("whitelist entry added", req.Address)
		// Probe in the background so the device shows up even before
		// any scan sees it.
		go s.orch.Materialize(s.baseCtx, req.Address, req.Name)
	}

	s.publishWhitelist()

	status := http.StatusOK
	if wasNew {
		status = http.StatusCreated
	}

	render.Status(r, status)
	render.JSON(w, r, map[string]any{"entries": s.wl.All(), "count": s.wl.Len()})
}

func (s *Server) whitelistReplace(w http.ResponseWriter, r *http.Request) {
	var req whitelistReplaceRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, customerrors.ErrWhitelistEntryInvalid)

		return
	}

	entries := make([]whitelist.Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		if strings.TrimSpace(e.Address) == "" {
			renderError(w, r, customerrors.ErrInvalidDeviceAddress)

			return
		}

		entries = append(entries, whitelist.Entry{Address: e.Address, Name: e.Name})
	}

	s.wl.Replace(entries)
	s.logs.Info("whitelist replaced")
	s.publishWhitelist()

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"entries": s.wl.All(), "count": s.wl.Len()})
}

func (s *Server) handleWhitelistEntry(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]

	if !s.wl.Remove(addr) {
		renderError(w, r, customerrors.ErrDeviceNotFound)

		return
	}

	s.logs.InfoDevice("whitelist entry removed", addr)
	s.publishWhitelist()

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"entries": s.wl.All(), "count": s.wl.Len()})
}

func (s *Server) publishWhitelist() {
	s.bus.Publish(events.Event{Type: events.TypeWhitelistUpdate, Data: s.wl.All()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, s.snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, s.statsPayload())
}

type serverInfoDTO struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Listen    string `json:"listen"`
	Adapter   string `json:"adapter"`
	Uptime    string `json:"uptime"`
	BuildTime string `json:"build_time,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := serverInfoDTO{
		Version:   s.version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Listen:    s.cfg.HTTP.Listen,
		Adapter:   s.cfg.Bluetooth.Adapter,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		BuildTime: s.buildTime,
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, info)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := s.logs.List()

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	s.logs.Clear()
	s.bus.Publish(events.Event{Type: events.TypeLogsCleared})

	zerolog.Ctx(r.Context()).Info().Msg("activity log cleared")

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{"cleared": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"ready":  metrics.IsReady(),
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, health)
}
