package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pverani/bluehub/internal/config"
	"github.com/pverani/bluehub/internal/events"
	"github.com/pverani/bluehub/internal/logbuf"
	"github.com/pverani/bluehub/internal/metrics"
	"github.com/pverani/bluehub/internal/orchestrator"
	"github.com/pverani/bluehub/internal/registry"
	"github.com/pverani/bluehub/internal/scan"
	"github.com/pverani/bluehub/internal/version"
	"github.com/pverani/bluehub/internal/whitelist"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 10 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	statsBroadcastInterval   = 5 * time.Second
)

type Server struct {
	addr      string
	mux       *mux.Router
	cfg       *config.Config
	reg       *registry.Registry
	wl        *whitelist.Whitelist
	scanner   *scan.Controller
	orch      *orchestrator.Orchestrator
	bus       *events.Broadcaster
	logs      *logbuf.Buffer
	startTime time.Time
	version   string
	buildTime string

	// baseCtx bounds background work started from request handlers,
	// such as scan sessions, which must outlive the request.
	baseCtx context.Context
}

func NewServer(
	cfg *config.Config,
	reg *registry.Registry,
	wl *whitelist.Whitelist,
	scanner *scan.Controller,
	orch *orchestrator.Orchestrator,
	bus *events.Broadcaster,
	logs *logbuf.Buffer,
) *Server {
	s := &Server{
		addr:      cfg.HTTP.Listen,
		mux:       mux.NewRouter(),
		cfg:       cfg,
		reg:       reg,
		wl:        wl,
		scanner:   scanner,
		orch:      orch,
		bus:       bus,
		logs:      logs,
		startTime: time.Now(),
		version:   version.GetVersion(),
		buildTime: version.GetBuildTime(),
		baseCtx:   context.Background(),
	}

	s.routes()

	return s
}

// Handler exposes the router without middleware, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetVersion allows cmd layer to propagate version/build time.
func (s *Server) SetVersion(ver, build string) {
	if ver != "" {
		s.version = ver
	}

	if build != "" {
		s.buildTime = build
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Fast-fail if port is occupied
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	_ = ln.Close()

	s.baseCtx = ctx

	handler := s.buildMiddlewareChain(ctx)
	srv := s.createServer(ctx, handler)

	zerolog.Ctx(ctx).Info().Str("addr", s.addr).Msg("http listen")

	go func() { _ = srv.ListenAndServe() }()

	// periodic stats push to observers
	go func() {
		ticker := time.NewTicker(statsBroadcastInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.bus.Subscribers() == 0 {
					continue
				}

				s.bus.Publish(events.Event{Type: events.TypeStats, Data: s.statsPayload()})
			}
		}
	}()

	return nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	// Scanning
	api.HandleFunc("/scan/{mode}/start", s.handleScanStart).Methods("POST")
	api.HandleFunc("/scan/{mode}/stop", s.handleScanStop).Methods("POST")

	// Device registry and connection orchestration. Bulk routes must be
	// registered before the {address} routes so mux does not capture
	// "connect-all" as an address.
	api.HandleFunc("/devices/connect-all", s.handleConnectAll).Methods("POST")
	api.HandleFunc("/devices/disconnect-all", s.handleDisconnectAll).Methods("POST")
	api.HandleFunc("/devices", s.handleDevices).Methods("GET")
	api.HandleFunc("/devices/{address}", s.handleDevice).Methods("GET")
	api.HandleFunc("/devices/{address}/connect", s.handleConnect).Methods("POST")
	api.HandleFunc("/devices/{address}/disconnect", s.handleDisconnect).Methods("POST")

	// Whitelist management
	api.HandleFunc("/whitelist", s.handleWhitelist).Methods("GET", "POST", "PUT")
	api.HandleFunc("/whitelist/{address}", s.handleWhitelistEntry).Methods("DELETE")

	// Status, stats and logs
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/info", s.handleInfo).Methods("GET")
	api.HandleFunc("/logs", s.handleLogs).Methods("GET")
	api.HandleFunc("/logs/clear", s.handleLogsClear).Methods("POST")

	// Health check
	s.mux.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Metrics
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) buildMiddlewareChain(ctx context.Context) http.Handler {
	logger := zerolog.Ctx(ctx)

	var h http.Handler = s.mux

	// CORS
	c := cors.New(cors.Options{
		AllowOriginFunc:  func(_ string) bool { return true },
		AllowCredentials: true,
		AllowedHeaders:   []string{"*"},
	})
	h = c.Handler(h)

	// Security headers
	sec := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; " +
			"script-src 'self' 'unsafe-inline'; connect-src 'self' ws: wss:",
	})
	h = sec.Handler(h)

	// Logging + request metadata
	h = hlog.NewHandler(*logger)(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		logger.Info().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http")
		metrics.RecordHTTP(r.Method, r.URL.Path, status)
	})(h)
	h = chimw.RequestID(h)
	h = chimw.RealIP(h)
	// Recoverer last to catch panics
	h = chimw.Recoverer(h)

	// OTEL wrapper
	return otelhttp.NewHandler(h, "httpapi")
}

func (s *Server) createServer(ctx context.Context, handler http.Handler) *http.Server {
	// Bypass middleware and otel wrappers for WebSocket upgrades to preserve http.Hijacker
	rootHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			s.handleWS(w, r)

			return
		}

		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           rootHandler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		WriteTimeout:      defaultWriteTimeout,
	}
	srv.BaseContext = func(_ net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		// graceful shutdown with timeout, then force close
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
	}()

	return srv
}
