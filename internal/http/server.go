package http

import (
	"context"
	"html/template"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"admissions/internal/core"
	applog "admissions/internal/log"
	"admissions/internal/middleware/ratelimit"
	"admissions/internal/middleware/security"
	"admissions/internal/middleware/trace"
	"admissions/internal/rollup"
	"admissions/internal/services"
	appweb "admissions/web"
)

// DatasetService is the part of services.DatasetService the dashboard uses.
type DatasetService interface {
	Refresh(ctx context.Context, trigger string) (services.LoadResult, error)
	Status() services.DatasetStatus
	SplitFields(preferred []string) []string
}

// RollupService is the part of services.RollupService the dashboard uses.
type RollupService interface {
	Compute(ctx context.Context, req services.RollupRequest) (*services.RollupResult, error)
	Stats() services.RollupStats
	Policy() rollup.Policy
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MessagingStatus reports the state of the message broker connection.
type MessagingStatus interface {
	Healthy() bool
}

// Options configures the dashboard server.
type Options struct {
	Addr            string
	DashboardFields []string
	DefaultSortOn   core.Measure
	FrameAncestors  string
	RateLimitRPM    int
	RefreshTimeout  time.Duration

	// Optional dependencies reported by /readyz.
	SnapshotStore Pinger
	Messaging     MessagingStatus

	Logger *applog.Logger
}

type appMetrics struct {
	uptime        time.Time
	rollupsServed atomic.Int64
	rollupErrors  atomic.Int64
	exports       atomic.Int64
	refreshes     atomic.Int64
}

// Server serves the admissions dashboard, its HTMX partials and the JSON API.
type Server struct {
	http.Server
	templates *template.Template
	datasets  DatasetService
	rollups   RollupService
	opts      Options
	logger    *applog.Logger
	events    *applog.StructuredLogger

	securityDetector *security.Detector
	rateLimiter      *ratelimit.Limiter
	traceMiddleware  *trace.Middleware
	appMetrics       *appMetrics

	shutdownOnce sync.Once
}

// NewServer configures routes, middlewares and templates, returning a
// ready-to-run server.
func NewServer(opts Options, datasets DatasetService, rollups RollupService) *Server {
	if opts.DefaultSortOn == "" {
		opts.DefaultSortOn = core.Admission
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)

	s := &Server{
		datasets:         datasets,
		rollups:          rollups,
		opts:             opts,
		logger:           logger,
		events:           applog.NewStructuredLogger(logger),
		securityDetector: security.NewDetector(),
		rateLimiter:      ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: opts.RateLimitRPM}),
		appMetrics:       &appMetrics{uptime: time.Now()},
	}
	s.traceMiddleware = trace.NewMiddleware(s.securityDetector.ExtractClientIP, logger)

	t, err := template.ParseFS(appweb.TemplatesFS, "templates/*.html")
	if err != nil {
		logger.Error("Failed parsing templates", applog.FieldError, err, applog.FieldComponent, applog.ComponentTemplate)
	}
	s.templates = t

	mux := http.NewServeMux()

	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("/static/", security.StaticAssetMiddleware(3600)(static))
	} else {
		logger.Warn("Failed to mount embedded static FS", applog.FieldError, err)
	}

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)

	// UI partials
	mux.HandleFunc("/ui/combination", s.handleCombination)
	mux.HandleFunc("/ui/rollup", s.handleRollupPartial)

	// JSON API and exports
	mux.HandleFunc("/api/rollup", s.handleAPIRollup)
	mux.HandleFunc("/api/fields", s.handleAPIFields)
	mux.HandleFunc("/export/rollup.xlsx", s.handleExportXLSX)
	mux.Handle("/api/dataset/refresh",
		s.rateLimiter.Middleware(s.securityDetector.ExtractClientIP, s.handleRateLimited)(http.HandlerFunc(s.handleRefresh)))

	headers := security.NewHeadersMiddleware(security.NewHeadersConfig(opts.FrameAncestors))

	var handler http.Handler = mux
	handler = s.securityDetector.Middleware(handler)
	handler = headers.Middleware(handler)
	handler = s.traceMiddleware.Middleware(handler)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      opts.RefreshTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
