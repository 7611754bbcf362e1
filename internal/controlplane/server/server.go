// Package server wires together all control-plane subsystems and exposes the
// HTTP server. main() builds a Server, calls Start, done.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsplane/internal/controlplane/approval"
	"github.com/marcus-qen/opsplane/internal/controlplane/audit"
	"github.com/marcus-qen/opsplane/internal/controlplane/builds"
	"github.com/marcus-qen/opsplane/internal/controlplane/config"
	"github.com/marcus-qen/opsplane/internal/controlplane/events"
	"github.com/marcus-qen/opsplane/internal/controlplane/jobs"
	"github.com/marcus-qen/opsplane/internal/controlplane/metrics"
	"github.com/marcus-qen/opsplane/internal/controlplane/runners"
	cpws "github.com/marcus-qen/opsplane/internal/controlplane/websocket"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Deps carries the assembled subsystems into the server. Builds, metrics
// and audit are optional; their routes 404 or no-op when absent.
type Deps struct {
	Config    config.Config
	Logger    *zap.Logger
	Engine    *jobs.Engine
	Templates *jobs.TemplateStore
	Approvals *approval.Engine
	Builds    *builds.Store
	Runners   *runners.Store
	AuditLog  *audit.Log
	Bus       *events.Bus
	Metrics   *metrics.Collector
}

// Server is the assembled control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	engine    *jobs.Engine
	templates *jobs.TemplateStore
	approvals *approval.Engine
	builds    *builds.Store
	runners   *runners.Store
	auditLog  *audit.Log
	bus       *events.Bus
	metrics   *metrics.Collector

	feed    *cpws.Feed
	limiter *rateLimiter

	httpServer *http.Server
}

// New assembles the HTTP layer over the given subsystems.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    logger,
		engine:    deps.Engine,
		templates: deps.Templates,
		approvals: deps.Approvals,
		builds:    deps.Builds,
		runners:   deps.Runners,
		auditLog:  deps.AuditLog,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		feed:      cpws.NewFeed(deps.Bus, logger.Named("ws")),
	}
	if rpm := deps.Config.RateLimit.RequestsPerMinute; rpm > 0 {
		s.limiter = newRateLimiter(rpm)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              deps.Config.ListenAddr,
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("tls", s.cfg.HasTLS()),
	)
	if s.cfg.HasTLS() {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full middleware chain, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) middleware(next http.Handler) http.Handler {
	limited := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(actorID(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	}))
	return limitRequestBody(limited)
}

// actorID identifies the caller. Authentication is terminated by the
// fronting proxy; an absent header degrades to anonymous.
func actorID(r *http.Request) string {
	if v := r.Header.Get("X-Actor-Id"); v != "" {
		return v
	}
	return "anonymous"
}

// callerScope reads the visibility scope the fronting proxy asserted for
// the caller. No scope headers at all grant global visibility so a bare
// deployment stays usable.
func callerScope(r *http.Request) jobs.Scope {
	scope := jobs.Scope{ActorID: actorID(r)}
	groups := splitHeader(r.Header.Get("X-Scope-Groups"))
	envs := splitHeader(r.Header.Get("X-Scope-Environments"))
	if len(groups) == 0 && len(envs) == 0 && r.Header.Get("X-Scope-Global") != "false" {
		scope.Global = true
		return scope
	}
	scope.Global = r.Header.Get("X-Scope-Global") == "true"
	scope.Groups = groups
	scope.Environments = envs
	return scope
}

func splitHeader(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
