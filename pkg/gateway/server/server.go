package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/handlers"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relay"
	"github.com/vango-go/vai-relay/pkg/gateway/live/session"
	"github.com/vango-go/vai-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

// Dependencies are the long-lived components the routes share. Engine may be
// nil when the upstream is not configured; /realtime then answers 503.
type Dependencies struct {
	Sessions  *session.Table
	Engine    *relay.Engine
	Store     store.Store
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Conns     *sessions.Tracker
}

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	deps    Dependencies
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewTable(session.TableOptions{HistoryMax: cfg.HistoryMax})
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.Conns == nil {
		deps.Conns = sessions.NewTracker()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentRealtime: cfg.LimitMaxRealtimeConns,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:      s.cfg,
		Lifecycle:   s.deps.Lifecycle,
		Connections: s.deps.Conns.Count,
	})
	s.mux.Handle("/metrics", s.deps.Metrics.Handler())

	s.mux.Handle("/handshake", handlers.HandshakeHandler{
		Sessions: s.deps.Sessions,
		Metrics:  s.deps.Metrics,
		Logger:   s.logger,
	})
	s.mux.Handle("/realtime", handlers.RealtimeHandler{
		Config:    s.cfg,
		Engine:    s.deps.Engine,
		Logger:    s.logger,
		Lifecycle: s.deps.Lifecycle,
		Conns:     s.deps.Conns,
		ReadLimit: s.cfg.MaxBodyBytes,
	})
	s.mux.Handle("/api/upload_video_frame", handlers.VideoFrameHandler{
		Config: s.cfg,
		Store:  s.deps.Store,
		Logger: s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// SetDraining fails readiness and refuses new realtime connections.
func (s *Server) SetDraining() {
	if s.deps.Lifecycle.Drain() {
		s.logger.Info("draining", "realtime_connections", s.deps.Conns.Count())
	}
}

// DrainRealtime warns live realtime clients, waits for them until ctx is done
// and cancels the rest. It returns how many were canceled.
func (s *Server) DrainRealtime(ctx context.Context) int {
	return s.deps.Conns.Drain(ctx, "going_away", "relay is shutting down")
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, s.deps.Metrics.RecordRateLimitHit, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
