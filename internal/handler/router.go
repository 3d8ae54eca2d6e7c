package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/kvtavern/internal/handler/session"
	"github.com/zhouzirui/kvtavern/internal/handler/stream"
	"github.com/zhouzirui/kvtavern/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/kvtavern/internal/middleware"
	"github.com/zhouzirui/kvtavern/internal/monitoring"
	"github.com/zhouzirui/kvtavern/pkg/utils"
)

// Options wires optional collaborators into the router.
type Options struct {
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	// RateLimit enables the global limiter when non-nil.
	RateLimit *middlewarePkg.RateLimitConfig
	CORS      middlewarePkg.CORSConfig
}

// NewRouter wires HTTP routes to the session registry.
func NewRouter(sessions session.Registry, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CORS.AllowOrigins == nil {
		opts.CORS = middlewarePkg.DefaultCORSConfig()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger, opts.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.CORS))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"active_sessions": sessions.Count(),
		})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		if opts.RateLimit != nil {
			api.Use(middlewarePkg.GlobalRateLimit(*opts.RateLimit))
		}

		session.New(sessions, logger).RegisterRoutes(api)
		stream.New(sessions, logger).RegisterRoutes(api)
		ws.New(sessions, logger).RegisterRoutes(api)
	})

	return r
}
