package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Qwaper/BigD-Gram/internal/auth"
	"github.com/Qwaper/BigD-Gram/internal/http/handlers"
	"github.com/Qwaper/BigD-Gram/internal/middleware"
	"github.com/Qwaper/BigD-Gram/internal/repo"
)

// Handlers bundles the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Auth        *handlers.AuthHandler
	Stream      *handlers.StreamHandler
	Attachments *handlers.AttachmentHandler
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(h Handlers, jwtService *auth.JWTService, accountRepo repo.AccountRepo, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	uploadLimiter := middleware.NewRateLimiter(time.Minute, 30)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.NewHealthHandler().ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Auth.HandleRegister)
		r.Post("/login", h.Auth.HandleLogin)
		r.Post("/refresh", h.Auth.HandleRefresh)
		r.Post("/logout", h.Auth.HandleLogout)
	})

	// Anonymous sockets may read profiles and handles only.
	r.With(middleware.OptionalAuth(jwtService)).Get("/v1/stream", h.Stream.ServeHTTP)
	r.Get("/v1/attachments/{owner}/{name}", h.Attachments.HandleDownload)

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(jwtService, accountRepo))
		r.Get("/me", h.Auth.HandleMe)
		r.Put("/me/display_name", h.Auth.HandleSetDisplayName)
		r.With(middleware.RateLimitMiddleware(uploadLimiter, middleware.GetUserKey)).
			Post("/v1/attachments", h.Attachments.HandleUpload)
	})

	return r
}
