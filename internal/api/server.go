// Package api serves the Kestrel HTTP interface.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server owns the router and the listening http.Server.
type Server struct {
	cfg     domain.ServerConfig
	handler *Handler
	router  *chi.Mux
	httpSrv *http.Server
}

func NewServer(cfg domain.ServerConfig, d Deps) *Server {
	s := &Server{cfg: cfg, handler: NewHandler(d), router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	h := s.handler
	r := s.router

	r.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		RequestIDMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)
		if s.cfg.RateLimitRPS > 0 {
			r.Use(NewTenantRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).Middleware)
		}

		r.Post("/evaluate", h.Evaluate)
		r.Route("/orders/{id}", func(r chi.Router) {
			r.Get("/score", h.GetScore)
			r.Post("/reanalyze", h.Reanalyze)
			r.Post("/review", h.Review)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/reload", h.ReloadRules)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeactivateRule)
		})

		r.Route("/blacklist", func(r chi.Router) {
			r.Get("/", h.ListBlacklist)
			r.Post("/", h.AddBlacklist)
			r.Delete("/{type}/{value}", h.RemoveBlacklist)
		})
	})
}

// Start listens on Host:Port and blocks until the server stops. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.router,
		ReadTimeout:       seconds(s.cfg.ReadTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      seconds(s.cfg.WriteTimeout),
		IdleTimeout:       2 * time.Minute,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the mux to tests.
func (s *Server) Router() *chi.Mux { return s.router }

// Handler exposes the handler set to tests.
func (s *Server) Handler() *Handler { return s.handler }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
