package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/mailhub/internal/auth"
	"github.com/ignite/mailhub/internal/checker"
	"github.com/ignite/mailhub/internal/code"
	"github.com/ignite/mailhub/internal/config"
	"github.com/ignite/mailhub/internal/live"
	"github.com/ignite/mailhub/internal/notify"
	"github.com/ignite/mailhub/internal/platform"
	"github.com/ignite/mailhub/internal/store"
	"github.com/ignite/mailhub/internal/subscription"
)

// Handlers bundles the services the HTTP layer fronts.
type Handlers struct {
	store      *store.Store
	auth       *auth.Manager
	checker    *checker.Checker
	subs       *subscription.Manager
	notifier   *notify.Router
	waiter     *code.Waiter
	classifier *platform.Classifier
	hub        *live.Hub
}

// NewHandlers wires the handler set. Any of checker, subs, notifier or hub
// may be nil in tests that only exercise a slice of the surface.
func NewHandlers(st *store.Store, am *auth.Manager, ch *checker.Checker,
	sm *subscription.Manager, nr *notify.Router, cw *code.Waiter,
	cl *platform.Classifier, hub *live.Hub) *Handlers {
	return &Handlers{
		store:      st,
		auth:       am,
		checker:    ch,
		subs:       sm,
		notifier:   nr,
		waiter:     cw,
		classifier: cl,
		hub:        hub,
	}
}

// Server is the HTTP front of the service.
type Server struct {
	config   config.ServerConfig
	handler  http.Handler
	handlers *Handlers
	server   *http.Server
}

// NewServer builds a server with all routes registered.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	return &Server{
		config:   cfg,
		handler:  SetupRoutes(h, cfg.CORSOrigins),
		handlers: h,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Long write timeout covers synchronous mailbox checks and
		// get_code long polls; those endpoints carry their own deadlines.
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
