package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
)

// Routes mounts a handler set on the public router.
type Routes interface {
	Register(r chi.Router)
}

type Server struct {
	mu           sync.Mutex
	public       *http.Server
	closed       bool
	publicRouter *chi.Mux
	register     sync.Once

	routes []Routes
}

func New(routes ...Routes) *Server {
	return &Server{
		publicRouter: chi.NewRouter(),

		routes: routes,
	}
}

// ServePublic blocks until the server stops. It returns http.ErrServerClosed
// after ShutdownPublic, even when the shutdown came first.
func (s *Server) ServePublic(addr string, mws ...func(http.Handler) http.Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.public = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(mws...),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	public := s.public
	s.mu.Unlock()

	return public.ListenAndServe()
}

func (s *Server) ShutdownPublic(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	public := s.public
	s.mu.Unlock()

	if public == nil {
		return nil
	}
	if err := public.Shutdown(ctx); err != nil {
		return public.Close()
	}
	return nil
}

// Handler returns the router with all routes registered. Middlewares are
// applied on the first call only.
func (s *Server) Handler(mws ...func(http.Handler) http.Handler) http.Handler {
	s.register.Do(func() {
		s.registerPublicRoutes(mws...)
	})
	return s.publicRouter
}

func (s *Server) registerPublicRoutes(middlewares ...func(http.Handler) http.Handler) {
	s.publicRouter.Use(middlewares...)
	s.publicRouter.Get("/_/ready", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	s.publicRouter.Route("/v1", func(r chi.Router) {
		for _, routes := range s.routes {
			routes.Register(r)
		}
	})
}
