package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/config"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/storage"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/upload"
)

// Updater is the database refresh side the HTTP layer talks to.
// Satisfied by the update actor.
type Updater interface {
	RequestUpdate(key models.RepoArchKey)
	ForceRebuild(key models.RepoArchKey)
}

// Server is the HTTP adapter over the package store, the upload engine
// and the update actor. It owns routing, auth and status mapping; all
// domain decisions live behind it.
type Server struct {
	cfg     *config.Config
	store   *storage.Store
	engine  *upload.Engine
	updates Updater
	auth    *Authenticator

	router  chi.Router
	httpSrv *http.Server
}

// New wires the router. Auth middleware is mounted only when the
// configuration carries an [auth] block.
func New(cfg *config.Config, store *storage.Store, engine *upload.Engine, updates Updater) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		updates: updates,
	}
	if cfg.AuthEnabled() {
		s.auth = NewAuthenticator(cfg.Auth)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Get("/packages", s.handleListPackages)

		// Mutating endpoints; auth applies only here.
		api.Group(func(mut chi.Router) {
			if s.auth != nil {
				mut.Use(s.auth.Middleware)
			}
			mut.Post("/packages/upload/initiate", s.handleUploadInitiate)
			mut.Post("/packages/upload/{id}/chunks/{n}", s.handleUploadChunk)
			mut.Post("/packages/upload/{id}/signature", s.handleUploadSignature)
			mut.Post("/packages/upload/{id}/complete", s.handleUploadComplete)
			mut.Delete("/packages/upload/{id}", s.handleUploadAbort)
			mut.Delete("/packages/{name}", s.handleDeletePackage)
			mut.Post("/packages/{name}/versions/delete", s.handleDeleteVersions)
			mut.Post("/packages/cleanup", s.handleCleanup)
			mut.Post("/repos/{repo}/os/{arch}/rebuild", s.handleRebuild)
		})

		if s.auth != nil {
			api.Post("/auth/device_code", s.auth.handleDeviceCode)
			api.Post("/auth/device_token", s.auth.handleDeviceToken)
		}
	})

	// pacman's view of the repository
	r.Get("/{repo}/os/{arch}/{filename}", s.handleRepoFile)

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logrus.WithField("addr", s.cfg.Addr()).Info("HTTP server listening")
	if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"elapsed":    time.Since(start).Round(time.Millisecond).String(),
			"remote":     r.RemoteAddr,
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("Request")
	})
}
