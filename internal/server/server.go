// Package server provides the HTTP surface of the engine: read endpoints
// over the entity store, intent endpoints through the gateway, and a
// server-sent event feed of state changes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/douki/internal/config"
	"github.com/hyperjump/douki/internal/gateway"
	"github.com/hyperjump/douki/internal/store"
	"github.com/hyperjump/douki/internal/watcher"
	"go.uber.org/zap"
)

// Server is the HTTP server for the engine API.
type Server struct {
	gateway *gateway.Gateway
	store   *store.Store
	watch   *watcher.Watcher // optional; nil when no drop directories are configured
	hub     *Hub
	config  *config.ServerConfig
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a server with the given dependencies. watch may be nil.
func NewServer(
	g *gateway.Gateway,
	st *store.Store,
	watch *watcher.Watcher,
	hub *Hub,
	cfg *config.ServerConfig,
	logger *zap.Logger,
) *Server {
	return &Server{
		gateway: g,
		store:   st,
		watch:   watch,
		hub:     hub,
		config:  cfg,
		logger:  logger,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/assets", s.handleListAssets)
	r.Post("/api/v1/assets/upload", s.handleUpload)
	r.Post("/api/v1/assets/sync", s.handleSync)
	r.Post("/api/v1/assets/{id}/select", s.handleSelectAsset)

	r.Get("/api/v1/chats", s.handleListChats)
	r.Post("/api/v1/chats", s.handleCreateChat)
	r.Get("/api/v1/chats/{id}", s.handleGetChat)
	r.Post("/api/v1/chats/{id}/messages", s.handleSendMessage)
	r.Post("/api/v1/chats/{id}/evidence/{index}/jump", s.handleJump)

	r.Get("/api/v1/events", s.handleEvents)

	r.Get("/api/v1/watch/directories", s.handleWatchDirectoriesList)
	r.Post("/api/v1/watch/directories", s.handleWatchDirectoriesAdd)
	r.Delete("/api/v1/watch/directories", s.handleWatchDirectoriesRemove)

	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
