// Package server provides the public entry point for initializing the
// waflow control plane server.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/waflow/control-plane/internal/api"
	"github.com/waflow/control-plane/internal/api/handlers"
	"github.com/waflow/control-plane/internal/config"
	"github.com/waflow/control-plane/internal/flows"
	"github.com/waflow/control-plane/internal/seed"
	"github.com/waflow/control-plane/internal/store"
	"github.com/waflow/control-plane/internal/telemetry"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (postgres when DATABASE_URL is set, memory
	// otherwise).
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Seed.NGSO {
		if _, err := seed.ApplyNGSO(ctx, dataStore, "default"); err != nil {
			log.Warn().Err(err).Msg("Failed to seed NGSO flow")
		}
	}

	lc := flows.NewService(dataStore)
	h := handlers.New(dataStore, lc)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// NewStore selects the store implementation from configuration: PostgreSQL
// when DATABASE_URL is set, the in-memory snapshot store otherwise.
func NewStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	}
	log.Info().Msg("DATABASE_URL not set, using in-memory store")
	return store.NewMemoryStore(), nil
}
