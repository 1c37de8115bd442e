/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server assembles the runtime: database, event bus, mixer, speaker
// distributor, arbiter, orchestrator, and the HTTP control surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/skald/internal/api"
	"github.com/friendsincode/skald/internal/arbiter"
	"github.com/friendsincode/skald/internal/broadcast"
	"github.com/friendsincode/skald/internal/config"
	"github.com/friendsincode/skald/internal/db"
	"github.com/friendsincode/skald/internal/distributor"
	"github.com/friendsincode/skald/internal/eventbus"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/lifecycle"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/orchestrator"
	"github.com/friendsincode/skald/internal/prepare"
	"github.com/friendsincode/skald/internal/telemetry"
)

// Server bundles the HTTP surface and the background orchestration services.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	db           *gorm.DB
	bus          *events.Bus
	dist         *distributor.Distributor
	mixer        *mixer.Engine
	orchestrator *orchestrator.Orchestrator
	natsMirror   *eventbus.Mirror

	httpServer    *http.Server
	metricsServer *http.Server

	bgCancel context.CancelFunc
}

// New builds every service and wires the routes. Nothing starts running
// until Run.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	database, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(database); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	bus := events.NewBus()
	dist := distributor.New(cfg.SpeakerPort, logger)
	mix := mixer.New(database, dist, bus, cfg.OpusBitrate, logger)
	arb := arbiter.New(database, bus, logger)
	prep := prepare.New(database, arb, logger)
	lc := lifecycle.New(database, mix, arb, bus, logger)
	orch := orchestrator.New(database, prep, lc, mix, bus, cfg.ScanInterval, logger)
	broadcasts := broadcast.New(database, prep, lc, mix, bus, logger)

	s := &Server{
		cfg:          cfg,
		logger:       logger.With().Str("component", "server").Logger(),
		db:           database,
		bus:          bus,
		dist:         dist,
		mixer:        mix,
		orchestrator: orch,
	}

	if cfg.NATSURL != "" {
		mirror, err := eventbus.NewMirror(cfg.NATSURL, bus, logger)
		if err != nil {
			s.logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("nats mirror unavailable, continuing without")
		} else {
			s.natsMirror = mirror
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandlers := api.New(broadcasts, logger)
	micWS := api.NewMicWebSocket(broadcasts, logger)

	r.Route("/api", apiHandlers.Routes)
	r.Get("/ws/broadcasts/{broadcastID}/mic", micWS.HandleWebSocket)
	r.Get("/healthz", s.healthz)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket ingest holds connections open
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	s.metricsServer = &http.Server{Addr: cfg.MetricsBind, Handler: metricsMux}

	return s, nil
}

// Run starts the orchestrator and both HTTP listeners, then blocks until ctx
// is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.orchestrator.Start(bgCtx)

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		s.logger.Info().Str("addr", s.metricsServer.Addr).Msg("metrics server listening")
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		s.Shutdown()
		return err
	}
}

// Shutdown stops background work, closes listeners, and releases resources.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("shutting down")

	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.orchestrator.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown failed")
	}
	if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("metrics shutdown failed")
	}

	if s.natsMirror != nil {
		if err := s.natsMirror.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("nats mirror close failed")
		}
	}
	if err := s.dist.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("distributor close failed")
	}
	return db.Close(s.db)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
