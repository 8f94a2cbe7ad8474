// Package server собирает сервер синхронизации: хранилище, сервис, HTTP API,
// WebSocket-хаб и фоновую очистку.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"possync/internal/app/server/api"
	"possync/internal/app/server/config"
	"possync/internal/app/server/realtime"
	"possync/internal/domain/sync"
	"possync/internal/infrastructure/storage/memory"
	"possync/internal/infrastructure/storage/postgres"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// storage хранилище вместе с его жизненным циклом
type storage interface {
	sync.Repository
	Close() error
}

type App struct {
	cfg     *config.Config
	log     *slog.Logger
	storage storage
	service *sync.Service
	hub     *realtime.Hub
	http    *http.Server
}

// New открывает хранилище и собирает зависимости. Пустой DATABASE_URI включает хранилище в памяти.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	policies, err := sync.ParsePolicies(cfg.Sync.ConflictPolicies)
	if err != nil {
		return nil, fmt.Errorf("SYNC_CONFLICT_POLICIES: %w", err)
	}

	var (
		st    storage
		probe func(context.Context) error
	)
	if cfg.DB.DatabaseURI == "" {
		log.Warn("DATABASE_URI is empty, using in-memory storage")
		st = memory.New(log)
	} else {
		pg, err := postgres.New(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		st = pg
		probe = pg.Pool().Ping
	}

	hub := realtime.NewHub(log)
	service := sync.NewService(st, log, &sync.ServiceConfig{
		MaxBatch:          cfg.Sync.MaxBatch,
		MaxPullItems:      cfg.Sync.MaxPullItems,
		MaxPullItemsLimit: cfg.Sync.MaxPullItemsLimit,
		Policies:          policies,
		TokenCost:         cfg.Sync.DeviceTokenCost,
	}, sync.WithNotifier(hub))

	router := api.New(api.Deps{
		Service: service,
		Events:  hub.Handler(service),
		Probe:   probe,
	}, log)

	log.Info("conflict policies", "policies", policies.String())

	return &App{
		cfg:     cfg,
		log:     log,
		storage: st,
		service: service,
		hub:     hub,
		http: &http.Server{
			Addr:              cfg.Server.RunAddress,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run работает до отмены ctx, затем останавливает HTTP-сервер в пределах SHUTDOWN_TIMEOUT
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.storage.Close(); err != nil {
			a.log.Error("failed to close storage", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server started", "address", a.cfg.Server.RunAddress)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.hub.Run(ctx)
	})

	g.Go(func() error {
		return a.service.RunJanitor(ctx, sync.JanitorConfig{
			Interval:        a.cfg.Sync.JanitorInterval,
			RetentionDays:   a.cfg.Sync.RetentionDays,
			DeviceStaleDays: a.cfg.Sync.DeviceStaleDays,
		})
	})

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
