// Package app wires the registrar: store, accounts, policy, keep-alive
// scheduler, expiry sweeper, SIP front end and admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/registrard/internal/metrics"
	"github.com/sebas/registrard/internal/registrar/account"
	"github.com/sebas/registrard/internal/registrar/api"
	"github.com/sebas/registrard/internal/registrar/bindings"
	"github.com/sebas/registrard/internal/registrar/config"
	"github.com/sebas/registrard/internal/registrar/events"
	"github.com/sebas/registrard/internal/registrar/handler"
	"github.com/sebas/registrard/internal/registrar/natkeepalive"
	"github.com/sebas/registrard/internal/registrar/policy"
	"github.com/sebas/registrard/internal/registrar/store"
)

type Registrard struct {
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	config    *config.Config
	pgStore   *store.PostgresStore
	apiServer *api.Server
	registrar *handler.Registrar
	manager   *bindings.Manager
	scheduler *natkeepalive.Scheduler
	sweeper   *bindings.Sweeper
}

func NewServer(cfg *config.Config) (*Registrard, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	// Binding store: Postgres when a DSN is configured, memory otherwise.
	var bindingStore store.BindingStore
	var pgStore *store.PostgresStore
	if cfg.PostgresDSN != "" {
		pg, err := store.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			ua.Close()
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			ua.Close()
			return nil, fmt.Errorf("failed to ensure postgres schema: %w", err)
		}
		bindingStore = pg
		pgStore = pg
		slog.Info("using postgres binding store")
	} else {
		bindingStore = store.NewMemoryStore()
		slog.Info("using in-memory binding store")
	}

	// SIP account directory.
	var accounts *account.Directory
	if loaded, err := account.LoadFile(cfg.AccountsPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("accounts file missing, starting with empty directory", "path", cfg.AccountsPath)
			accounts = account.NewDirectory(nil)
		} else {
			ua.Close()
			return nil, fmt.Errorf("failed to load accounts: %w", err)
		}
	} else {
		accounts = account.NewDirectory(loaded)
		slog.Info("accounts loaded", "path", cfg.AccountsPath, "count", accounts.Len())
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	sink := events.NewLogSink(slog.Default())

	listenSocket := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	scheduler := natkeepalive.NewScheduler(natkeepalive.SchedulerConfig{
		Sender: natkeepalive.NewUDPSender(slog.Default()),
		Sink:   sink,
	})

	manager := bindings.NewManager(bindings.Config{
		Store:                 bindingStore,
		KeepAlives:            scheduler,
		Policy:                policy.Default(),
		Sink:                  sink,
		MaxBindingsPerAccount: cfg.MaxBindingsPerAccount,
	})

	sweeper := bindings.NewSweeper(bindings.SweeperConfig{
		Store:      bindingStore,
		KeepAlives: scheduler,
		Sink:       sink,
	})

	registrar := handler.NewRegistrar(manager, accounts, listenSocket, listenSocket)
	apiServer := api.NewServer(cfg.APIAddr, manager, bindingStore, accounts, scheduler, registry)

	r := &Registrard{
		ua:        ua,
		srv:       uas,
		config:    cfg,
		pgStore:   pgStore,
		apiServer: apiServer,
		registrar: registrar,
		manager:   manager,
		scheduler: scheduler,
		sweeper:   sweeper,
	}

	uas.OnRequest(sip.REGISTER, r.handleRegister)

	slog.Info("SIP handlers registered", "methods", "REGISTER")
	slog.Info("Configuration", "port", cfg.Port, "bind", cfg.BindAddr, "maxBindings", cfg.MaxBindingsPerAccount)

	return r, nil
}

func (r *Registrard) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", r.config.BindAddr, r.config.Port)
	slog.Info("Starting SIP registrar", "listenAddr", listenAddr)

	if err := r.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	r.scheduler.Start()
	r.sweeper.Start()

	if err := r.srv.ListenAndServe(ctx, "udp", listenAddr); err != nil {
		slog.Error("Failed to bind to SIP port", "port", r.config.Port, "error", err)
		return err
	}
	return nil
}

func (r *Registrard) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	if err := r.registrar.HandleRegister(req, tx); err != nil {
		slog.Error("Error handling REGISTER", "error", err)
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil)
		if err := tx.Respond(res); err != nil {
			slog.Error("Error sending error response", "error", err)
		}
	}
}

func (r *Registrard) Close() error {
	r.sweeper.Stop()
	r.scheduler.Stop()

	if r.apiServer != nil {
		if err := r.apiServer.Stop(); err != nil {
			slog.Warn("API server shutdown failed", "error", err)
		}
	}
	if r.pgStore != nil {
		if err := r.pgStore.Close(); err != nil {
			slog.Warn("closing database failed", "error", err)
		}
	}
	if r.ua != nil {
		return r.ua.Close()
	}
	return nil
}
