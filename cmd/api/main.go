package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webtasks.org/internal/account"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/authz"
	"webtasks.org/internal/config"
	"webtasks.org/internal/grpcapi"
	"webtasks.org/internal/httpapi"
	"webtasks.org/internal/migrate"
	"webtasks.org/internal/obs"
	"webtasks.org/internal/seed"
	"webtasks.org/internal/store/memory"
	"webtasks.org/internal/store/mongostore"
	"webtasks.org/internal/store/pg"
	"webtasks.org/internal/tasks"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend bundles the chosen storage with its readiness check and cleanup.
type backend struct {
	store interface {
		seed.Store
		auth.CredentialStore
	}
	probe httpapi.ReadyProbe
	close func(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", os.Getenv("WEBTASKS_CONFIG"), "Path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		obs.Logger().Error("api_exit", "error", err.Error())
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Логгер и метрики поднимаем до всего остального
	obs.SetLogger(obs.NewLogger(os.Stdout, cfg.Logging.Format, cfg.Logging.Level, "service", "webtasks-api"))
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := be.close(cctx); err != nil {
			logger.Warn("storage_close_failed", "error", err.Error())
		}
	}()

	tokens, err := auth.NewTokenService(be.store, cfg.Auth.AccessSecret, cfg.Auth.RenewalSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRenewalTTL(cfg.Auth.RenewalTTL),
	)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}
	authn := auth.NewAuthenticator(be.store, tokens, auth.WithPasswordCost(cfg.Auth.BcryptCost))
	accounts := account.NewService(be.store, account.WithPasswordCost(cfg.Auth.BcryptCost))
	taskSvc := tasks.NewService(be.store)
	engine := authz.NewEngine(
		authz.WithOwnerLookup(authz.ResourceTask, authz.OwnerLookupFunc(taskSvc.OwnerOf)),
		authz.WithOwnerLookup(authz.ResourceUserAccount, authz.OwnerLookupFunc(accounts.OwnerOf)),
		authz.WithMaskNotFound(cfg.Authz.MaskNotFound),
	)

	opts := []httpapi.Option{
		httpapi.WithCookies(httpapi.CookieSettings{Secure: cfg.Cookies.Secure, Domain: cfg.Cookies.Domain}),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}
	if cfg.RateLimit.Enabled {
		proxies, err := httpapi.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
		if err != nil {
			return err
		}
		opts = append(opts,
			httpapi.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
			httpapi.WithTrustedProxies(proxies),
		)
	}
	api := httpapi.New(be.probe, version, httpapi.Services{
		Auth:     authn,
		Authz:    engine,
		Accounts: accounts,
		Tasks:    taskSvc,
	}, opts...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http_listen", "addr", srv.Addr, "version", version, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var grpcStop func()
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gsrv := grpcapi.NewServer(authn, be.probe)
		gs := gsrv.NewGRPCServer()
		go gsrv.WatchHealth(ctx, 10*time.Second)
		go func() {
			logger.Info("grpc_listen", "addr", cfg.GRPC.Addr)
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
		grpcStop = gs.GracefulStop
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutdown_started")

	// graceful shutdown
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if grpcStop != nil {
		grpcStop()
	}
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("shutdown_complete")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := pg.Open(cfg.Storage.Postgres.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		// Схема применяется при старте, чтобы API не зависел от отдельного шага
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := migrate.NewManager(store.DB(), migrate.Embedded(), nil).Up(mctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &backend{
			store: store,
			probe: httpapi.ReadyProbe{DB: store.DB()},
			close: func(context.Context) error { return store.Close() },
		}, nil

	case config.DriverMongo:
		store, err := mongostore.Open(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		return &backend{
			store: store,
			probe: httpapi.ReadyProbe{Ping: store.Ping},
			close: store.Close,
		}, nil

	default:
		store := memory.New()
		if cfg.Storage.Seed {
			res, err := seed.Apply(ctx, store, seed.DemoUsers, cfg.Storage.SeedPassword, cfg.Auth.BcryptCost)
			if err != nil {
				return nil, fmt.Errorf("seed: %w", err)
			}
			obs.Logger().Info("seed_applied", "users", res.Users, "tasks", res.Tasks)
		}
		return &backend{
			store: store,
			probe: httpapi.ReadyProbe{},
			close: func(context.Context) error { return nil },
		}, nil
	}
}
