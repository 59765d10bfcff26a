package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/airfi/captivegate/internal/api"
	"github.com/airfi/captivegate/internal/auth"
	"github.com/airfi/captivegate/internal/db"
	"github.com/airfi/captivegate/internal/ratelimit"
	"github.com/airfi/captivegate/internal/redirect"
	"github.com/airfi/captivegate/internal/router"
	"github.com/airfi/captivegate/internal/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the redirector, the internal API and the session sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	exec, err := a.executor()
	if err != nil {
		return err
	}
	fw := a.firewall(exec)
	if cfg.Firewall.ManageBaseRule {
		if err := fw.Setup(ctx); err != nil {
			return fmt.Errorf("failed to install base rules: %w", err)
		}
	}
	resolver := router.NewNeighborResolver(exec, cfg.Neighbor.Interface, cfg.Neighbor.CacheTTL, logger.Named("neighbor"))

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := session.NewManager(store, fw, session.Config{
		TTL:              cfg.Session.TTL,
		SweepInterval:    cfg.Session.SweepInterval,
		HistoryRetention: cfg.Database.HistoryRetention,
	}, logger.Named("session"))
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	defer manager.Stop()

	kp, err := auth.LoadOrGenerateKeyPair(auth.KeyPaths(cfg.API.KeysDir))
	if err != nil {
		return err
	}
	jwtService := auth.NewJWTService(kp, cfg.API.Issuer)
	logger.Info("api signing key loaded", zap.String("fingerprint", kp.Fingerprint()))

	apiRouter := api.NewRouter(
		api.NewHandler(manager, store, logger.Named("api")),
		jwtService,
		ratelimit.New(cfg.API.RateLimit, cfg.API.RateBurst),
		logger.Named("api"),
	)

	redirector, err := redirect.New(redirect.Config{
		PortalHost:        cfg.Portal.Host,
		PortalScheme:      cfg.Portal.Scheme,
		LoginPath:         cfg.Portal.LoginPath,
		BackendURL:        cfg.Portal.BackendURL,
		TrustForwardedFor: cfg.Redirect.TrustForwardedFor,
	}, resolver, ratelimit.New(cfg.Redirect.RateLimit, cfg.Redirect.RateBurst), logger.Named("redirect"))
	if err != nil {
		return err
	}

	servers := []*http.Server{
		{Addr: cfg.API.Listen, Handler: apiRouter, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.Redirect.Listen, Handler: redirector, ReadHeaderTimeout: 10 * time.Second},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server on %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	logger.Info("captivegate started",
		zap.String("portal", cfg.PortalURL()),
		zap.String("interface", cfg.Firewall.Interface),
		zap.Duration("ttl", cfg.Session.TTL),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	return runErr
}
