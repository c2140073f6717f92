package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	accountrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
	authrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/auth/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/notify"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

const purgeInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, sync, err := bootstrap()
		if err != nil {
			return err
		}
		defer sync()
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// app holds the wired service and the resources to release on shutdown.
type app struct {
	db      *sqlx.DB
	redis   *redis.Client
	revoked *authrepo.RevokedTokenRepo
	events  *events.Publisher
	svc     *auth.Service
	clock   clockwork.Clock
}

func (rt *app) close(logger *zap.SugaredLogger) {
	if rt.events != nil {
		if err := rt.events.Close(); err != nil {
			logger.Warnw("rabbitmq close failed", "err", err)
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}

func (rt *app) healthChecks() map[string]router.HealthCheck {
	checks := map[string]router.HealthCheck{"postgres": rt.db.PingContext}
	if rt.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() }
	}
	return checks
}

func wire(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*app, error) {
	rt := &app{clock: clockwork.NewRealClock()}
	fail := func(err error) (*app, error) {
		rt.close(logger)
		return nil, err
	}

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fail(fmt.Errorf("db connect: %w", err))
	}
	rt.db = db

	var store auth.RevocationStore
	switch cfg.RevocationBackend {
	case config.RevocationPostgres:
		rt.revoked = authrepo.NewRevokedTokenRepo(db)
		store = rt.revoked
	default:
		client, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("redis connect: %w", err))
		}
		rt.redis = client
		store = authrepo.NewRedisRevocationStore(client, rt.clock)
	}

	tokens, err := auth.NewTokenIssuer(cfg.JWT, store, rt.clock)
	if err != nil {
		return fail(err)
	}
	ids, err := utilities.NewSnowflake(cfg.SnowflakeNode)
	if err != nil {
		return fail(err)
	}

	deps := auth.Deps{
		Accounts: accountrepo.NewAccountRepo(db),
		Tokens:   tokens,
		IDs:      ids,
		Hasher:   auth.NewHasher(cfg.PasswordHasher, cfg.BcryptCost),
		Clock:    rt.clock,
		Logger:   logger.Named("auth"),
	}
	if cfg.SMTP.Enabled() {
		mailer, err := notify.NewMailer(cfg.SMTP, logger.Named("mail"))
		if err != nil {
			return fail(fmt.Errorf("smtp: %w", err))
		}
		deps.Notifier = mailer
	} else {
		logger.Warn("SMTP_HOST not set, verification and reset links will not be delivered")
	}
	if cfg.RabbitMQ.Enabled() {
		pub, err := events.Dial(ctx, cfg.RabbitMQ, logger.Named("events"))
		if err != nil {
			return fail(err)
		}
		rt.events = pub
		deps.Events = pub
	}

	rt.svc, err = auth.NewService(deps, cfg.Policy())
	if err != nil {
		return fail(err)
	}
	return rt, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	logger.Infow("starting pitchfork-auth", "addr", cfg.HTTPAddr, "revocation", cfg.RevocationBackend)

	rt, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close(logger)

	if rt.revoked != nil {
		go purgeRevoked(ctx, rt.revoked, rt.clock, logger)
	}

	handler := router.RegisterRoutes(logger, router.Options{
		BasePath: cfg.HTTPBasePath,
		API:      auth.NewHandler(rt.svc, logger.Named("http")).Routes(),
		Checks:   rt.healthChecks(),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		logger.Warnw("http server shutdown failed", "err", err)
	}
	if err := rt.svc.Wait(doneCtx); err != nil {
		logger.Warnw("pending notifications abandoned", "err", err)
	}
	logger.Info("goodbye")
	return nil
}

// purgeRevoked drops revocation rows whose tokens have expired.
func purgeRevoked(ctx context.Context, repo *authrepo.RevokedTokenRepo, clock clockwork.Clock, logger *zap.SugaredLogger) {
	ticker := clock.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := repo.PurgeExpired(ctx, clock.Now())
			if err != nil {
				logger.Warnw("purge revoked tokens failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Debugw("purged revoked tokens", "count", n)
			}
		}
	}
}
