package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/auth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/bunx"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/identity"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/idpsync"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/keys"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/lifecycle"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/oauth"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/queue"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/repository"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/server"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/telemetry"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/webhook"
)

// shutdownTimeout bounds the HTTP drain and the side-effect drain separately.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the user API server",
	Long:  `Starts the HTTP server with the login flow, session and internal user routes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(); err != nil {
			return err
		}
		store, err := keys.LoadStore(cfg.Keys)
		if err != nil {
			return fmt.Errorf("failed to load keys: %w", err)
		}

		db, err := bunx.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)
		logger.Infow("connected to database", "type", bunx.DetectDatabaseType(cfg.DatabaseURL))

		if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
			if err := migrateOnStart(ctx, db); err != nil {
				return err
			}
		}

		otel, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := otel.Shutdown(sctx); err != nil {
				logger.Warnw("telemetry shutdown", "error", err)
			}
		}()
		metrics, err := telemetry.NewMetrics()
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}

		// Post-commit side effects
		provisioner, err := queue.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create queue provisioner: %w", err)
		}
		if c, ok := provisioner.(queue.Closer); ok {
			defer c.Close()
		}
		sender, err := webhook.NewSender(cfg.Webhooks, store.Webhook.Private, webhook.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to create webhook sender: %w", err)
		}
		hookOpts := lifecycle.HookOptions{Queues: provisioner, Webhooks: sender}
		if cfg.Cognito.SyncAttributes {
			syncer, err := idpsync.NewCognitoFromConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create cognito client: %w", err)
			}
			hookOpts.IdP = syncer
			logger.Infow("cognito attribute sync enabled", "attribute", cfg.Cognito.IDAttribute)
		}
		dispatcher := lifecycle.NewDispatcher(lifecycle.Options{
			MaxAttempts:    cfg.Lifecycle.MaxAttempts,
			AttemptTimeout: cfg.Lifecycle.AttemptTimeout,
			QueueSize:      cfg.Lifecycle.QueueSize,
			Logger:         logger,
			Metrics:        metrics,
		})
		hooks := lifecycle.NewHooks(dispatcher, hookOpts)

		users := repository.NewCachedUserRepository(repository.NewBunUserRepository(db), cfg.UserCache.Size, cfg.UserCache.TTL)
		reconciler := identity.NewReconciler(users, identity.Options{
			QueuePrefix: cfg.Queue.Prefix,
			Events:      hooks,
			Logger:      logger,
			Metrics:     metrics,
		})

		sessions, err := auth.NewSessionIssuer(store.Session, cfg.Session.Duration)
		if err != nil {
			return fmt.Errorf("failed to create session issuer: %w", err)
		}

		providers, err := oauth.NewProviders(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to configure login providers: %w", err)
		}
		logger.Infow("login providers", "enabled", oauth.Names(providers))
		flow := oauth.NewFlow(providers, reconciler, sessions, oauth.FlowOptions{
			Session: cfg.Session,
			Login:   cfg.Login,
			Logger:  logger,
			Metrics: metrics,
		})

		router, err := server.NewRouter(server.RouterOptions{
			Cfg:            cfg,
			Keys:           store,
			Users:          users,
			Reconciler:     reconciler,
			Events:         hooks,
			Sessions:       sessions,
			Flow:           flow,
			Logger:         logger,
			Metrics:        metrics,
			MetricsHandler: otel.MetricsHandler(),
		})
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Infow("starting server", "addr", cfg.ServerAddr, "url", cfg.ServerURL)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				drain(dispatcher)
				return fmt.Errorf("server error: %w", err)
			}
		case sig := <-shutdown:
			logger.Infow("shutting down", "signal", sig.String())

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				srv.Close()
				drain(dispatcher)
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
		}

		// Requests are done; let their side effects finish.
		drain(dispatcher)
		logger.Info("server stopped")
		return nil
	},
}

func drain(d *lifecycle.Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		logger.Warnw("side effects abandoned at shutdown", "error", err)
	}
}

func init() {
	serveCmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
