package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bugbank/cache"
	"bugbank/config"
	"bugbank/handlers"
	"bugbank/middleware"
	"bugbank/services"
	"bugbank/store"
	"bugbank/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "bugbank",
		Short:         "Bug bounty service: bugs, fixes, reviews and XP rewards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and indexes, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close(context.Background())

			if err := migrate(ctx, st); err != nil {
				return err
			}
			log.Info("✅ migration complete")
			return nil
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	setupLogger(cfg)
	return cfg, nil
}

func setupLogger(cfg config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	if cfg.IsProduction() {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.OpenPostgres(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return st, nil
	case "mongo":
		st, err := store.OpenMongo(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return st, nil
	case "memory":
		log.Warn("⚠️  using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func migrate(ctx context.Context, st store.Store) error {
	switch s := st.(type) {
	case *store.PostgresStore:
		if err := s.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	case *store.MongoStore:
		if err := s.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}
	return nil
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			log.Warnf("⚠️  store close: %v", err)
		}
	}()
	if err := migrate(ctx, st); err != nil {
		return err
	}

	var lbCache cache.Cache = cache.Nop{}
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rc.Close()
		lbCache = rc
		log.Info("✅ redis connected, leaderboard cache enabled")
	} else {
		log.Warn("⚠️  REDIS_URL not set, leaderboard served without cache")
	}

	leaderboard := services.NewLeaderboardService(st, lbCache)
	bugService := services.NewBugService(st,
		services.WithUpdateAttempts(cfg.Store.UpdateRetries),
		services.WithLeaderboard(leaderboard),
	)

	sched, err := workers.StartLeaderboardScheduler(ctx, leaderboard, cfg.LeaderboardRefresh)
	if err != nil {
		return err
	}
	defer func() { _ = sched.Shutdown() }()

	if cfg.Identity.SyncURL != "" {
		workers.NewUserSyncWorker(st, cfg.Identity.SyncURL, cfg.Identity.SyncPath,
			cfg.Identity.ServiceToken, cfg.Identity.SyncInterval).Start(ctx)
	}

	profiles := services.NewProfileService(st, st)

	app := newApp(cfg, bugService, leaderboard, profiles)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(":" + cfg.Port)
	}()
	log.Infof("✅ Server running on http://localhost:%s (store=%s)", cfg.Port, cfg.Store.Driver)
	log.Infof("✅ CORS configured for origins: %s", strings.Join(cfg.AllowedOrigins, ","))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	return app.ShutdownWithTimeout(10 * time.Second)
}

func newApp(cfg config.Config, bugService *services.BugService, leaderboard *services.LeaderboardService, profiles *services.ProfileService) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:     "bugbank",
		BodyLimit:   1 * 1024 * 1024,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /me/xp/stream holds the response open
		IdleTimeout: 60 * time.Second,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, X-Total-Count",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// unauthenticated probes
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"ok": true}) })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/", middleware.GatewayAuthMiddleware(cfg.GatewayToken))
	handlers.SetupBugRoutes(api, bugService)
	handlers.SetupAdminRoutes(api, bugService)
	handlers.SetupLeaderboardRoutes(api, leaderboard)
	handlers.SetupProfileRoutes(api, profiles, handlers.DefaultStreamPoll)

	return app
}
