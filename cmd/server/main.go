// careerpath - career roadmap planning server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/careerpath/internal/api"
	"github.com/ashureev/careerpath/internal/chatlog"
	"github.com/ashureev/careerpath/internal/config"
	"github.com/ashureev/careerpath/internal/generation"
	"github.com/ashureev/careerpath/internal/identity"
	"github.com/ashureev/careerpath/internal/live"
	"github.com/ashureev/careerpath/internal/metrics"
	"github.com/ashureev/careerpath/internal/middleware"
	"github.com/ashureev/careerpath/internal/plansync"
	"github.com/ashureev/careerpath/internal/session"
	"github.com/ashureev/careerpath/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	generationPerUser = 20
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc := cfg.Bootstrap.Store
	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"app_id", cfg.AppID,
		"store_backend", sc.Backend,
		"store_feed", sc.Feed,
		"store_config_provided", cfg.Bootstrap.StoreProvided)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	backends, err := openBackends(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}
	defer backends.close()

	transport, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}
	gen := generation.NewClient(transport, generation.Config{
		MaxAttempts: cfg.Generation.MaxAttempts,
		BaseDelay:   cfg.Generation.BaseDelay,
	}, logger, m)

	chatLog, err := chatlog.New(chatlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation log: %w", err)
	}
	defer func() {
		if closeErr := chatLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation log", "error", closeErr)
		}
	}()

	syncer := plansync.New(backends.docs, backends.feed, cfg.AppID, logger, m)
	sessions := session.NewManager(session.Deps{
		Generator: gen,
		Sync:      syncer,
		ChatLog:   chatLog,
		Logger:    logger,
		Metrics:   m,
	}, cfg.SessionIdleTTL)
	defer sessions.Close()

	resolver := identity.NewResolver(repo, cfg.AuthTokenSecret, cfg.Bootstrap.IdentityToken, cfg.IsDevelopment(), logger)
	hub := live.NewHub(logger)
	limiter := api.NewRateLimiter(generationPerUser, time.Minute)
	defer limiter.Stop()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(backends.checks)
	sessionHandler := api.NewSessionHandler(repo, sessions, limiter, cfg.AppID, cfg.GenerationEnabled())
	liveHandler := live.NewHandler(sessions, hub, m, logger, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	// Identity-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(resolver.Middleware)
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/session", liveHandler.ServeHTTP)
	})

	// Plan builds block for the whole retry schedule, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func newTransport(ctx context.Context, cfg *config.Config) (generation.Transport, error) {
	if !cfg.GenerationEnabled() {
		slog.Warn("GEMINI_API_KEY not set, plan generation and chat replies will fail")
		return generation.Unconfigured{}, nil
	}
	t, err := generation.NewGenAITransport(ctx, generation.GenAIConfig{
		APIKey:  cfg.Generation.APIKey,
		Model:   cfg.Generation.Model,
		BaseURL: cfg.Generation.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize generation transport: %w", err)
	}
	slog.Info("Generation enabled", "model", cfg.Generation.Model)
	return t, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// backends are the document store and change feed selected by the store config.
type backends struct {
	docs    store.Documents
	feed    plansync.Feed
	checks  map[string]api.Pinger
	closers []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Error("Failed to close store backend", "error", err)
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, repo *store.SQLiteStore, logger *slog.Logger) (*backends, error) {
	sc := cfg.Bootstrap.Store
	b := &backends{checks: map[string]api.Pinger{"database": repo}}

	var redisClient *redis.Client
	redisFor := func() (*redis.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		c, err := store.NewRedisClient(ctx, sc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		redisClient = c
		b.closers = append(b.closers, c.Close)
		b.checks["redis"] = store.NewRedisDocuments(c)
		return c, nil
	}

	switch sc.Backend {
	case config.BackendSQLite:
		if sc.Path == cfg.DBPath {
			b.docs = repo
			break
		}
		s, err := store.NewSQLite(sc.Path)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("open document database: %w", err)
		}
		b.closers = append(b.closers, s.Close)
		b.checks["documents"] = s
		b.docs = s
	case config.BackendRedis:
		c, err := redisFor()
		if err != nil {
			b.close()
			return nil, err
		}
		b.docs = store.NewRedisDocuments(c)
	case config.BackendMongo:
		mdb, err := store.NewMongoDocuments(ctx, sc.MongoURI, sc.MongoDatabase)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		b.closers = append(b.closers, mdb.Close)
		b.checks["documents"] = mdb
		b.docs = mdb
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}

	switch sc.Feed {
	case config.FeedRedis:
		c, err := redisFor()
		if err != nil {
			b.close()
			return nil, err
		}
		feed := plansync.NewRedisFeed(c, logger)
		slog.Info("Using redis change feed", "instance_id", feed.InstanceID())
		b.feed = feed
	default:
		b.feed = plansync.NewLocalFeed()
	}
	return b, nil
}
