package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"progress-serverless/internal/auth"
	"progress-serverless/internal/config"
	"progress-serverless/internal/db"
	"progress-serverless/internal/maintenance"
	"progress-serverless/internal/observability"
	"progress-serverless/internal/progress"
	"progress-serverless/internal/ratelimit"
	"progress-serverless/internal/users"
)

type Options struct {
	LoadDotEnv bool
	// ForceMigrations runs migrations regardless of RUN_MIGRATIONS_ON_STARTUP.
	ForceMigrations bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.ForceMigrations || cfg.RunMigrations {
		applied, err := db.Migrate(ctx, database)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	handler, err := buildHandler(ctx, cfg, database, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func buildHandler(ctx context.Context, cfg config.Config, database *sql.DB, logger *observability.Logger) (http.Handler, error) {
	tokens, err := auth.NewTokenService(cfg.AccessSecret, cfg.RefreshSecret)
	if err != nil {
		return nil, fmt.Errorf("init token service: %w", err)
	}
	hasher, err := auth.NewBcryptHasher(0)
	if err != nil {
		return nil, fmt.Errorf("init password hasher: %w", err)
	}

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, hasher, tokens)
	authHandler := auth.NewHandler(authService, tokens, auth.NewCookieTransport(cfg.Production())).
		WithErrorDetail(!cfg.Production())

	if err := authService.BootstrapAdmin(ctx, authRepo, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	var limitStore ratelimit.Store
	postgresLimits := ratelimit.NewPostgresStore(database)
	switch cfg.RateLimitStore {
	case "memory":
		limitStore = ratelimit.NewMemoryStore()
	default:
		limitStore = postgresLimits
	}
	loginLimiter := ratelimit.NewLimiter(limitStore, "login", cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger)
	registerLimiter := ratelimit.NewLimiter(limitStore, "register", cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger)

	cleanupHandler := maintenance.NewCleanupHandler(
		postgresLimits,
		logger,
		cfg.CronSecret,
		cfg.CleanupRetention,
		cfg.CleanupBatchSize,
	)

	progressHandler := progress.NewHandler(progress.NewRepository(database)).WithErrorDetail(!cfg.Production())
	usersHandler := users.NewHandler(users.NewRepository(database)).WithErrorDetail(!cfg.Production())

	authenticated := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(tokens, next)
	}
	admin := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(tokens, auth.RequireAdmin(next))
	}
	ownerOrAdmin := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(tokens, auth.RequireOwnerOrAdmin("userId", next))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", registerLimiter.Middleware(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/me", authenticated(authHandler.Me))

	mux.Handle("GET /progress/{userId}", ownerOrAdmin(progressHandler.GetProgress))
	mux.Handle("PUT /progress/{userId}", admin(progressHandler.UpdateProgress))
	mux.Handle("POST /progress/{userId}/activity", ownerOrAdmin(progressHandler.RecordActivity))
	mux.Handle("DELETE /progress/{userId}", admin(progressHandler.DeleteProgress))
	mux.Handle("GET /leaderboard", authenticated(progressHandler.Leaderboard))

	mux.Handle("GET /users", admin(usersHandler.ListUsers))
	mux.Handle("GET /users/{userId}", ownerOrAdmin(usersHandler.GetUser))
	mux.Handle("DELETE /users/{userId}", admin(usersHandler.DeleteUser))
	mux.Handle("PUT /users/{userId}/embedding", ownerOrAdmin(progressHandler.SaveEmbedding))
	mux.Handle("GET /users/{userId}/similar", ownerOrAdmin(progressHandler.SimilarUsers))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", observability.MetricsHandler())
	}

	return observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			observability.MetricsMiddleware(mux))), nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
