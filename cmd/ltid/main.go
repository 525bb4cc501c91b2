// Command ltid runs the LTI 1.3 launch and provisioning service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	api "github.com/classpilot/lti-engine/internal/api/http"
	"github.com/classpilot/lti-engine/internal/bridge"
	"github.com/classpilot/lti-engine/internal/config"
	"github.com/classpilot/lti-engine/internal/db"
	"github.com/classpilot/lti-engine/internal/lti"
	"github.com/classpilot/lti-engine/internal/roster"
	"github.com/classpilot/lti-engine/internal/store"
)

func main() {
	cfg := config.FromEnv()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return err
	}
	defer dbh.Close()

	sqlStore := store.NewSQLStore(dbh).WithSessionTTL(cfg.LaunchSessionTTL)

	// Transient handshake state goes to Redis when configured so multiple
	// instances can share it; otherwise the SQL store carries it.
	var sessions store.LaunchSessionStore = sqlStore
	var codes store.CodeStore = store.NewMemoryCodeStore()
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		rs := store.NewRedisSessionStore(rdb)
		sessions = rs
		codes = rs
		logger.Info("using redis for launch sessions", zap.String("addr", cfg.RedisAddr))
	}

	sessionBridge := bridge.NewLocalBridge(cfg.SessionHMACSecret, cfg.SessionTTL)
	verifier := lti.NewVerifier(nil, logger, cfg.JWKSCacheTTL)

	login := &lti.LoginService{
		Platforms:   sqlStore,
		Sessions:    sessions,
		Logger:      logger,
		RedirectURI: cfg.LaunchRedirectURI(),
		SessionTTL:  cfg.LaunchSessionTTL,
	}
	launch := &lti.LaunchService{
		Platforms:       sqlStore,
		Sessions:        sessions,
		Provision:       sqlStore,
		Codes:           codes,
		Verifier:        verifier,
		Bridge:          sessionBridge,
		Logger:          logger,
		AppRedirectURL:  cfg.AppRedirectURL,
		ExchangeCodeTTL: cfg.ExchangeCodeTTL,
	}
	jwksHandler := &lti.JWKSHandler{Keys: sqlStore, Logger: logger}
	syncEngine := &roster.Engine{
		Platforms: sqlStore,
		Keys:      sqlStore,
		Provision: sqlStore,
		Logs:      sqlStore,
		Bridge:    sessionBridge,
		Logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(api.RequestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := dbh.PingContext(req.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Platform-facing endpoints.
	r.Get("/lti/login", login.Handler())
	r.Post("/lti/login", login.Handler())
	r.Post("/lti/launch", launch.Handler())
	r.Post("/lti/session", launch.ExchangeHandler())
	r.Get("/lti/jwks", jwksHandler.ServeHTTP)
	r.Get("/.well-known/jwks.json", jwksHandler.ServeHTTP)

	// Admin endpoints.
	r.Group(func(ar chi.Router) {
		ar.Use(api.AdminAuth(cfg.AdminSecretHash))
		ar.Post("/lti/platforms", api.CreatePlatformHandler(sqlStore, sqlStore, logger))
		ar.Get("/lti/platforms", api.ListPlatformsHandler(sqlStore))
		ar.Get("/lti/platforms/{id}", api.GetPlatformHandler(sqlStore))
		ar.Put("/lti/platforms/{id}", api.UpdatePlatformHandler(sqlStore))
		ar.Delete("/lti/platforms/{id}", api.DeactivatePlatformHandler(sqlStore))
		ar.Post("/lti/platforms/{id}/keys", api.RotateKeyHandler(sqlStore, sqlStore, logger))
		ar.Post("/lti/sync/nrps", roster.SyncHandler(syncEngine))
		ar.Get("/lti/sync/logs", roster.LogsHandler(syncEngine))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("public_url", cfg.PublicURL))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
