package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/config"
	"github.com/zhouzirui/zerocode-chat/backend/internal/handler"
	"github.com/zhouzirui/zerocode-chat/backend/internal/logger"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/ai"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/auth"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/profile"
	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if envErr != nil {
		log.Info("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	backend, closeBackend, err := openBackend(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	generator, err := ai.New(ctx, cfg.AI, log)
	if err != nil {
		log.Warn("failed to initialize model, continuing with demo responses", zap.Error(err))
		generator = ai.NewDemoGenerator(nil)
	}

	if cfg.Auth.UsesDefaultSecret() {
		log.Warn("SESSION_SECRET not set, signing sessions with the built-in development secret")
	}

	var seedProfiles []string
	if cfg.Auth.SeedDemoUser {
		seedProfiles = cfg.Auth.SeedProfiles
	}

	registry := profile.NewRegistry(profile.Options{
		Backend:        backend,
		Hasher:         auth.NewPasswordHasher(auth.DefaultHashParams),
		Tokens:         auth.NewTokenIssuer(cfg.Auth.SessionSecret),
		Generator:      generator,
		SeedProfiles:   seedProfiles,
		SimulatedDelay: cfg.Auth.SimulatedDelay,
		TurnTimeout:    cfg.AI.TurnTimeout,
		MaxProfiles:    cfg.Auth.MaxProfiles,
		IdleTTL:        cfg.Auth.ProfileIdleTTL,
		Logger:         log,
	})
	defer registry.Close()

	if err := registry.SeedDemoAccounts(ctx); err != nil {
		return err
	}

	router := handler.NewRouter(handler.Deps{
		Registry: registry,
		Server:   cfg.Server,
		Voice:    cfg.Voice,
		Logger:   log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("ZeroCode Chat backend listening", zap.String("addr", cfg.Server.Addr))
	return runServer(ctx, srv)
}

// openBackend 打开 SQLite；DATABASE_PATH=memory 时使用内存存储
func openBackend(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (storage.Backend, func(), error) {
	if cfg.InMemory() {
		log.Warn("using in-memory storage, data will not survive restarts")
		return storage.NewMemory(), func() {}, nil
	}

	db, err := storage.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", zap.String("path", cfg.DatabasePath))

	return db, func() {
		if err := db.Close(); err != nil {
			log.Warn("close storage failed", zap.Error(err))
		}
	}, nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
