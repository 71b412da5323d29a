// Command procstreamd serves session-scoped streaming channels over HTTP,
// fronting an upstream procedure registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/procstream/procstream-go/catalog"
	"github.com/procstream/procstream-go/internal/config"
	"github.com/procstream/procstream-go/internal/engine"
	"github.com/procstream/procstream-go/sessions"
	"github.com/procstream/procstream-go/storage"
	memorystorage "github.com/procstream/procstream-go/storage/memory"
	redisstorage "github.com/procstream/procstream-go/storage/redis"
	"github.com/procstream/procstream-go/streaminghttp"
)

const (
	defaultCacheEntries = 1024
	shutdownGrace       = 10 * time.Second
)

func main() {
	var (
		listenFlag = pflag.String("listen", "", "listen address, overrides PROCSTREAM_LISTEN")
		envFile    = pflag.String("env-file", "", "load environment variables from this file before reading config")
		logLevel   = pflag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	if err := run(*listenFlag, *envFile, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "procstreamd: %v\n", err)
		os.Exit(1)
	}
}

func run(listenFlag, envFile, logLevel string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %q: %w", envFile, err)
		}
	} else {
		// Best effort; a missing .env is not an error.
		_ = godotenv.Load()
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.ListenAddr = listenFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := newCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Warn("cache.close.fail", slog.String("err", err.Error()))
		}
	}()

	registry, err := catalog.NewClient(cfg.UpstreamURL,
		catalog.WithCache(cache, cfg.CatalogCacheTTL),
		catalog.WithClientLogger(log),
	)
	if err != nil {
		return err
	}

	eng := engine.New(registry, engine.WithLogger(log))
	manager := sessions.NewManager(eng,
		sessions.WithLogger(log),
		sessions.WithHeartbeatInterval(cfg.HeartbeatInterval),
	)

	streams, err := streaminghttp.New(manager, eng, streaminghttp.WithLogger(log))
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Mount("/", streams)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("server.shutdown.start")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		// Drain live sessions first so streams see a clean close before the
		// listener stops accepting writes.
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Warn("manager.shutdown.fail", slog.String("err", err.Error()))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server.shutdown.fail", slog.String("err", err.Error()))
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		log.Info("server.shutdown.ok")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newCache(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.RedisAddr == "" {
		log.Info("cache.memory", slog.Int("max_items", defaultCacheEntries))
		return memorystorage.New(defaultCacheEntries)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("cache.redis", slog.String("addr", cfg.RedisAddr))
	return redisstorage.New(client)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
