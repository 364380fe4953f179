package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"wpsync/internal/bot"
	"wpsync/internal/config"
	"wpsync/internal/editlock"
	"wpsync/internal/editor"
	"wpsync/internal/feed"
	"wpsync/internal/model"
	"wpsync/internal/probe"
	"wpsync/internal/scheduler"
	"wpsync/internal/server"
	"wpsync/internal/storage"
	"wpsync/internal/stream"
	"wpsync/internal/wpapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	cache, err := openCache(cfg.DatabasePath)
	if err != nil {
		log.Error("open cache", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = cache.Close() }()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	var apiOpts []wpapi.Option
	if cfg.Username != "" {
		apiOpts = append(apiOpts, wpapi.WithBasicAuth(cfg.Username, cfg.AppPassword))
	}
	api := wpapi.New(httpClient, cfg.BaseURL, apiOpts...)

	fd := feed.New(stream.New(api, cache, log), log,
		feed.WithStreamOptions(model.StreamOptions{
			WarmFirstCount: cfg.WarmFirstCount,
			MaxBatchSize:   cfg.MaxBatchSize,
		}),
		feed.WithQueueLimit(cfg.FeedQueueLimit),
	)
	locks := editlock.New(api, log, editlock.Options{HeartbeatInterval: cfg.HeartbeatInterval})

	sched := scheduler.New(fd, cfg.Scopes, log)
	sched.SetTickInterval(cfg.RefreshInterval)
	if cfg.ProbeFeedURL != "" {
		sched.SetProbe(probe.New(httpClient, cfg.ProbeFeedURL), cfg.ForceRefreshEvery)
	}

	srv := server.New(fd, locks, editor.New(api, log), cfg.Scopes, log)
	srv.SetHeartbeatInterval(cfg.HeartbeatInterval)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var b *bot.Bot
	if cfg.TelegramBotToken != "" {
		b, err = bot.New(cfg.TelegramBotToken, fd, locks, cfg, log)
		if err != nil {
			log.Error("create bot", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting wpsync", "site", cfg.BaseURL, "scopes", strings.Join(cfg.Scopes, ","), "addr", cfg.ListenAddr)

	g, ctx := errgroup.WithContext(ctx)
	httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	if b != nil {
		g.Go(func() error {
			b.Run(ctx)
			return nil
		})
		if cfg.TelegramNotifyChatID != 0 {
			for _, scope := range cfg.Scopes {
				g.Go(func() error {
					b.Watch(ctx, scope, cfg.TelegramNotifyChatID)
					return nil
				})
			}
		}
	}
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("wpsync stopped", "error", err)
		os.Exit(1)
	}
	log.Info("wpsync stopped")
}

// openCache returns the in-memory cache when path is empty.
func openCache(path string) (storage.PostCache, error) {
	if path == "" {
		return storage.NewMemory(), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	db, err := storage.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
