package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"seedbridge.ai/internal/config"
	"seedbridge.ai/internal/protocol"
	"seedbridge.ai/internal/transport/feed"
	"seedbridge.ai/internal/transport/host"
)

func main() {
	configPath := flag.String("config", "", "path to seedbridge.yaml (optional; SEEDBRIDGE_* env vars override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(2)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	validator, err := protocol.NewValidator(cfg.Observer.DroppedItemEntity)
	if err != nil {
		return fmt.Errorf("compile state schema: %w", err)
	}
	hostClient := host.New(cfg.Host.BaseURL, cfg.Host.Timeout, logger)
	feedClient := feed.New(feed.Config{
		WSURL:   cfg.Feed.WSURL,
		BaseURL: cfg.Feed.BaseURL,
		Timeout: cfg.Feed.Timeout,
	}, validator, logger)

	s, err := newServer(cfg, hostLinks{
		Compiler: hostClient,
		Injector: hostClient,
		Commands: hostClient,
		Feed:     feedClient,
		Blocks:   feedClient,
	}, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	mode := s.Start()
	logger.Info("seedbridge started",
		zap.String("observer_mode", string(mode)),
		zap.String("store_dir", s.store.Dir()),
		zap.String("index_backend", cfg.Index.Backend))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	return g.Wait()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zapCfg zap.Config
	if cfg.LogFormat == "console" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.DisableStacktrace = true
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("server_id", cfg.ServerID)), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
