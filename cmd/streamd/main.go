package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/famomatic/streamd/internal/cache"
	"github.com/famomatic/streamd/internal/config"
	"github.com/famomatic/streamd/internal/extractor"
	"github.com/famomatic/streamd/internal/merge"
	"github.com/famomatic/streamd/internal/muxer"
	"github.com/famomatic/streamd/internal/proxy"
	"github.com/famomatic/streamd/internal/resolver"
	"github.com/famomatic/streamd/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "streamd",
		Short:         "Stream resolution service backed by an external extraction engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().String("config", "", "path to YAML config file")
	cmd.Flags().String("addr", "", "listen address, overrides config")
	cmd.Flags().String("loglevel", "info", "log level (debug, info, warn, error)")
	cmd.Flags().String("logformat", "text", "log format (text, json)")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := buildLogger(cmd)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	engine := extractor.NewYtDlp(cfg.Extractor.Path)
	if !engine.Available() {
		logger.Warn("extraction engine binary not found", slog.String("path", cfg.Extractor.Path))
	}
	ffmpeg := muxer.NewFFmpegMuxer(cfg.Merge.FFmpegPath, cfg.MergeTimeout())
	if !ffmpeg.Available() {
		logger.Warn("ffmpeg binary not found", slog.String("path", cfg.Merge.FFmpegPath))
	}

	resCache := cache.New(cache.Options{
		DefaultTTL:    cfg.DefaultTTL(),
		LongTTL:       cfg.LongTTL(),
		RichThreshold: cfg.Cache.RichThreshold,
	})
	pool := proxy.NewPool(proxy.Options{
		Sources:         cfg.Proxy.Sources,
		RefreshInterval: cfg.RefreshInterval(),
		ProbeURL:        cfg.Proxy.ProbeURL,
		ProbeTimeout:    cfg.ProbeTimeout(),
		ProbeLimit:      cfg.Proxy.ProbeLimit,
	})
	orch := resolver.New(resCache, pool, engine, resolver.Options{
		MaxRetries:     cfg.Extractor.MaxRetries,
		AttemptTimeout: cfg.AttemptTimeout(),
		Backoff:        resolver.FixedBackoff{Delay: cfg.RetryBackoff()},
		Workers:        cfg.Workers,
	})
	coordinator := merge.NewCoordinator(engine, ffmpeg, cfg.Merge.ScratchDir, cfg.MergeTimeout())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(orch, coordinator, resCache, pool, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
	}
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		return srv.Close()
	}
	logger.Info("server stopped")
	return nil
}

func buildLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelName, _ := cmd.Flags().GetString("loglevel")
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	format, _ := cmd.Flags().GetString("logformat")
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(cmd.OutOrStdout(), &slog.HandlerOptions{Level: level})
	case "text":
		handler = slog.NewTextHandler(cmd.OutOrStdout(), &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
