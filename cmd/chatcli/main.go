// Command chatcli sends one message to every requested model over a single
// WebSocket session, streams the partial responses, and prints the selected
// answer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tmachado/chat-fanout/internal/cache"
	"github.com/tmachado/chat-fanout/internal/config"
	"github.com/tmachado/chat-fanout/internal/connection"
	"github.com/tmachado/chat-fanout/internal/registry"
	"github.com/tmachado/chat-fanout/internal/stream"
	"github.com/tmachado/chat-fanout/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/chat.local.yaml", "path to config file")
	message := flag.String("message", "", "message to send")
	models := flag.String("models", "", "comma-separated model ids (default: all configured)")
	strategy := flag.String("strategy", "", "selection strategy override (fastest, best, consensus)")
	timeout := flag.Duration("timeout", 0, "per-request deadline override")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if strings.TrimSpace(*message) == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -message <text> [-models m1,m2] [-strategy fastest|best|consensus]")
		os.Exit(2)
	}

	logger.Info("starting chatcli",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Model roster
	reg := registry.NewStatic(cfg.Models)
	requested := splitModels(*models)
	if len(requested) == 0 {
		for _, m := range reg.List() {
			requested = append(requested, m.ID)
		}
	}

	// Response cache
	var store cache.Store
	var janitor *cache.Janitor
	if cfg.Cache.Enabled {
		switch cfg.Cache.Store {
		case "postgres":
			pg, err := cache.NewPostgresStore(ctx, cfg.Cache.Postgres, cfg.Cache.TTL)
			if err != nil {
				logger.Error("failed to connect cache database", "error", err)
				os.Exit(1)
			}
			defer pg.Close()
			store = pg
		default:
			store = cache.NewMemoryStore(cfg.Cache.TTL)
		}
		janitor = cache.NewJanitor(store, cfg.Cache.TTL, cfg.Cache.SweepInterval, logger)
		janitor.Start(ctx)
		defer janitor.Stop()
	}

	// Connection manager
	mgr := connection.NewManager(cfg.ManagerConfig(), logger)
	defer mgr.Destroy()

	coord := stream.NewCoordinator(stream.Config{
		Strategy:       cfg.Streaming.Strategy,
		MaxConcurrent:  cfg.Streaming.MaxConcurrent,
		RequestTimeout: cfg.Streaming.RequestTimeout,
		CacheEnabled:   cfg.Cache.Enabled,
	}, mgr, reg, store, logger)
	coord.Start(ctx)
	defer coord.Stop()

	logger.Info("connecting", "url", cfg.Server.URL)
	if err := mgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	opts := &stream.RequestOptions{Strategy: *strategy, Timeout: *timeout}
	id, err := coord.StreamMessage(ctx, *message, "", requested, opts)
	if err != nil {
		logger.Error("failed to dispatch request", "error", err)
		os.Exit(1)
	}

	// Print chunks as they stream in, tagged by model.
	go func() {
		for u := range coord.Updates() {
			if u.RequestID != id {
				continue
			}
			if u.FromCache {
				fmt.Printf("[%s cached] %s\n", u.Model, u.Chunk.Content)
				continue
			}
			fmt.Printf("[%s] %s\n", u.Model, u.Chunk.Content)
		}
	}()

	result, err := coord.BestResponse(ctx, id)
	if err != nil {
		logger.Error("request failed", "error", err)
		os.Exit(1)
	}
	if result == nil {
		fmt.Println("\nno model produced a response")
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("selected: %s (confidence %.2f)\n", result.SelectedModel, result.Confidence)
	fmt.Printf("reasoning: %s\n", result.Reasoning)
	fmt.Println()
	fmt.Println(result.SelectedContent)
	for _, alt := range result.Alternatives {
		fmt.Println()
		if alt.Err != "" {
			fmt.Printf("--- %s (confidence %.2f, error: %s)\n", alt.Model, alt.Confidence, alt.Err)
		} else {
			fmt.Printf("--- %s (confidence %.2f)\n", alt.Model, alt.Confidence)
		}
		fmt.Println(alt.Content)
	}

	m := coord.Metrics()
	logger.Info("done",
		"requests", m.TotalRequests,
		"cache_hits", m.CacheHits,
		"avg_latency", m.AverageLatency.Round(time.Millisecond),
	)
}

func splitModels(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
