package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apiPkg "github.com/deskbridge-io/deskbridge/internal/api"
	"github.com/deskbridge-io/deskbridge/internal/bridge"
	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/config"
	"github.com/deskbridge-io/deskbridge/internal/dedup"
	"github.com/deskbridge-io/deskbridge/internal/logbuf"
	"github.com/deskbridge-io/deskbridge/internal/mediacache"
	"github.com/deskbridge-io/deskbridge/internal/metrics"
	"github.com/deskbridge-io/deskbridge/internal/platform"
	mattermostClient "github.com/deskbridge-io/deskbridge/internal/platform/mattermost"
	telegramClient "github.com/deskbridge-io/deskbridge/internal/platform/telegram"
	"github.com/deskbridge-io/deskbridge/internal/ratelimit"
	"github.com/deskbridge-io/deskbridge/internal/scheduler"
	"github.com/deskbridge-io/deskbridge/internal/store"
	"github.com/deskbridge-io/deskbridge/internal/supervisor"
	"github.com/deskbridge-io/deskbridge/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// 1. Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "deskbridged: %v\n", err)
		os.Exit(1)
	}

	// 2. Set up logging: JSON to stdout, ring buffer for /api/logs
	logLevel := parseLevel(cfg.Log.Level)
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(cfg.Log.BufferSize)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	logger.Info("deskbridged starting")

	// 3. Open the ticket store
	os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755)
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// 4. Shared infrastructure: metrics, clock, limiter, caches
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	clk := clock.Real()
	limiter := ratelimit.New(clk, ratelimit.Config{
		Classes:     rateClasses(),
		WaitTimeout: time.Duration(cfg.Bridge.SendTimeout) * time.Second,
		IdleAfter:   10 * time.Minute,
	})
	cache := mediacache.New(clk, mediacache.Config{
		MaxBytes: cfg.Bridge.CacheMaxBytes,
		TTL:      time.Duration(cfg.Bridge.CacheTTL) * time.Second,
	})
	dd := dedup.New(clk, dedup.Config{
		Window:        time.Duration(cfg.Bridge.DedupWindow) * time.Second,
		MaxDuplicates: cfg.Bridge.MaxDuplicates,
		HighWater:     4096,
	})

	// 5. Platform clients sharing the ingestion queue
	events := make(chan platform.Event, cfg.Bridge.EventQueueSize)
	origin := telegramClient.New(telegramClient.Config{
		Token:     cfg.Telegram.Token,
		AllowFrom: cfg.Telegram.AllowFrom,
	}, events, limiter, cache)
	staff := mattermostClient.New(mattermostClient.Config{
		ServerURL: cfg.Mattermost.ServerURL,
		Token:     cfg.Mattermost.Token,
	}, events, limiter)
	pool := webhook.New(staff, limiter, clk, webhook.Config{
		FailureLimit: cfg.Bridge.WebhookFailLimit,
		IdleTimeout:  time.Duration(cfg.Bridge.WebhookIdleTimeout) * time.Second,
	})

	// 6. The bridge manager
	m := bridge.New(bridgeConfig(cfg), bridge.Deps{
		Clock:   clk,
		Store:   st,
		Origin:  origin,
		Staff:   staff,
		Pool:    pool,
		Dedup:   dd,
		Cache:   cache,
		Metrics: met,
		Events:  events,
	})
	origin.OnFailure = m.NotifyOriginFailure
	staff.OnFailure = m.NotifyStaffFailure

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		logger.Error("bridge failed to start", "error", err)
		os.Exit(1)
	}
	defer m.Stop()

	// 7. Maintenance schedules
	sched := scheduler.New(logger.With("component", "scheduler"))
	sched.Add("maintenance", "@every 1m", func() { m.Maintenance(ctx) })
	sched.Add("ratelimit-prune", "@every 10m", func() { limiter.Prune() })
	sched.Add("queue-stats", "0 3 * * *", m.QueueStats)
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	// 8. API server
	apiSrv := apiPkg.NewServer(m, st, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf, reg)
	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 9. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("deskbridged stopped")
}

// bridgeConfig maps the flat file config onto the relay's tunables.
func bridgeConfig(cfg *config.Config) bridge.Config {
	b := cfg.Bridge
	return bridge.Config{
		RetryQueueSize:     b.RetryQueueSize,
		RetryMaxAttempts:   b.RetryMaxAttempts,
		RetryDrainInterval: time.Duration(b.RetryDrainInterval) * time.Second,
		SendTimeout:        time.Duration(b.SendTimeout) * time.Second,
		RestartCooldown:    time.Duration(b.RestartCooldown) * time.Second,
		EventQueueSize:     b.EventQueueSize,
		AdaptiveDelayStep:  500 * time.Millisecond,
		AdaptiveDelayMax:   5 * time.Second,
		TeamID:             cfg.Mattermost.TeamID,
		TranscriptTeamID:   cfg.Mattermost.TranscriptTeamID,
		Supervisor: supervisor.Config{
			HeartbeatInterval:  time.Duration(b.HeartbeatInterval) * time.Second,
			HeartbeatFailLimit: b.HeartbeatFailLimit,
			PingTimeout:        10 * time.Second,
			ConnectTimeout:     30 * time.Second,
			InitialDelay:       time.Duration(b.ReconnectInitial) * time.Second,
			MaxDelay:           time.Duration(b.ReconnectMax) * time.Second,
			Factor:             b.ReconnectFactor,
			MaxAttempts:        b.ReconnectAttempts,
			ConflictCooldown:   time.Duration(b.ConflictCooldown) * time.Second,
			StartTimeout:       time.Duration(b.SendTimeout) * time.Second,
		},
	}
}

// rateClasses are the per-platform quota buckets. Capacities and refill
// rates follow the platforms' documented limits with headroom.
func rateClasses() map[string]ratelimit.Rate {
	return map[string]ratelimit.Rate{
		ratelimit.ClassGlobal:        {Capacity: 30, Refill: 40 * time.Millisecond},
		ratelimit.ClassWebhook:       {Capacity: 5, Refill: time.Second},
		ratelimit.ClassChannelCreate: {Capacity: 10, Refill: 2 * time.Second},
		ratelimit.ClassChannelEdit:   {Capacity: 10, Refill: 2 * time.Second},
		ratelimit.ClassFileFetch:     {Capacity: 20, Refill: 500 * time.Millisecond},
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
