// Package main provides agentsim, a development aid that exercises the
// broker's Dispatcher contract (C4, §4.4) without the real (out-of-scope)
// DNS test engine: it polls claim_next on one queue and writes back
// synthetic progress and results.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zonemaster/broker/internal/config"
	"github.com/zonemaster/broker/internal/store"
	"github.com/zonemaster/broker/internal/store/mysql"
	"github.com/zonemaster/broker/internal/store/postgres"
	"github.com/zonemaster/broker/internal/store/sqlite"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "agentsim"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	configPath := flag.String("config", "/etc/zonemaster/backend_config.ini", "path to the INI configuration file")
	queue := flag.Int("queue", 0, "queue to poll")
	maxConcurrent := flag.Int("max-concurrent", 10, "max concurrent tests this simulator claims at once")
	pollInterval := flag.Duration("poll-interval", time.Second, "interval between claim_next polls")
	runDuration := flag.Duration("run-for", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := openStore(*cfg)
	if err != nil {
		logger.Error("failed to open store", slog.String("engine", cfg.DBEngine), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *runDuration)
		defer cancel()
	}

	logger.Info("agentsim polling", slog.Int("queue", *queue), slog.Duration("poll_interval", *pollInterval))

	run(ctx, st, *queue, *maxConcurrent, *pollInterval, logger)

	logger.Info("agentsim stopped")
}

// run polls claim_next until ctx is done, simulating one DNS test run per
// claimed id: a short delay, then a synthetic result document and
// progress 100 (§4.4 — the agent is obligated to eventually call
// store_results/set_progress(100) for anything it claims).
func run(ctx context.Context, d store.Dispatcher, queue, maxConcurrent int, pollInterval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hashID, ok, err := d.ClaimNext(ctx, queue, maxConcurrent)
			if err != nil {
				logger.Error("claim_next failed", slog.String("error", err.Error()))
				continue
			}
			if !ok {
				continue
			}

			logger.Info("claimed test", slog.String("test_id", hashID))
			simulateRun(ctx, d, hashID, logger)
		}
	}
}

// simulateRun stands in for the real DNS test engine: it is explicitly NOT
// a faithful reproduction, only wiring to prove the dispatch contract.
func simulateRun(ctx context.Context, d store.Dispatcher, hashID string, logger *slog.Logger) {
	if err := d.SetProgress(ctx, hashID, 50, nil); err != nil {
		logger.Error("set_progress(50) failed", slog.String("test_id", hashID), slog.String("error", err.Error()))
	}

	time.Sleep(200 * time.Millisecond)

	results := []store.ResultEntry{
		{
			Module:    "SYSTEM",
			Tag:       "NOTICE_GENERIC",
			Level:     store.LevelNotice,
			Timestamp: time.Now(),
			Args:      map[string]any{"simulator": name},
		},
	}

	if err := d.StoreResults(ctx, hashID, results); err != nil {
		logger.Error("store_results failed", slog.String("test_id", hashID), slog.String("error", err.Error()))
		return
	}

	if err := d.SetProgress(ctx, hashID, 100, results); err != nil {
		logger.Error("set_progress(100) failed", slog.String("test_id", hashID), slog.String("error", err.Error()))
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.DBEngine {
	case "postgres":
		return postgres.Open(postgres.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
	case "mysql":
		return mysql.Open(mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
	case "sqlite":
		return sqlite.Open(sqlite.Config{Path: cfg.DSN})
	default:
		return nil, fmt.Errorf("cmd/agentsim: unrecognized DB.engine %q", cfg.DBEngine)
	}
}
