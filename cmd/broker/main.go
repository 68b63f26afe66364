// Package main provides the DNS Test Request Broker service: one JSON-RPC
// endpoint backed by a pluggable SQL store.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/zonemaster/broker/internal/config"
	"github.com/zonemaster/broker/internal/rpcserver"
	"github.com/zonemaster/broker/internal/store"
	"github.com/zonemaster/broker/internal/store/mysql"
	"github.com/zonemaster/broker/internal/store/postgres"
	"github.com/zonemaster/broker/internal/store/sqlite"
	"github.com/zonemaster/broker/internal/translate"
	"github.com/zonemaster/broker/internal/validate"
)

// Version information.
const (
	version        = "1.0.0-dev"
	name           = "broker"
	backendVersion = "4.0.0-dev"
	engineVersion  = "7.0.0-dev"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	configPath := flag.String("config", "/etc/zonemaster/backend_config.ini", "path to the INI configuration file")
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

	languageTags := validate.DeriveLanguageTags(cfg.Locales)
	validator := validate.NewValidator(cfg.ProfileNames(), languageTags)
	catalog := translate.NewCatalog(languageTags, nil)

	server := rpcserver.NewServer(
		rpcserver.Config{
			ListenAddr:            cfg.ListenAddr,
			ReuseWindow:           cfg.ReuseWindow,
			LockOnQueue:           cfg.LockOnQueue,
			MaxConcurrentPerQueue: cfg.MaxConcurrentPerQueue,
			EnableAddAPIUser:      cfg.EnableAddAPIUser,
			EnableAddBatchJob:     cfg.EnableAddBatchJob,
			BackendVersion:        backendVersion,
			EngineVersion:         engineVersion,
		},
		st,
		validator,
		catalog,
		cfg.ProfileNames(),
		languageTags,
		logger,
	)

	logger.Info("starting broker",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("db_engine", cfg.DBEngine),
		slog.String("listen_addr", cfg.ListenAddr),
	)

	if err := server.Start(); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("broker stopped")
}

// openStore instantiates the Store backend named by cfg.DBEngine (§6,
// §4.3.3) — one of the three interchangeable adapters.
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
		return nil, fmt.Errorf("cmd/broker: unrecognized DB.engine %q", cfg.DBEngine)
	}
}
