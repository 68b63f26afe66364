package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/zonemaster/broker/internal/rpcserver/middleware"
	"github.com/zonemaster/broker/internal/store"
	"github.com/zonemaster/broker/internal/translate"
	"github.com/zonemaster/broker/internal/validate"
)

// Config is the broker's pure RPC-server configuration: addresses and
// timeouts, plus the feature gates and scheduling defaults that shape
// handler behavior rather than process wiring, kept separate from the
// injected store/validator/catalog dependencies below.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	ReuseWindow           time.Duration
	LockOnQueue           int
	MaxConcurrentPerQueue int

	EnableAddAPIUser  bool
	EnableAddBatchJob bool

	BackendVersion string
	EngineVersion  string
}

// Server is the broker's JSON-RPC endpoint.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        Config

	store     store.Store
	validator *validate.Validator
	catalog   *translate.Catalog

	profileNames []string
	languageTags []string
}

// NewServer wires the store, validator, and translator into an HTTP
// server exposing the JSON-RPC endpoint. Panics if a required dependency
// is nil — misconfiguration should fail at startup, not at first request.
func NewServer(
	cfg Config,
	st store.Store,
	validator *validate.Validator,
	catalog *translate.Catalog,
	profileNames []string,
	languageTags []string,
	logger *slog.Logger,
) *Server {
	if st == nil || validator == nil || catalog == nil {
		panic("rpcserver: store, validator, and catalog are required")
	}

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	sortedProfiles := append([]string(nil), profileNames...)
	sort.Strings(sortedProfiles)
	sortedTags := append([]string(nil), languageTags...)
	sort.Strings(sortedTags)

	s := &Server{
		logger:       logger,
		cfg:          cfg,
		store:        st,
		validator:    validator,
		catalog:      catalog,
		profileNames: sortedProfiles,
		languageTags: sortedTags,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRequestLogger(logger),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  orDefault(cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 30*time.Second),
	}

	return s
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Start starts the HTTP server and blocks until shutdown, triggered by
// SIGINT/SIGTERM or by the server failing to serve.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting rpc server", slog.String("address", s.cfg.ListenAddr))

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("rpcserver: listen: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	shutdownTimeout := orDefault(s.cfg.ShutdownTimeout, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("rpcserver: shutdown: %w", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("failed to close store", slog.String("error", err.Error()))
	}

	s.logger.Info("rpc server shutdown complete")
	return nil
}
