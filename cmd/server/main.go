package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/splitkeeper/internal/auth"
	"github.com/mmynk/splitkeeper/internal/backup"
	"github.com/mmynk/splitkeeper/internal/config"
	"github.com/mmynk/splitkeeper/internal/cycles"
	"github.com/mmynk/splitkeeper/internal/integrity"
	"github.com/mmynk/splitkeeper/internal/metrics"
	"github.com/mmynk/splitkeeper/internal/middleware"
	"github.com/mmynk/splitkeeper/internal/migration"
	"github.com/mmynk/splitkeeper/internal/scheduler"
	"github.com/mmynk/splitkeeper/internal/service"
	"github.com/mmynk/splitkeeper/internal/storage/sqlite"
	"github.com/mmynk/splitkeeper/internal/txn"
	"github.com/mmynk/splitkeeper/pkg/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	logging.Setup(slog.LevelInfo)

	if flag.Arg(0) == "hash-password" {
		if err := hashPassword(); err != nil {
			slog.Error("Failed to hash password", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*envFile); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// hashPassword reads a password from stdin and prints the value to use for
// ADMIN_PASSWORD_HASH.
func hashPassword() error {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func run(envFile string) error {
	cfg, err := config.Load(envFile, nil)
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	logger.Info("Storage initialized", "database", cfg.DBPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	txm := txn.New(store,
		txn.WithMaxNestedDepth(cfg.MaxNestedDepth),
		txn.WithDefaultTimeout(cfg.TransactionTimeout),
		txn.WithObserver(m),
		txn.WithLogger(logger),
	)
	validator := integrity.New(txm, logger)
	detector := cycles.NewDetector(store, cfg.RecursionLimit, logger)
	backups := backup.New(cfg.BackupDir, store, logger)

	migrations := migration.New(txm, validator, store,
		migration.WithBackups(backups),
		migration.WithStrictIntegrity(cfg.StrictIntegrity),
		migration.WithObserver(m),
		migration.WithLogger(logger),
	)
	if err := migrations.Register(migration.DefaultSteps()...); err != nil {
		return fmt.Errorf("failed to register migrations: %w", err)
	}
	result, err := migrations.MigrateToCurrent(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	if len(result.Applied) > 0 {
		logger.Info("Store migrated", "from", result.From, "to", result.To, "applied", result.Applied)
	}
	if _, err := backups.Prune(cfg.KeepBackups); err != nil {
		logger.Warn("Failed to prune backups", "error", err)
	}

	sched := scheduler.New(0, logger)
	if cfg.SweepEnabled() {
		sweeper := scheduler.NewSweeper(validator, detector, m, logger)
		if err := sched.Add(scheduler.SweepTaskName, cfg.SweepSchedule, sweeper.Task()); err != nil {
			return err
		}
	}
	sched.Start()

	authenticator, err := auth.NewPasswordAuthenticator(cfg.Auth.AdminPasswordHash)
	if err != nil {
		return err
	}
	if cfg.Auth.AdminPasswordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH is not set, operator login is disabled")
	}
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)

	interceptors := connect.WithInterceptors(
		middleware.LoggingInterceptor(logger),
		middleware.RequireAuth(jwtManager, service.LoginProcedure),
	)

	mux := http.NewServeMux()
	mux.Handle(service.NewIntegrityService(validator, detector, migrations, txm, logger).Handler(interceptors))
	mux.Handle(service.NewAuthService(authenticator, jwtManager, logger).Handler(interceptors))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Wrap with h2c for HTTP/2 without TLS (required for gRPC clients)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h2c.NewHandler(corsMiddleware(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Connect server starting", "address", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sched.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
