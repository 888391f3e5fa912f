package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailfold/mailfold/cache"
	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/db"
	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/mailbox"
	"github.com/mailfold/mailfold/server/classifier"
	"github.com/mailfold/mailfold/server/httpapi"
	"github.com/mailfold/mailfold/server/liststore"
	"github.com/mailfold/mailfold/server/processor"
	"github.com/mailfold/mailfold/server/retention"
	"github.com/mailfold/mailfold/server/ruleengine"
	"github.com/mailfold/mailfold/server/scheduler"
	"github.com/mailfold/mailfold/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// services holds everything the daemon wires together at startup.
type services struct {
	config   config.Config
	database *db.Database
	state    *cache.Cache
	registry *mailbox.Registry
	lists    *liststore.Store
	rules    *ruleengine.Engine
	proc     *processor.Processor
	engine   *retention.Engine
	sched    *scheduler.Scheduler

	// servers tracks listener goroutines for coordinated shutdown.
	servers sync.WaitGroup
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailfold version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILFOLD: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("mailfold starting", "version", version, "commit", commit, "built", date)
	logger.Info("logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	svc, err := initializeServices(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer svc.database.Close()
	defer svc.state.Close()

	errChan := startServers(ctx, svc)

	select {
	case <-ctx.Done():
		shutdown(svc)
	case err := <-errChan:
		logger.Error("fatal server error", "error", err)
		cancel()
		shutdown(svc)
		os.Exit(1)
	}
}

// loadAndValidateConfig reads the TOML file over the defaults and applies
// cross-field validation. A missing file is only fatal when the operator
// named it explicitly.
func loadAndValidateConfig(configPath string, cfg *config.Config) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) {
			if configPath == "config.toml" {
				fmt.Fprintf(os.Stderr, "MAILFOLD: default configuration file '%s' not found, using application defaults\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "MAILFOLD: configuration file '%s' not found\n", configPath)
				os.Exit(1)
			}
		} else {
			fmt.Fprintf(os.Stderr, "MAILFOLD: failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "MAILFOLD: invalid configuration: %v\n", err)
		os.Exit(1)
	}
}

// initializeServices builds the full dependency graph: PostgreSQL, the
// UID-state store, the optional archive, the warm list index, the rule
// engine, one IMAP driver per account, the classifier, the account state
// machines, the retention engine, and the scheduler.
//
// Boot errors abort the process before any listener opens, so partial
// resources are reclaimed by exit rather than unwound here.
func initializeServices(ctx context.Context, cfg config.Config) (*services, error) {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	database.StartPoolMetrics(ctx)

	state, err := cache.New(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("uid-state store: %w", err)
	}

	var archive retention.Archiver
	if cfg.Retention.Archive.Enabled {
		a := cfg.Retention.Archive
		logger.Info("connecting to archive store", "endpoint", a.Endpoint, "bucket", a.Bucket)
		store, err := storage.New(a.Endpoint, a.AccessKey, a.SecretKey, a.Bucket, !a.DisableTLS, a.Debug)
		if err != nil {
			return nil, fmt.Errorf("archive store: %w", err)
		}
		if err := store.Verify(ctx); err != nil {
			return nil, fmt.Errorf("archive store: %w", err)
		}
		archive = store
	} else {
		logger.Info("archive store disabled; permanent deletes are unrecoverable")
	}

	lists := liststore.New(database)
	if err := lists.Warm(ctx); err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	for _, account := range cfg.Accounts {
		if err := lists.SeedBuiltins(ctx, account.Email); err != nil {
			return nil, fmt.Errorf("list store: seed builtins for %s: %w", account.Email, err)
		}
	}

	rules := ruleengine.NewEngine(lists)

	// A failed initial dial is not fatal: the driver redials on the first
	// operation, and the account's failure counter handles a host that
	// stays unreachable.
	registry := mailbox.NewRegistry()
	for _, accountCfg := range cfg.Accounts {
		driver := mailbox.NewIMAPMailbox(accountCfg)
		if err := driver.Connect(ctx); err != nil {
			logger.Warn("initial mailbox connect failed",
				"account", accountCfg.Email, "host", accountCfg.Host, "error", err)
		}
		registry.Add(mailbox.NewAccount(accountCfg, driver))
	}

	forwarder := mailbox.NewSMTPForwarder(cfg.Forward)
	clf := classifier.New(registry, rules, lists, database, database, state, forwarder)

	proc := processor.New(clf)
	for _, accountCfg := range cfg.Accounts {
		proc.Register(accountCfg)
	}
	logger.Info("accounts registered", "count", len(cfg.Accounts))

	engine := retention.New(registry, database, archive, cfg.Retention)

	// Built even when disabled so manual retention runs through the API
	// share its per-account locks.
	sched, err := scheduler.New(proc, engine, database, registry, cfg.Scheduler, cfg.Retention)
	if err != nil {
		return nil, err
	}

	return &services{
		config:   cfg,
		database: database,
		state:    state,
		registry: registry,
		lists:    lists,
		rules:    rules,
		proc:     proc,
		engine:   engine,
		sched:    sched,
	}, nil
}

// startServers launches the scheduler loop, the admin API, and the metrics
// listener per configuration and returns the channel fatal errors arrive on.
func startServers(ctx context.Context, svc *services) chan error {
	errChan := make(chan error, 1)

	if svc.config.Scheduler.Enabled {
		svc.sched.Start(ctx)
	} else {
		logger.Info("scheduler disabled; classification and retention run on demand only")
	}

	if svc.config.API.Enabled {
		deps := httpapi.Dependencies{
			Store:     svc.database,
			Lists:     svc.lists,
			Processor: svc.proc,
			Retention: svc.engine,
			Runner:    svc.sched,
			Evaluator: svc.rules,
		}
		svc.servers.Add(1)
		go func() {
			defer svc.servers.Done()
			httpapi.Start(ctx, deps, svc.config.API, svc.config.Retention, errChan)
		}()
	} else {
		logger.Info("admin API disabled")
	}

	if svc.config.Metrics.Enabled {
		svc.servers.Add(1)
		go func() {
			defer svc.servers.Done()
			startMetricsServer(ctx, svc.config.Metrics, errChan)
		}()
	}

	return errChan
}

// startMetricsServer serves Prometheus metrics on a dedicated listener,
// separate from the authenticated admin API.
func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		logger.Info("metrics server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}()

	logger.Info("metrics server starting", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// shutdown drains everything in dependency order: listeners first so no
// new work arrives, then the scheduler and account machines, then the
// mailbox sessions. The database and UID-state store close via defers in
// main.
func shutdown(svc *services) {
	logger.Info("waiting for listeners to close")
	done := make(chan struct{})
	go func() {
		svc.servers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("listener shutdown timeout reached")
	}

	svc.sched.Stop()
	svc.proc.StopAll()

	for _, account := range svc.registry.All() {
		if err := account.Driver.Close(); err != nil {
			logger.Warn("failed to close mailbox session", "account", account.Email, "error", err)
		}
	}
	logger.Info("shutdown complete")
}
