// Package main — cmd/bpfmand/main.go
//
// bpfmand daemon entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root.
//  2. Load and validate config from /etc/bpfmand/config.yaml.
//  3. Initialise structured logger (zap).
//  4. Raise RLIMIT_MEMLOCK so kernels before 5.11 don't reject the
//     first program/map load with EPERM.
//  5. Construct the Prometheus metrics registry (not yet serving).
//  6. Open the flat-file program/dispatcher store, creating its directory
//     layout (in-memory state is rebuilt from it in step 8).
//  7. Open the audit ledger (bbolt) and prune stale entries.
//  8. Wire the kernel facade, bytecode resolver, map bookkeeper,
//     dispatcher engine, and registry together; call RebuildState.
//  9. Drop capabilities down to CAP_BPF + CAP_NET_ADMIN.
// 10. Start the Prometheus metrics HTTP server (127.0.0.1:9091).
// 11. Start the command loop.
// 12. Start the operator introspection socket.
// 13. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Close the shutdown channel — the command loop stops accepting new
//     commands immediately (biased select).
//  2. Cancel the root context, stopping the metrics server and operator
//     socket.
//  3. Close the audit ledger.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure or store open failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bpfmand/bpfmand/internal/audit"
	"github.com/bpfmand/bpfmand/internal/bytecode"
	"github.com/bpfmand/bpfmand/internal/command"
	"github.com/bpfmand/bpfmand/internal/config"
	"github.com/bpfmand/bpfmand/internal/dispatcher"
	"github.com/bpfmand/bpfmand/internal/kernelfacade"
	"github.com/bpfmand/bpfmand/internal/mapgroup"
	"github.com/bpfmand/bpfmand/internal/observability"
	"github.com/bpfmand/bpfmand/internal/opsocket"
	"github.com/bpfmand/bpfmand/internal/registry"
	"github.com/bpfmand/bpfmand/internal/store"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/bpfmand/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("bpfmand %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Root check ────────────────────────────────────────────────────
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: bpfmand must run as root (UID 0)")
		os.Exit(1)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("bpfmand starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Raise RLIMIT_MEMLOCK ──────────────────────────────────────────
	if err := ensureMemlockRemoved(); err != nil {
		log.Fatal("failed to raise RLIMIT_MEMLOCK", zap.Error(err))
	}
	log.Info("RLIMIT_MEMLOCK removed")

	// ── Step 5: Prometheus metrics registry ───────────────────────────────────
	metrics := observability.NewMetrics()

	// ── Step 6: Flat-file store ────────────────────────────────────────────────
	st, err := store.New(cfg.Storage.Root, metrics, log)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err), zap.String("root", cfg.Storage.Root))
	}
	log.Info("store opened", zap.String("root", cfg.Storage.Root))

	// ── Step 7: Audit ledger ───────────────────────────────────────────────────
	auditDB, err := audit.Open(cfg.Audit.DBPath, cfg.Audit.RetentionDays, metrics)
	if err != nil {
		log.Fatal("audit database open failed", zap.Error(err), zap.String("path", cfg.Audit.DBPath))
	}
	defer auditDB.Close() //nolint:errcheck
	if pruned, err := auditDB.PruneOld(); err != nil {
		log.Warn("audit ledger pruning failed", zap.Error(err))
	} else {
		log.Info("audit ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 8: Wire the manager ───────────────────────────────────────────────
	facade := kernelfacade.NewCiliumFacade()
	resolver := bytecode.NewLocalResolver(nil, nil)

	dispatcherAssets := bytecode.FileDispatcherAssets{Dir: cfg.Storage.DispatcherAssetsDir}
	extAssets := &bytecode.RegistryExtensionBytecode{Resolver: resolver}

	engine := dispatcher.New(facade, st, dispatcherAssets, extAssets, metrics, log)

	bookkeeper := mapgroup.New(st, os.Getgid(), log)

	reg := registry.New(facade, st, bookkeeper, engine, resolver, cfg.XDPModesByInterface(), metrics, log)
	extAssets.Lookup = reg.ProgramByID

	if err := reg.RebuildState(); err != nil {
		log.Fatal("state rebuild failed", zap.Error(err))
	}
	log.Info("state rebuilt from store")

	// ── Step 9: Drop capabilities ──────────────────────────────────────────────
	if err := dropCapabilities(); err != nil {
		log.Warn("failed to drop capabilities", zap.Error(err))
	} else {
		log.Info("capabilities dropped, retaining CAP_BPF + CAP_NET_ADMIN")
	}

	// ── Step 10: Prometheus metrics HTTP server ───────────────────────────────
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 11: Command loop ──────────────────────────────────────────────────
	mgr := command.NewManager(reg, 64, auditDB, metrics, log)
	shutdown := make(chan struct{})
	go mgr.Run(shutdown)
	log.Info("command loop started")

	// ── Step 12: Operator socket ──────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := opsocket.NewServer(cfg.Operator.SocketPath, mgr, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 13: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	close(shutdown)
	cancel()

	log.Info("bpfmand shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
