package main

import (
	"context"
	"fmt"
	"log/syslog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/rtr-proxy/internal/config"
	"github.com/route-beacon/rtr-proxy/internal/db"
	ophttp "github.com/route-beacon/rtr-proxy/internal/http"
	"github.com/route-beacon/rtr-proxy/internal/maintenance"
	"github.com/route-beacon/rtr-proxy/internal/manager"
	"github.com/route-beacon/rtr-proxy/internal/metrics"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "config-check":
		runConfigCheck()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rtr-proxy <command> -c PATH [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run            Start the proxy")
	fmt.Println("  migrate        Apply the audit sink's database schema")
	fmt.Println("  maintenance    Create upcoming audit_events partitions, drop expired ones")
	fmt.Println("  config-check   Validate the configuration graph and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c PATH              Path to the configuration file (required)")
	fmt.Println("  -v, -q                Raise/lower log verbosity, stackable")
	fmt.Println("  --syslog              Log to syslog instead of stderr")
	fmt.Println("  --syslog-facility N   Syslog facility name, default daemon")
	fmt.Println("  --logfile PATH        Log to PATH instead of stderr")
	fmt.Println("  --pid-file PATH       Write the process id to PATH")
	fmt.Println("  --working-dir PATH    Chdir to PATH before starting")
}

// cliOptions holds everything parseFlags extracts from argv, independent
// of the configuration file itself.
type cliOptions struct {
	configPath string
	verbosity  int // net count of -v minus -q
	syslog     bool
	syslogFac  string
	logFile    string
	pidFile    string
	workingDir string
}

func parseFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	opts.syslogFac = "daemon"

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("-c requires a path argument")
			}
			opts.configPath = args[i+1]
			i++
		case "-v":
			opts.verbosity++
		case "-q":
			opts.verbosity--
		case "--syslog":
			opts.syslog = true
		case "--syslog-facility":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("--syslog-facility requires an argument")
			}
			opts.syslogFac = args[i+1]
			i++
		case "--logfile":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("--logfile requires a path argument")
			}
			opts.logFile = args[i+1]
			i++
		case "--pid-file":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("--pid-file requires a path argument")
			}
			opts.pidFile = args[i+1]
			i++
		case "--working-dir":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("--working-dir requires a path argument")
			}
			opts.workingDir = args[i+1]
			i++
		default:
			return opts, fmt.Errorf("unrecognized option: %s", args[i])
		}
	}

	if opts.configPath == "" {
		return opts, fmt.Errorf("-c PATH is required")
	}
	return opts, nil
}

// loadConfig parses argv, applies --working-dir, loads and validates the
// configuration file, and builds the logger implied by both the
// configured log-level and any -v/-q adjustment.
func loadConfig(args []string) (*config.Config, *zap.Logger, cliOptions) {
	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if opts.workingDir != "" {
		if err := os.Chdir(opts.workingDir); err != nil {
			fmt.Fprintf(os.Stderr, "Error changing working directory: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger, opts
}

var verbosityLevels = []zapcore.Level{
	zap.ErrorLevel,
	zap.WarnLevel,
	zap.InfoLevel,
	zap.DebugLevel,
}

func resolveLevel(configured string, verbosity int) zapcore.Level {
	base := 2 // info
	switch configured {
	case "error":
		base = 0
	case "warn":
		base = 1
	case "debug":
		base = 3
	}
	idx := base + verbosity
	if idx < 0 {
		idx = 0
	}
	if idx >= len(verbosityLevels) {
		idx = len(verbosityLevels) - 1
	}
	return verbosityLevels[idx]
}

// initLogger builds the process logger, writing to stderr, a logfile, or
// syslog per the CLI options, at the level the config plus any -v/-q
// adjustment resolves to.
func initLogger(cfg *config.Config, opts cliOptions) (*zap.Logger, error) {
	level := resolveLevel(cfg.Global.LogLevel, opts.verbosity)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	if opts.syslog {
		facility, err := syslogPriority(opts.syslogFac)
		if err != nil {
			return nil, err
		}
		writer, err := syslog.New(facility|syslog.LOG_INFO, "rtr-proxy")
		if err != nil {
			return nil, fmt.Errorf("connecting to syslog: %w", err)
		}
		core := zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
		return zap.New(core), nil
	}

	out := os.Stderr
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(out), level)
	return zap.New(core), nil
}

func syslogPriority(facility string) (syslog.Priority, error) {
	switch facility {
	case "daemon":
		return syslog.LOG_DAEMON, nil
	case "local0":
		return syslog.LOG_LOCAL0, nil
	case "local1":
		return syslog.LOG_LOCAL1, nil
	case "local2":
		return syslog.LOG_LOCAL2, nil
	case "local3":
		return syslog.LOG_LOCAL3, nil
	case "local4":
		return syslog.LOG_LOCAL4, nil
	case "local5":
		return syslog.LOG_LOCAL5, nil
	case "local6":
		return syslog.LOG_LOCAL6, nil
	case "local7":
		return syslog.LOG_LOCAL7, nil
	default:
		return 0, fmt.Errorf("unrecognized syslog facility: %s", facility)
	}
}

// migrationsDir returns the path to the migrations directory relative to
// the binary, as the audit sink's schema is applied independently of the
// unit/target graph.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func runServe() {
	cfg, logger, opts := loadConfig(os.Args[2:])
	defer logger.Sync()

	if err := writePIDFile(opts.pidFile); err != nil {
		logger.Fatal("failed to write pid file", zap.Error(err))
	}
	if opts.pidFile != "" {
		defer os.Remove(opts.pidFile)
	}

	metrics.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pool *pgxpool.Pool
	if cfg.Global.Postgres.DSN != "" {
		var err error
		pool, err = db.NewPool(ctx, cfg.Global.Postgres.DSN, cfg.Global.Postgres.MaxConns, cfg.Global.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		pm := maintenance.NewPartitionManager(pool, cfg.Global.Postgres.RetentionDays, cfg.Global.Postgres.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create audit_events partitions on startup", zap.Error(err))
		}
	}

	m, err := manager.Build(cfg, pool, logger)
	if err != nil {
		logger.Fatal("failed to build component graph", zap.Error(err))
	}

	var opsServer *ophttp.Server
	if len(cfg.Global.HTTPListen) > 0 {
		opsServer = ophttp.NewServer(cfg.Global.HTTPListen[0], pool, m, logger.Named("ops"))
		if err := opsServer.Start(); err != nil {
			logger.Fatal("failed to start ops HTTP server", zap.Error(err))
		}
	}

	logger.Info("rtr-proxy starting", zap.Int("units", len(cfg.Unit)), zap.Int("targets", len(cfg.Target)))

	var wg sync.WaitGroup
	wg.Add(1)
	runErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		runErr <- m.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-runErr:
		if err != nil {
			logger.Error("component graph exited with error", zap.Error(err))
		}
	}

	cancel()
	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		opsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	wg.Wait()

	logger.Info("rtr-proxy stopped")
}

func runMigrate() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	if cfg.Global.Postgres.DSN == "" {
		logger.Fatal("no global.postgres.dsn configured, nothing to migrate")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Global.Postgres.DSN, cfg.Global.Postgres.MaxConns, cfg.Global.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	if cfg.Global.Postgres.DSN == "" {
		logger.Fatal("no global.postgres.dsn configured, nothing to maintain")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Global.Postgres.DSN, cfg.Global.Postgres.MaxConns, cfg.Global.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Global.Postgres.RetentionDays, cfg.Global.Postgres.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func runConfigCheck() {
	opts, err := parseFlags(os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(1)
	}

	if _, err := cfg.UnitOrder(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("configuration OK: %d unit(s), %d target(s)\n", len(cfg.Unit), len(cfg.Target))
}
