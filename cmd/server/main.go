package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/HyphaGroup/colloquy/internal/api"
	"github.com/HyphaGroup/colloquy/internal/audit"
	"github.com/HyphaGroup/colloquy/internal/backup"
	"github.com/HyphaGroup/colloquy/internal/cleanup"
	"github.com/HyphaGroup/colloquy/internal/config"
	"github.com/HyphaGroup/colloquy/internal/conversation"
	"github.com/HyphaGroup/colloquy/internal/coordinator"
	"github.com/HyphaGroup/colloquy/internal/ledger"
	"github.com/HyphaGroup/colloquy/internal/logger"
	"github.com/HyphaGroup/colloquy/internal/mcp"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("colloquy-server %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run server
	runServer()
}

func printUsage() {
	fmt.Printf(`colloquy-server %s - conversation orchestration for assistant backends

Usage: colloquy-server [command] [options]

Commands:
  (default)    Start the HTTP and MCP server
  init         Write a starter config/colloquy.jsonc

Server Options:
  --dir <path>       Colloquy home directory
  --daemon           Start server in background and exit when ready

Config Precedence:
  1. --dir flag
  2. COLLOQUY_HOME env var
  3. ./.colloquy (if initialized in current directory)
  4. ~/.colloquy (default; built-in defaults if no file exists)
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Colloquy home directory (default: ~/.colloquy)")
	daemonFlag := flag.Bool("daemon", false, "Run in background and exit after server is ready")
	flag.Parse()

	if *showVersion {
		fmt.Printf("colloquy-server %s\n", Version)
		os.Exit(0)
	}

	cfg, fromFile, err := loadConfig(*dirFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Daemon mode: re-exec in background and wait for health check
	if *daemonFlag {
		runDaemon(cfg, *dirFlag)
		return
	}

	if err := logger.Init(logger.Options{Dir: cfg.LogDir(), JSON: cfg.Logging.JSON, Level: cfg.Logging.Level}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	srvLog := logger.Component("server")
	if fromFile {
		srvLog.Info("configuration loaded", "home", cfg.Home)
	} else {
		srvLog.Warn("no config file found, using built-in defaults", "home", cfg.Home)
	}

	factory, policies, err := buildDrivers(cfg.Drivers)
	if err != nil {
		logger.Fatalf("Failed to configure drivers: %v", err)
	}
	srvLog.Info("drivers configured", "kinds", factory.Kinds())

	var store *ledger.Store
	if cfg.Ledger.IsEnabled() {
		store, err = ledger.Open(cfg.DataPath(cfg.Ledger.Path))
		if err != nil {
			logger.Fatalf("Failed to open ledger: %v", err)
		}
		defer func() { _ = store.Close() }()
		srvLog.Info("ledger opened", "path", cfg.DataPath(cfg.Ledger.Path))
	}

	engineOpts := conversation.Options{
		Factory:       factory,
		Policies:      policies,
		MaxPerKind:    cfg.Conversations.MaxPerKind,
		MaxQueueDepth: cfg.Conversations.MaxQueueDepth,
		IdleTimeout:   cfg.Conversations.IdleTimeout.Std(),
		ReapInterval:  cfg.Conversations.ReapInterval.Std(),
	}
	engineOpts.Settings.Headless = cfg.Display.Headless
	if store != nil {
		engineOpts.Recorder = store
	}
	engine := conversation.NewManager(engineOpts)
	if err := engine.Start(); err != nil {
		logger.Fatalf("Failed to start conversation engine: %v", err)
	}
	defer engine.Stop()

	// A stop request ends in the same select as SIGTERM.
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	stopRequested := make(chan struct{})

	coord := coordinator.New(engine, coordinator.Options{
		Initial:       coordinator.GlobalConfig{Headless: cfg.Display.Headless},
		ShutdownGrace: cfg.Server.ShutdownGrace.Std(),
		Exit:          func() { close(stopRequested) },
	})

	mcpServer, err := mcp.NewServer(mcp.Options{Engine: engine, Config: coord, Version: Version})
	if err != nil {
		logger.Fatalf("Failed to create MCP server: %v", err)
	}

	var limiter *api.RateLimiter
	if cfg.Server.RateLimit.RPS > 0 {
		limiter = api.NewRateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
		srvLog.Info("rate limiting enabled", "rps", cfg.Server.RateLimit.RPS, "burst", cfg.Server.RateLimit.Burst)
	}

	auditFile, err := os.OpenFile(filepath.Join(cfg.LogDir(), "audit.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Fatalf("Failed to open audit log: %v", err)
	}
	defer func() { _ = auditFile.Close() }()

	apiOpts := api.Options{
		Engine:      engine,
		Coordinator: coord,
		MCP:         mcp.NewHandler(mcpServer),
		RateLimiter: limiter,
		Audit:       audit.New(auditFile, true),
	}
	if store != nil {
		apiOpts.History = store
	}
	gateway := api.New(apiOpts)

	cleanerCfg := cleanup.DefaultConfig(cfg.DataPath("data"))
	cleanerCfg.LogDir = cfg.LogDir()
	cleanerCfg.LedgerRetention = cfg.Ledger.Retention.Std()
	if store != nil {
		cleanerCfg.Ledger = store
	}
	if limiter != nil {
		cleanerCfg.Limiter = limiter
	}
	cleaner := cleanup.New(cleanerCfg)
	cleaner.Start()
	defer cleaner.Stop()

	if store != nil && cfg.Ledger.Backup.Interval > 0 {
		backups, err := backup.New(store, backup.Config{
			BackupDir: cfg.DataPath(cfg.Ledger.Backup.Directory),
			Keep:      cfg.Ledger.Backup.Keep,
			Interval:  cfg.Ledger.Backup.Interval.Std(),
		})
		if err != nil {
			srvLog.Warn("ledger backups disabled", "error", err)
		} else {
			backups.Start()
			defer backups.Stop()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		srvLog.Info("listening", "address", cfg.Server.Address, "mcp", "/mcp")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case sig := <-shutdownChan:
		srvLog.Info("received signal, shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := coord.Shutdown(ctx); err != nil && !errors.Is(err, coordinator.ErrStopping) {
			srvLog.Warn("reset during shutdown incomplete", "error", err)
		}
		_ = httpServer.Shutdown(ctx)
		cancel()
	case <-stopRequested:
		srvLog.Info("stop requested, shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(ctx)
		cancel()
	}
	srvLog.Info("shutdown complete")
}

// loadConfig finds colloquy.jsonc. Without --dir, a missing file falls back
// to defaults rooted at the resolved home directory.
func loadConfig(dir string) (*config.Config, bool, error) {
	path, err := config.FindConfigPath(dir)
	if err != nil {
		if dir != "" {
			return nil, false, err
		}
		home, herr := resolveHome("")
		if herr != nil {
			return nil, false, herr
		}
		return config.Default(home), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// resolveHome returns the colloquy home directory with precedence:
// 1. explicit dir
// 2. COLLOQUY_HOME env var
// 3. ~/.colloquy
func resolveHome(dir string) (string, error) {
	if dir == "" {
		dir = os.Getenv(config.HomeEnv)
	}
	if dir != "" {
		return filepath.Abs(dir)
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(userHome, ".colloquy"), nil
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.colloquy)")
	_ = fs.Parse(args)

	home, err := resolveHome(*dirFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	path, err := config.WriteStarter(home)
	if errors.Is(err, config.ErrExists) {
		fmt.Printf("%s is already initialized (%s)\n", home, path)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Set GEMINI_API_KEY, XAI_API_KEY and ANTHROPIC_API_KEY for the kinds you use.")
}

// runDaemon starts the server in background and waits for it to be ready
func runDaemon(cfg *config.Config, dirFlag string) {
	executable, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	port := cfg.Server.Address
	if idx := strings.LastIndex(port, ":"); idx >= 0 {
		port = port[idx+1:]
	}
	healthURL := fmt.Sprintf("http://localhost:%s/health", port)

	if healthy(healthURL) {
		fmt.Printf("colloquy already running on port %s\n", port)
		return
	}

	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating log directory: %v\n", err)
		os.Exit(1)
	}
	logPath := filepath.Join(cfg.LogDir(), "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", logPath, err)
		os.Exit(1)
	}
	defer func() { _ = logFile.Close() }()

	var args []string
	if dirFlag != "" {
		args = append(args, "--dir", dirFlag)
	}
	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}
	_ = cmd.Process.Release()

	fmt.Printf("Starting colloquy on port %s...\n", port)

	maxWait := 30 * time.Second
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if healthy(healthURL) {
			fmt.Printf("colloquy running on port %s\n", port)
			return
		}
		time.Sleep(500 * time.Millisecond)
	}

	fmt.Fprintf(os.Stderr, "Error: server failed to start within %v\n", maxWait)
	fmt.Fprintf(os.Stderr, "Check logs at: %s\n", logPath)
	os.Exit(1)
}

func healthy(url string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
