package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mathserve/wolframd/internal/auth"
	"github.com/mathserve/wolframd/internal/cleanup"
	"github.com/mathserve/wolframd/internal/config"
	"github.com/mathserve/wolframd/internal/kernel"
	"github.com/mathserve/wolframd/internal/logger"
	mcpserver "github.com/mathserve/wolframd/internal/mcp"
	"github.com/mathserve/wolframd/internal/security"
	"github.com/mathserve/wolframd/internal/server"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit()
			return
		case "token":
			cmdToken(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("wolframd %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`wolframd %s - Wolfram Language kernel server

Usage: wolframd [command] [options]

Commands:
  (default)    Start the HTTP server
  init         Initialize the wolframd directory structure
  token        Manage authentication tokens

Server Options:
  --dir <path>       wolframd home directory

Config Precedence (for server):
  1. --dir flag
  2. WOLFRAMD_HOME env var
  3. ./.wolframd (if initialized in current directory)
  4. ~/.wolframd (default)

Examples:
  wolframd                            Start the server
  wolframd --dir /path/to/wolframd    Start with a specific home directory
  wolframd init                       Set up ~/.wolframd
  wolframd token create --name ci --scope execute
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "wolframd home directory (default: ~/.wolframd)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wolframd %s\n", Version)
		os.Exit(0)
	}

	homeDir := resolveHomeDir(*dirFlag)
	dataDir := filepath.Join(homeDir, "data")
	configDir := filepath.Join(homeDir, "config")
	logDir := filepath.Join(dataDir, "logs")

	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}
	if err := logger.Init(logDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(logDir, true); err != nil {
		log.Fatalf("Failed to initialize structured logger: %v", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Println("wolframd - Wolfram Language kernel server")
	logger.Printf("Home directory: %s", homeDir)

	// Kernel binding per config. The docker binding gets a ping so we fail
	// fast when the daemon is unreachable instead of on the first request.
	var binding kernel.Binding
	switch cfg.Kernel.Binding {
	case "docker":
		db, err := kernel.NewDockerBinding(cfg.Kernel.Image, cfg.TerminateGrace())
		if err != nil {
			logger.Fatalf("Failed to initialize Docker binding: %v", err)
		}
		if err := db.Ping(context.Background()); err != nil {
			logger.Fatalf("Docker daemon unreachable: %v", err)
		}
		defer func() { _ = db.Close() }()
		binding = db
		logger.Info("Kernel binding: docker (image %s)", cfg.Kernel.Image)
	default:
		binding = kernel.NewProcessBinding(cfg.TerminateGrace())
		logger.Info("Kernel binding: process")
	}

	worker := kernel.NewWorker(0)
	guard := kernel.NewGuard(kernel.GuardConfig{
		Binding:     binding,
		Worker:      worker,
		KernelPath:  cfg.Kernel.Path,
		MaxRetries:  cfg.Kernel.MaxRetries,
		BackoffBase: cfg.BackoffBase(),
	})
	engine := kernel.NewEngine(guard, cfg.DefaultTimeout(), cfg.MaxTimeout())

	validator := security.NewValidator(cfg.Security.StrictMode, cfg.Security.MaxCodeBytes)

	var authStore *auth.Store
	if cfg.Server.AuthRequired {
		authStore, err = auth.NewStore(dataDir)
		if err != nil {
			logger.Fatalf("Failed to initialize auth store: %v", err)
		}
		defer func() { _ = authStore.Close() }()
		logger.Printf("Auth database: %s/auth.db", dataDir)
	} else {
		logger.Println("WARNING: authentication disabled (server.auth_required=false)")
	}

	var mcpHandler http.Handler
	if cfg.Server.MCPEnabled {
		mcpHandler = mcpserver.NewServer(engine, validator).Handler()
	}

	srv := server.New(cfg, engine, validator, authStore, mcpHandler)

	cleaner := cleanup.New(cleanup.Config{
		Sweeper:     guard,
		Limiter:     srv.Limiter(),
		IdleTimeout: cfg.IdleTimeout(),
		LogsDir:     logDir,
	})
	if err := cleaner.Start(); err != nil {
		logger.Fatalf("Failed to start maintenance: %v", err)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Serve()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdownChan:
		logger.Printf("Received signal %v, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Order matters: stop accepting requests, then terminate the kernel
		// session so any wedged evaluation unwinds, then stop the worker.
		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("HTTP shutdown: %v", err)
		}
		cleaner.Stop()
		if err := guard.Close(); err != nil {
			logger.Printf("Session close: %v", err)
		}
		worker.Close()

		logger.Println("Shutdown complete")
	}
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.wolframd)")
	_ = fs.Parse(os.Args[2:])

	var homeDir string
	if *dirFlag != "" {
		absDir, err := filepath.Abs(*dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
			os.Exit(1)
		}
		homeDir = absDir
	} else {
		userHome, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		homeDir = filepath.Join(userHome, ".wolframd")
	}

	configDir := filepath.Join(homeDir, "config")
	dataDir := filepath.Join(homeDir, "data")

	configFile := filepath.Join(configDir, "wolframd.jsonc")
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("%s is already initialized.\n", homeDir)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("Initializing wolframd")
	fmt.Println("")

	dirs := []string{
		configDir,
		filepath.Join(dataDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	defaultConfig := `{
  // wolframd configuration

  "server": {
    "address": ":8730",
    "auth_required": true,
    "mcp_enabled": true
  },

  "kernel": {
    // Kernel executable; empty means $WOLFRAM_KERNEL_PATH or PATH lookup
    "path": "",
    // "process" runs a local kernel; "docker" runs one in a container
    "binding": "process",
    "image": "wolframresearch/wolframengine",
    "default_timeout_s": 30,
    "max_timeout_s": 300,
    "max_retries": 3,
    "backoff_base_ms": 1000,
    "idle_timeout_s": 300,
    "terminate_grace_ms": 3000
  },

  "security": {
    // Strict mode rejects code that trips any screening rule
    "strict_mode": true,
    "max_code_bytes": 51200
  },

  "limits": {
    "requests_per_second": 10,
    "burst": 20
  }
}
`
	if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating wolframd.jsonc: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configFile)

	fmt.Println("")
	fmt.Println("Creating admin token...")
	store, err := auth.NewStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	_, tokenID, err := store.CreateToken("admin", auth.ScopeAdmin, nil)
	if err != nil {
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}
	_ = store.Close()

	fmt.Println("")
	fmt.Println("Admin token (save this - it cannot be retrieved later):")
	fmt.Printf("   %s\n", tokenID)

	fmt.Println("")
	fmt.Println("wolframd initialized!")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("   1. Review %s\n", configFile)
	fmt.Println("   2. Run 'wolframd' to start the server")
}

// cmdToken handles the 'token' subcommand for managing authentication tokens
func cmdToken(args []string) {
	if len(args) < 1 {
		printTokenUsage()
		os.Exit(1)
	}

	homeDir := resolveHomeDir("")
	dataDir := filepath.Join(homeDir, "data")

	store, err := auth.NewStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	switch args[0] {
	case "create":
		tokenCreate(store, args[1:])
	case "list":
		tokenList(store)
	case "revoke":
		tokenRevoke(store, args[1:])
	case "help", "-h", "--help":
		printTokenUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", args[0])
		printTokenUsage()
		os.Exit(1)
	}
}

func printTokenUsage() {
	fmt.Println(`Token Management

Usage: wolframd token <command> [options]

Commands:
  create    Create a new API token
  list      List all tokens
  revoke    Revoke a token
  help      Show this help

Scopes:
  admin       Execution plus token management
  execute     Code execution and diagnostics
  read-only   Diagnostics only

Examples:
  wolframd token create --name "Local Dev" --scope admin
  wolframd token create --name ci --scope execute
  wolframd token list
  wolframd token revoke wld_xxxx...`)
}

func tokenCreate(store *auth.Store, args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	name := fs.String("name", "", "Human-readable token name (required)")
	scope := fs.String("scope", "", "Token scope: admin, execute, or read-only (required)")
	expiresDays := fs.Int("expires", 0, "Days until expiry (0 = never)")
	_ = fs.Parse(args)

	if *name == "" || *scope == "" {
		fmt.Fprintln(os.Stderr, "Error: --name and --scope are required")
		fs.PrintDefaults()
		os.Exit(1)
	}
	if !auth.ValidScope(*scope) {
		fmt.Fprintf(os.Stderr, "Error: invalid scope '%s'\n", *scope)
		fmt.Fprintln(os.Stderr, "Valid scopes: admin, execute, read-only")
		os.Exit(1)
	}

	var expiresAt *time.Time
	if *expiresDays > 0 {
		t := time.Now().Add(time.Duration(*expiresDays) * 24 * time.Hour)
		expiresAt = &t
	}

	token, tokenID, err := store.CreateToken(*name, *scope, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Token created successfully!")
	fmt.Println()
	fmt.Printf("Token ID: %s\n", tokenID)
	fmt.Printf("Name:     %s\n", token.Name)
	fmt.Printf("Scope:    %s\n", token.Scope)
	fmt.Println()
	fmt.Println("IMPORTANT: Save this token now. It cannot be retrieved later.")
}

func tokenList(store *auth.Store) {
	tokens, err := store.ListTokens()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing tokens: %v\n", err)
		os.Exit(1)
	}

	if len(tokens) == 0 {
		fmt.Println("No tokens found.")
		fmt.Println()
		fmt.Println("Create one with: wolframd token create --name \"My Token\" --scope admin")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCREATED\tLAST USED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t-------\t---------")

	for _, t := range tokens {
		lastUsed := "never"
		if t.LastUsedAt != nil {
			lastUsed = t.LastUsedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			maskTokenID(t.ID),
			t.Name,
			t.Scope,
			t.CreatedAt.Format("2006-01-02 15:04"),
			lastUsed,
		)
	}
	_ = w.Flush()
}

func tokenRevoke(store *auth.Store, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: token ID required")
		fmt.Fprintln(os.Stderr, "Usage: wolframd token revoke <token_id>")
		os.Exit(1)
	}

	if err := store.RevokeToken(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error revoking token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token %s revoked successfully.\n", maskTokenID(args[0]))
}

func maskTokenID(tokenID string) string {
	if len(tokenID) <= 12 {
		return "***"
	}
	return tokenID[:8] + "..." + tokenID[len(tokenID)-4:]
}

// resolveHomeDir determines the wolframd home directory with precedence:
// 1. Explicit flag (if provided)
// 2. WOLFRAMD_HOME env var
// 3. ./.wolframd (current directory, if initialized)
// 4. ~/.wolframd (default)
func resolveHomeDir(flagDir string) string {
	if flagDir != "" {
		absDir, err := filepath.Abs(flagDir)
		if err != nil {
			log.Fatalf("Invalid directory: %v", err)
		}
		return absDir
	}

	if envDir := os.Getenv("WOLFRAMD_HOME"); envDir != "" {
		absDir, err := filepath.Abs(envDir)
		if err != nil {
			log.Fatalf("Invalid WOLFRAMD_HOME: %v", err)
		}
		return absDir
	}

	if cwd, err := os.Getwd(); err == nil {
		localDir := filepath.Join(cwd, ".wolframd")
		if _, err := os.Stat(filepath.Join(localDir, "config", "wolframd.jsonc")); err == nil {
			return localDir
		}
	}

	userHome, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get home directory: %v", err)
	}
	return filepath.Join(userHome, ".wolframd")
}
