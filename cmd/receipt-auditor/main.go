package main

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-auditor/internal/metrics"
	"github.com/zombor/receipt-auditor/internal/policy"
	"github.com/zombor/receipt-auditor/internal/receipt"
	"github.com/zombor/receipt-auditor/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine; real env vars and flags still apply
	_ = godotenv.Load()

	fs := ff.NewFlagSet("receipt-auditor")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "receipt-auditor.db", "Policy database file path")
		policyFile      = fs.StringLong("policy", "", "YAML expense policy used to seed an empty database")
		scannerType     = fs.StringLong("scanner", "gemini", "OCR scanner: 'gemini', 'ollama' or 'none'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama vision model name (e.g., llava, qwen2-vl)")
		breakerFailures = fs.IntLong("breaker-failures", 5, "Consecutive OCR failures before the scanner circuit opens")
		breakerTimeout  = fs.DurationLong("breaker-timeout", scanning.DefaultBreakerConfig().OpenTimeout, "How long the scanner circuit stays open")
		scanRate        = fs.Float64Long("scan-rate", 2, "Image scans allowed per second (0 disables the limit)")
		scanBurst       = fs.IntLong("scan-burst", 5, "Image scan burst size")
		corsOrigin      = fs.StringLong("cors-origin", "*", "Allowed CORS origin")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel        = fs.StringLong("log-level", "info", "Log level: debug, info, warn, error")
		logFormat       = fs.StringLong("log-format", "text", "Log format: text or json")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_AUDITOR"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.SetDefault(newLogger(os.Stderr, *logFormat, *logLevel))

	// Initialize policy store
	slog.Info("Initializing policy database...", "path", *dbPath)
	store, err := policy.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize policy database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := seedPolicy(store, *policyFile); err != nil {
		slog.Error("Failed to seed expense policy", "error", err)
		os.Exit(1)
	}

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	case "none":
		slog.Warn("No scanner configured; only text analysis is available")
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, ollama or none")
		os.Exit(1)
	}
	if scanner != nil {
		scanner = scanning.NewBreaker(*scannerType, scanner, scanning.BreakerConfig{
			ConsecutiveFailures: uint32(max(*breakerFailures, 1)),
			OpenTimeout:         *breakerTimeout,
		})
		// Digital PDFs are read directly and never reach the OCR backend
		scanner = scanning.NewPDFText(scanner)
		defer scanner.Close()
	}

	m := metrics.New()

	receiptService := receipt.NewService(scanner, store)
	receiptService.SetRecorder(m)

	server := receipt.NewServer(receiptService, receipt.Options{
		BasicAuth: receipt.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
		CORSOrigin: *corsOrigin,
		ScanRate:   *scanRate,
		ScanBurst:  *scanBurst,
	})
	server.Handle("GET /metrics", m.Handler())

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr, m.Middleware); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// seedPolicy stores the policy file (or the stock default) if the database holds no policy yet.
func seedPolicy(store *policy.BoltStore, path string) error {
	seed := policy.DefaultPolicy()
	source := "default"
	if path != "" {
		p, err := policy.LoadFile(path)
		if err != nil {
			return err
		}
		seed = p
		source = path
	}

	seeded, err := store.Seed(seed)
	if err != nil {
		return fmt.Errorf("seeding policy: %w", err)
	}
	if seeded {
		slog.Info("Seeded expense policy", "source", source)
		return nil
	}

	current, err := store.Current()
	if err != nil && !errors.Is(err, policy.ErrNoPolicy) {
		return fmt.Errorf("reading stored policy: %w", err)
	}
	slog.Info("Using stored expense policy",
		"categories", len(current.MaxAmounts),
		"max_days_old", current.MaxDaysOld,
	)
	return nil
}
