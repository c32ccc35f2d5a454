package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receiptify/internal/extraction"
	"github.com/zombor/receiptify/internal/mail"
	"github.com/zombor/receiptify/internal/receipt"
	"github.com/zombor/receiptify/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// orEnv returns value, or the first non-empty environment variable in names
func orEnv(value string, names ...string) string {
	if value != "" {
		return value
	}
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// newLogger builds the default slog handler from the log flags
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: want text or json", format)
	}
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receiptify")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "receiptify.db", "Database file path")
		storagePath     = fs.StringLong("storage", "./receipts", "Directory for uploaded receipt images")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or GEMINI_API_KEY)")
		geminiModel     = fs.StringLong("gemini-model", "", "Gemini model for email extraction (or GEMINI_MODEL)")
		visionModel     = fs.StringLong("gemini-vision-model", "", "Gemini model for receipt photos (or GEMINI_VISION_MODEL)")
		openRouterKey   = fs.StringLong("openrouter-key", "", "OpenRouter API key (or OPENROUTER_API_KEY)")
		openRouterModel = fs.StringLong("openrouter-model", "", "OpenRouter model (or OPENROUTER_MODEL)")
		openRouterRef   = fs.StringLong("openrouter-referer", "", "HTTP-Referer sent to OpenRouter (or OPENROUTER_REFERER)")
		openAIKey       = fs.StringLong("openai-key", "", "OpenAI API key (or OPENAI_API_KEY)")
		openAIModel     = fs.StringLong("openai-model", "", "OpenAI model (or OPENAI_MODEL)")
		ollamaURL       = fs.StringLong("ollama-url", "", "Ollama API base URL; empty disables Ollama (or OLLAMA_URL)")
		ollamaModel     = fs.StringLong("ollama-model", "", "Ollama model name (or OLLAMA_MODEL)")
		providerTimeout = fs.DurationLong("provider-timeout", defaultProviderTimeout, "Timeout for a single model provider call")
		batchSpacing    = fs.DurationLong("batch-spacing", defaultBatchSpacing, "Delay between emails during batch processing")
		gmailCreds      = fs.StringLong("gmail-credentials", "", "Google OAuth client credentials JSON; empty disables Gmail")
		gmailToken      = fs.StringLong("gmail-token", "gmail-token.json", "OAuth token file for Gmail")
		maxUpload       = fs.IntLong("max-upload-bytes", 0, "Largest accepted receipt upload (or RECEIPT_UPLOAD_MAX_BYTES)")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel        = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat       = fs.StringLong("log-format", "text", "Log format: text or json")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPTIFY"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	uploadLimit := int64(*maxUpload)
	if uploadLimit == 0 {
		if uploadLimit, err = envInt("RECEIPT_UPLOAD_MAX_BYTES"); err != nil {
			slog.Error("Invalid upload limit", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	apiKey := orEnv(*geminiKey, "GEMINI_API_KEY")
	gemini := scanning.NewGemini(apiKey, orEnv(*geminiModel, "GEMINI_MODEL"))
	defer gemini.Close()
	geminiVision := scanning.NewGeminiVision(apiKey, orEnv(*visionModel, "GEMINI_VISION_MODEL"))
	defer geminiVision.Close()

	// Providers are tried in this order for every email
	providers := []scanning.Provider{
		gemini,
		scanning.NewOpenRouter(
			orEnv(*openRouterKey, "OPENROUTER_API_KEY"),
			orEnv(*openRouterModel, "OPENROUTER_MODEL"),
			orEnv(*openRouterRef, "OPENROUTER_REFERER"),
		),
		scanning.NewOpenAI(orEnv(*openAIKey, "OPENAI_API_KEY"), orEnv(*openAIModel, "OPENAI_MODEL")),
		scanning.NewOllama(orEnv(*ollamaURL, "OLLAMA_URL"), orEnv(*ollamaModel, "OLLAMA_MODEL")),
	}
	configured := make([]string, 0, len(providers))
	for _, p := range providers {
		if p.Configured() {
			configured = append(configured, p.Name())
		}
	}
	if len(configured) == 0 {
		slog.Warn("No model provider configured; email extraction will fail until one is set")
	} else {
		slog.Info("Model providers configured", "providers", configured)
	}
	if !geminiVision.Configured() {
		slog.Warn("Gemini API key not set; receipt photo scanning is disabled")
	}

	emails := extraction.NewEmailExtractor(providers, extraction.WithTimeout(*providerTimeout))
	vision := extraction.NewVisionExtractor(geminiVision, extraction.WithTimeout(*providerTimeout))

	// Gmail is optional; without it the email routes answer 503
	var mailbox mail.Source
	if *gmailCreds != "" {
		gmail, err := mail.NewGmail(ctx, mail.GmailConfig{
			CredentialsFile: *gmailCreds,
			TokenFile:       *gmailToken,
		})
		if err != nil {
			slog.Error("Failed to initialize Gmail", "error", err)
			os.Exit(1)
		}
		mailbox = gmail
		slog.Info("Gmail connected")
	}

	receiptService := receipt.NewServiceWithDeps(db, store, emails, vision, mailbox, receipt.Deps{
		Spacing: *batchSpacing,
	})

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth, uploadLimit)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	slog.Info("Shutting down...")
}
