package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/rs/zerolog"

	"github.com/zombor/grocery-tracker/internal/logger"
	"github.com/zombor/grocery-tracker/internal/receipt"
	"github.com/zombor/grocery-tracker/internal/telegram"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	port        int
	dbPath      string
	databaseURL string
	workers     int
	logLevel    string

	scanner     string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string
	openAIKey   string
	openAIURL   string
	openAIModel string

	archive          string
	driveCredentials string
	driveFolder      string
	gcsBucket        string
	s3Endpoint       string
	s3AccessKey      string
	s3SecretKey      string
	s3Bucket         string
	s3Region         string
	s3SSL            bool
	archiveDir       string

	telegramToken        string
	telegramAllowedUsers string

	authUser string
	authPass string
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: loading .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)
	log := logger.New(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(logger.WithContext(ctx, log), cfg); err != nil {
		log.Error().Err(err).Msg("Grocery tracker stopped with an error")
		os.Exit(1)
	}
	log.Info().Msg("Shut down cleanly")
}

func parseConfig(args []string) (config, error) {
	var cfg config

	flags := ff.NewFlagSet("grocery-tracker")
	flags.IntVar(&cfg.port, 0, "port", 8080, "HTTP server port")
	flags.StringVar(&cfg.dbPath, 0, "db", "grocery-tracker.db", "bbolt database file path")
	flags.StringVar(&cfg.databaseURL, 0, "database-url", "", "Postgres DSN; replaces the bbolt database when set (or DATABASE_URL)")
	flags.IntVar(&cfg.workers, 0, "workers", 2, "receipts processed concurrently")
	flags.StringVar(&cfg.logLevel, 0, "log-level", "", "debug, info, warn or error (or LOG_LEVEL)")

	flags.StringVar(&cfg.scanner, 0, "scanner", "gemini", "extraction provider: gemini, ollama or openai")
	flags.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or GEMINI_API_KEY)")
	flags.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-2.5-pro", "Google Gemini model name")
	flags.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	flags.StringVar(&cfg.ollamaModel, 0, "ollama-model", "llava", "Ollama vision model (e.g., llava, qwen2-vl)")
	flags.StringVar(&cfg.openAIKey, 0, "openai-key", "", "OpenAI API key (or OPENAI_API_KEY)")
	flags.StringVar(&cfg.openAIURL, 0, "openai-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	flags.StringVar(&cfg.openAIModel, 0, "openai-model", "gpt-4o", "OpenAI model name")

	flags.StringVar(&cfg.archive, 0, "archive", "local", "archive backend: drive, gcs, s3, local or none")
	flags.StringVar(&cfg.driveCredentials, 0, "drive-credentials", "", "service account JSON for Google Drive (or GOOGLE_DRIVE_CREDENTIALS_PATH)")
	flags.StringVar(&cfg.driveFolder, 0, "drive-folder", "", "Google Drive parent folder id (or GOOGLE_DRIVE_FOLDER_ID)")
	flags.StringVar(&cfg.gcsBucket, 0, "gcs-bucket", "", "Google Cloud Storage bucket")
	flags.StringVar(&cfg.s3Endpoint, 0, "s3-endpoint", "localhost:9000", "S3 compatible endpoint")
	flags.StringVar(&cfg.s3AccessKey, 0, "s3-access-key", "", "S3 access key")
	flags.StringVar(&cfg.s3SecretKey, 0, "s3-secret-key", "", "S3 secret key")
	flags.StringVar(&cfg.s3Bucket, 0, "s3-bucket", "receipts", "S3 bucket")
	flags.StringVar(&cfg.s3Region, 0, "s3-region", "", "S3 region")
	flags.BoolVar(&cfg.s3SSL, 0, "s3-ssl", "use TLS for the S3 endpoint")
	flags.StringVar(&cfg.archiveDir, 0, "archive-dir", "./receipts", "directory for the local archive")

	flags.StringVar(&cfg.telegramToken, 0, "telegram-token", "", "Telegram bot token; the bot is disabled when empty (or TELEGRAM_BOT_TOKEN)")
	flags.StringVar(&cfg.telegramAllowedUsers, 0, "telegram-allowed-users", "", "comma-separated Telegram user ids (or TELEGRAM_ALLOWED_USER_IDS)")

	flags.StringVar(&cfg.authUser, 0, "auth-user", "", "Basic auth username (optional)")
	flags.StringVar(&cfg.authPass, 0, "auth-pass", "", "Basic auth password (optional)")
	flags.BoolLong("version", "Show version information")

	if err := ff.Parse(flags, args, ff.WithEnvVarPrefix("GROCERY_TRACKER")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		return cfg, err
	}

	fallbackEnv(&cfg.telegramToken, "TELEGRAM_BOT_TOKEN")
	fallbackEnv(&cfg.telegramAllowedUsers, "TELEGRAM_ALLOWED_USER_IDS")
	fallbackEnv(&cfg.databaseURL, "DATABASE_URL")
	fallbackEnv(&cfg.openAIKey, "OPENAI_API_KEY")
	fallbackEnv(&cfg.geminiKey, "GEMINI_API_KEY")
	fallbackEnv(&cfg.driveCredentials, "GOOGLE_DRIVE_CREDENTIALS_PATH")
	fallbackEnv(&cfg.driveFolder, "GOOGLE_DRIVE_FOLDER_ID")
	fallbackEnv(&cfg.logLevel, "LOG_LEVEL")

	return cfg, nil
}

// fallbackEnv fills an unset value from the variable names of older deployments
func fallbackEnv(value *string, names ...string) {
	if *value != "" {
		return
	}
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*value = v
			return
		}
	}
}

func run(ctx context.Context, cfg config) error {
	log := logger.FromContext(ctx)

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	extractor, err := newExtractor(ctx, cfg)
	if err != nil {
		return err
	}
	defer extractor.Close()

	store, closeArchive, err := newArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeArchive()

	var (
		bot   *telegram.Bot
		files receipt.ChatFileSource
	)
	var api *tgbotapi.BotAPI
	if cfg.telegramToken != "" {
		api, err = tgbotapi.NewBotAPI(cfg.telegramToken)
		if err != nil {
			return fmt.Errorf("connecting to telegram: %w", err)
		}
		files = telegram.NewFileSource(api, "")
	}

	dispatcher := receipt.NewDispatcher(cfg.workers, cfg.workers*8)
	service := receipt.NewService(receipt.Dependencies{
		Repository: repo,
		Extractor:  extractor,
		Archive:    store,
		Files:      files,
		Dispatcher: dispatcher,
	})

	if api != nil {
		allowed, err := telegram.ParseAllowedUserIDs(cfg.telegramAllowedUsers)
		if err != nil {
			return err
		}
		if len(allowed) == 0 {
			log.Warn().Msg("No Telegram users are allowed, the bot will refuse every message")
		}
		bot = telegram.NewBot(api, service, allowed, log)
	}

	server := receipt.NewServer(service, receipt.BasicAuth{Username: cfg.authUser, Password: cfg.authPass}, log)
	if cfg.authUser != "" || cfg.authPass != "" {
		log.Info().Str("user", cfg.authUser).Msg("Basic auth enabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	running := 1
	go func() {
		errCh <- server.Start(runCtx, fmt.Sprintf(":%d", cfg.port))
	}()
	if bot != nil {
		running++
		go func() {
			errCh <- bot.Run(runCtx)
		}()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) && firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	log.Info().Msg("Stopping receipt workers")
	if err := dispatcher.Stop(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
