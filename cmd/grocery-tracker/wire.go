package main

import (
	"context"
	"fmt"

	"github.com/zombor/grocery-tracker/internal/archive"
	"github.com/zombor/grocery-tracker/internal/logger"
	"github.com/zombor/grocery-tracker/internal/receipt"
	"github.com/zombor/grocery-tracker/internal/scanning"
)

func openRepository(ctx context.Context, cfg config) (receipt.Repository, error) {
	log := logger.FromContext(ctx)

	if cfg.databaseURL != "" {
		log.Info().Msg("Connecting to Postgres...")
		db, err := receipt.NewPostgresDB(ctx, cfg.databaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	log.Info().Str("path", cfg.dbPath).Msg("Opening database...")
	db, err := receipt.NewBoltDB(cfg.dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func newExtractor(ctx context.Context, cfg config) (scanning.Extractor, error) {
	log := logger.FromContext(ctx)

	switch cfg.scanner {
	case "gemini":
		log.Info().Str("model", cfg.geminiModel).Msg("Initializing Gemini scanner...")
		extractor, err := scanning.NewGemini(ctx, cfg.geminiKey, cfg.geminiModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini (set --gemini-key or GEMINI_API_KEY): %w", err)
		}
		return extractor, nil
	case "ollama":
		log.Info().Str("url", cfg.ollamaURL).Str("model", cfg.ollamaModel).Msg("Initializing Ollama scanner...")
		extractor, err := scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama: %w", err)
		}
		return extractor, nil
	case "openai":
		log.Info().Str("url", cfg.openAIURL).Str("model", cfg.openAIModel).Msg("Initializing OpenAI scanner...")
		extractor, err := scanning.NewOpenAI(cfg.openAIURL, cfg.openAIKey, cfg.openAIModel)
		if err != nil {
			return nil, fmt.Errorf("initializing openai (set --openai-key or OPENAI_API_KEY): %w", err)
		}
		return extractor, nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q, valid: gemini, ollama or openai", cfg.scanner)
	}
}

// newArchive returns a nil store for "none". The returned func releases the backend.
func newArchive(ctx context.Context, cfg config) (archive.Store, func(), error) {
	log := logger.FromContext(ctx)
	noop := func() {}

	switch cfg.archive {
	case "drive":
		log.Info().Str("folder", cfg.driveFolder).Msg("Archiving to Google Drive")
		store, err := archive.NewDrive(ctx, cfg.driveCredentials, cfg.driveFolder)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "gcs":
		log.Info().Str("bucket", cfg.gcsBucket).Msg("Archiving to Google Cloud Storage")
		store, err := archive.NewGCS(ctx, cfg.gcsBucket, "")
		if err != nil {
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil
	case "s3":
		log.Info().Str("endpoint", cfg.s3Endpoint).Str("bucket", cfg.s3Bucket).Msg("Archiving to S3")
		store, err := archive.NewS3(archive.S3Config{
			Endpoint:  cfg.s3Endpoint,
			AccessKey: cfg.s3AccessKey,
			SecretKey: cfg.s3SecretKey,
			Bucket:    cfg.s3Bucket,
			Region:    cfg.s3Region,
			UseSSL:    cfg.s3SSL,
		})
		if err != nil {
			return nil, noop, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "local":
		log.Info().Str("path", cfg.archiveDir).Msg("Archiving to local directory")
		store, err := archive.NewLocal(cfg.archiveDir)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "none":
		log.Warn().Msg("Archiving disabled, receipts will be stored without their files")
		return nil, noop, nil
	default:
		return nil, noop, fmt.Errorf("invalid archive backend %q, valid: drive, gcs, s3, local or none", cfg.archive)
	}
}
