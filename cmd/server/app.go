package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/config"
	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/core"
	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/input"
	"github.com/mAI-mAIPlatform/mai-dyad-off-sub000/internal/store"
)

// app holds the services shared by the serve and chat commands.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	store       *store.ConversationStore
	chat        *core.ChatService
	transcriber *core.OpenAIService
	extractor   input.Extractor
	closers     []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	storeOpts := []store.StoreOption{store.WithLogger(logger)}
	var snapshots []store.Conversation
	if cfg.DatabaseURL != "" {
		db, err := store.NewSQLiteStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, func() { db.Close() })

		snapshots, err = db.LoadConversations()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load conversations: %w", err)
		}
		storeOpts = append(storeOpts, store.WithSnapshotter(db))
		logger.Info("conversation snapshots enabled", "dsn", cfg.DatabaseURL, "loaded", len(snapshots))
	}
	a.store = store.NewConversationStore(storeOpts...)
	a.store.Load(snapshots)

	// Backends without credentials stay nil so the router reports them as
	// unconfigured.
	router := &core.ModelRouter{}
	if cfg.GeminiAPIKey != "" {
		gemini, err := core.NewGeminiService(ctx, cfg.GeminiAPIKey, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, gemini.Close)
		router.Gemini = gemini
	}
	a.transcriber = core.NewOpenAIService(core.OpenAIConfig{
		APIKey:             cfg.OpenAIAPIKey,
		BaseURL:            cfg.OpenAIBaseURL,
		TranscriptionModel: cfg.TranscriptionModel,
		PlaceholderDelay:   cfg.PlaceholderDelay,
	}, logger)
	if a.transcriber.HasCredentials() {
		router.OpenAI = a.transcriber
	}
	if router.Gemini == nil && router.OpenAI == nil {
		logger.Warn("no completion backend configured; replies will report the missing provider")
	}

	regen := core.NewRegenerationController(a.store, router, logger)
	a.chat = core.NewChatService(a.store, regen, router, cfg.DefaultModel, logger)

	a.extractor = input.PlainTextExtractor{}
	if cfg.TikaURL != "" {
		a.extractor = input.PlainTextExtractor{Next: input.NewTikaExtractor(cfg.TikaURL, 30*time.Second)}
	}
	return a, nil
}

// Close releases backends in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
