package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edumind/backend/internal/config"
	"github.com/edumind/backend/internal/handler"
	"github.com/edumind/backend/internal/service/ai"
	"github.com/edumind/backend/internal/service/chat"
	"github.com/edumind/backend/internal/service/intent"
	"github.com/edumind/backend/internal/service/knowledge"
	"github.com/edumind/backend/internal/service/speech"
	"github.com/edumind/backend/internal/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load .env file, continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogger(cfg.Log)

	direct, err := cfg.Models.Direct.NewAdapter(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("直答模型初始化失败，请检查 DIRECT_* 或 MOONSHOT_API_KEY 环境变量")
	}
	reasoner, err := cfg.Models.Reasoner.NewAdapter(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("推理模型初始化失败，请检查 REASONER_* 或 DEEPSEEK_API_KEY 环境变量")
	}

	// 意图分类不可用时所有请求走直答路径
	classifierAdapter, err := cfg.Models.Classifier.NewAdapter(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("intent classifier unavailable, every turn will be answered directly")
	}
	classifier := intent.NewClassifier(classifierAdapter)

	transcripts, closeStore, err := openTranscripts(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open transcript store")
	}
	defer closeStore()

	opts := []ai.Option{ai.WithReasoningBudget(cfg.Models.ReasoningBudget)}
	var knowledgeStore knowledge.Store
	if cfg.Knowledge.Enabled {
		knowledgeStore = knowledge.NewMemoryStore()
		opts = append(opts, ai.WithKnowledge(knowledgeStore))
	}

	orchestrator, err := ai.NewOrchestrator(classifier, reasoner, direct, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build orchestrator")
	}

	recognizers, err := speech.NewFactory(cfg.Speech)
	switch {
	case errors.Is(err, speech.ErrNotConfigured):
		log.Info().Msg("语音识别凭证未配置，跳过语音功能初始化")
	case err != nil:
		log.Fatal().Err(err).Msg("failed to initialize speech recognition")
	default:
		log.Info().Str("provider", string(cfg.Speech.Provider)).Msg("speech recognition enabled")
	}

	router := handler.NewRouter(handler.Services{
		Orchestrator: orchestrator,
		Transcripts:  transcripts,
		Knowledge:    knowledgeStore,
		Extractor:    knowledge.TextExtractor{},
		Recognizers:  recognizers,
	})

	startServer(ctx, cfg.Server, router)
}

func setupLogger(cfg config.LogConfig) {
	zerolog.SetGlobalLevel(cfg.Level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
}

func openTranscripts(cfg config.StoreConfig) (chat.TranscriptSink, func(), error) {
	if cfg.Driver != config.StoreSQLite {
		return chat.NewService(), func() {}, nil
	}

	dsn, err := sqlite.DSNForFile(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlite.NewTranscriptStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("path", cfg.SQLitePath).Msg("sqlite transcript store opened")
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close transcript store")
		}
	}, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("EduMind backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
