package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"videochat/internal/util"
	"videochat/pkg/ai"
	"videochat/pkg/frames"
	"videochat/pkg/queue"
	"videochat/pkg/storage"
	"videochat/pkg/store"
	"videochat/services/ingest/internal/app"
	"videochat/services/ingest/internal/config"
	"videochat/services/ingest/internal/server"
)

func main() {
	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "ingest")

	ffmpegTimeout, _ := config.ParseDuration("ffmpegTimeout", cfg.FFmpegTimeout)
	uploadTimeout, _ := config.ParseDuration("uploadTimeout", cfg.UploadTimeout)
	analysisTimeout, _ := config.ParseDuration("analysisTimeout", cfg.AnalysisTimeout)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithDriver(cfg.DatabaseDriver))
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	defer dataStore.Close()

	objects, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.MinioPublicBaseURL,
	})
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}

	// the worker never chats; reuse the vision model so the ollama client is complete
	vision, err := ai.NewProvider(ai.ProviderConfig{
		Name: cfg.ModelProvider,
		OpenAI: ai.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			VisionModel: cfg.VisionModel,
			Timeout:     analysisTimeout,
		},
		Ollama: ai.OllamaConfig{
			BaseURL:     cfg.OllamaBaseURL,
			VisionModel: cfg.VisionModel,
			ChatModel:   cfg.VisionModel,
			Timeout:     analysisTimeout,
		},
	})
	if err != nil {
		util.Fatal("failed to init vision client", "err", err)
	}

	ff := frames.FFmpeg{FFprobePath: cfg.FFprobePath, FFmpegPath: cfg.FFmpegPath, Timeout: ffmpegTimeout}
	extractor := frames.NewExtractor(ff, ff, frames.Config{
		MaxFrames:    cfg.MaxFrames,
		MaxDimension: cfg.MaxFrameDimension,
		JPEGQuality:  cfg.JPEGQuality,
		MaxDuration:  float64(cfg.MaxDurationSeconds),
	})

	appCore, err := app.New(app.Config{
		Store:             dataStore,
		Objects:           objects,
		Extractor:         extractor,
		Describer:         vision,
		UploadBatchSize:   cfg.UploadBatchSize,
		UploadTimeout:     uploadTimeout,
		AnalysisBatchSize: cfg.AnalysisBatchSize,
		AnalysisTimeout:   analysisTimeout,
		TempDir:           cfg.WorkDir,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		// frame extraction plus analysis of a long video takes minutes
		ClaimIdle: 15 * time.Minute,
	})
	if err != nil {
		util.Fatal("failed to init ingest queue", "err", err)
	}
	defer jobs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	jobs.Start(ctx, cfg.QueueConcurrency, appCore.HandleJob)

	httpServer := server.New(server.Config{Jobs: jobs, Ready: appCore})
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ingest worker listening", "addr", addr, "concurrency", cfg.QueueConcurrency)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
