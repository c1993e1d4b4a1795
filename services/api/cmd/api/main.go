package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"videochat/internal/ratelimit"
	"videochat/internal/usertoken"
	"videochat/internal/util"
	"videochat/pkg/ai"
	"videochat/pkg/queue"
	"videochat/pkg/storage"
	"videochat/pkg/store"
	"videochat/services/api/internal/app"
	"videochat/services/api/internal/config"
	"videochat/services/api/internal/server"
)

func main() {
	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "api")

	jwtLeeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	modelTimeout, err := config.ParseDuration("modelTimeout", cfg.ModelTimeout)
	if err != nil {
		util.Fatal("failed to parse model timeout", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trustedProxies", "err", err)
	}

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
		MaxObjectSize: cfg.MaxUploadBytes,
	})
	if err != nil {
		util.Fatal("failed to init object storage", "err", err)
	}

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    cfg.QueueGroup,
	})
	if err != nil {
		util.Fatal("failed to init ingest queue", "err", err)
	}
	defer jobs.Close()

	chatLimiter, err := ratelimit.NewRedisFixedWindowLimiter(ratelimit.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Prefix:   "videochat:api:ratelimit:chat",
		Limit:    cfg.ChatRateLimitPerMinute,
		Window:   time.Minute,
	})
	if err != nil {
		util.Fatal("failed to init chat limiter", "err", err)
	}
	defer chatLimiter.Close()

	model, err := ai.NewProvider(ai.ProviderConfig{
		Name: cfg.ModelProvider,
		OpenAI: ai.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			VisionModel: cfg.VisionModel,
			ChatModel:   cfg.ChatModel,
			Timeout:     modelTimeout,
		},
		Ollama: ai.OllamaConfig{
			BaseURL:     cfg.OllamaBaseURL,
			VisionModel: cfg.VisionModel,
			ChatModel:   cfg.ChatModel,
			Timeout:     modelTimeout,
		},
	})
	if err != nil {
		util.Fatal("failed to init model client", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:             dataStore,
		Objects:           objects,
		Queue:             jobs,
		Describer:         model,
		Chat:              model,
		ChatStrategy:      cfg.ChatStrategy,
		HistoryLimit:      cfg.HistoryLimit,
		VisionFrames:      cfg.VisionFrames,
		AnalysisBatchSize: cfg.AnalysisBatchSize,
		AnalysisTimeout:   modelTimeout,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		ChatLimiter:    chatLimiter,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// uploads and streamed chat replies need longer than plain JSON calls
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("api server listening", "addr", addr, "chat_strategy", cfg.ChatStrategy, "model_provider", cfg.ModelProvider)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
