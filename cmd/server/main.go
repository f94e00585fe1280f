package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/denis-ea7/cluely-sub000/internal/api"
	"github.com/denis-ea7/cluely-sub000/internal/audio"
	"github.com/denis-ea7/cluely-sub000/internal/capture"
	"github.com/denis-ea7/cluely-sub000/internal/config"
	"github.com/denis-ea7/cluely-sub000/internal/provider"
	"github.com/denis-ea7/cluely-sub000/internal/storage/sqlite"
	"github.com/denis-ea7/cluely-sub000/internal/websocket"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: "console", // Always use console format for better readability
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting transcription server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Initialize the audio subsystem for the lifetime of the process
	if err := audio.Initialize(); err != nil {
		log.Error("Failed to initialize audio subsystem", logger.Error(err))
		os.Exit(1)
	}
	defer audio.Terminate()

	// Generate today's database filename
	today := time.Now().Format("2006-01-02")
	dbFilename := fmt.Sprintf("transcripts-%s.db", today)
	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath, dbFilename)

	// Ensure the directory exists
	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.SQLiteBasePath))
		os.Exit(1)
	}

	log.Info("Using daily database", logger.String("path", dbPath))

	transcriptStorage, err := sqlite.NewTranscriptStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer transcriptStorage.Close()

	// Create WebSocket server
	wsServer := websocket.NewServer(log)

	// Start WebSocket server
	go wsServer.Run()

	// Create the key source: distribution endpoint if configured, otherwise
	// the static keys from local configuration
	var keySource *provider.KeySource
	if cfg.KeySource.URL != "" {
		keySource = provider.NewKeySource(
			cfg.KeySource.URL,
			time.Duration(cfg.KeySource.RefreshSecs)*time.Second,
			log,
		)
	} else {
		var set provider.KeySet
		set.Primary.Token = cfg.KeySource.OpenAIAPIKey
		set.Primary.Model = cfg.Providers.OpenAIModel
		if cfg.KeySource.GeminiAPIKey != "" {
			set.PoolKeys = append(set.PoolKeys, struct {
				Provider string   `json:"provider"`
				Token    string   `json:"token"`
				Models   []string `json:"models"`
			}{
				Provider: "gemini",
				Token:    cfg.KeySource.GeminiAPIKey,
				Models:   []string{cfg.Providers.GeminiModel},
			})
		}
		keySource = provider.NewStaticKeySource(set, log)
	}

	keyCtx, keyCancel := context.WithTimeout(context.Background(), 15*time.Second)
	keySet, err := keySource.Keys(keyCtx)
	keyCancel()
	if err != nil {
		log.Error("Failed to fetch provider keys", logger.Error(err))
		os.Exit(1)
	}

	// Create providers and the failover router
	requestTimeout := time.Duration(cfg.Providers.RequestTimeoutSecs) * time.Second
	openaiProvider := provider.NewOpenAI(cfg.Providers.OpenAIBaseURL, log)
	geminiProvider := provider.NewGemini(log)

	ollamaURL := cfg.Providers.OllamaBaseURL
	ollamaModel := cfg.Providers.OllamaModel
	if keySet.LocalFallback.URL != "" {
		ollamaURL = keySet.LocalFallback.URL
	}
	if keySet.LocalFallback.Model != "" {
		ollamaModel = keySet.LocalFallback.Model
	}
	ollamaProvider := provider.NewOllama(ollamaURL, requestTimeout, log)

	providerRouter := provider.NewRouter(
		provider.RouterConfig{
			Cooldown:      time.Duration(cfg.Providers.CooldownSecs) * time.Second,
			FallbackModel: ollamaModel,
		},
		keySet.Profiles(cfg.Providers.OpenAIModel, cfg.Providers.GeminiModel),
		[]provider.ChatProvider{openaiProvider, geminiProvider},
		[]provider.SnippetProvider{openaiProvider},
		ollamaProvider,
		log,
	)

	// Create capture service
	captureService := capture.NewService(cfg, transcriptStorage, wsServer, log)

	// Create API router
	router := api.NewRouter(captureService, providerRouter, transcriptStorage, cfg, log, wsServer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Stop active captures first so devices are released and sessions get a
	// chance to drain their final transcripts
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	captureService.StopAll(stopCtx)
	stopCancel()
	log.Info("Capture service stopped.")

	// Shutdown the HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	log.Info("Server fully stopped")
}
