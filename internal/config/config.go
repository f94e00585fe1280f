package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server        ServerConfig        `toml:"server"`        // HTTP server settings
	Logging       LoggingConfig       `toml:"logging"`       // Application logging settings
	Storage       StorageConfig       `toml:"storage"`       // Data persistence settings
	Audio         AudioConfig         `toml:"audio"`         // Capture and encoding settings
	Transcription TranscriptionConfig `toml:"transcription"` // Streaming transcription session settings
	Providers     ProvidersConfig     `toml:"providers"`     // Provider failover settings
	KeySource     KeySourceConfig     `toml:"key_source"`    // Credential distribution settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, recommended for streaming)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // Storage backend type (currently only "sqlite" is supported)
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for SQLite database files (filename is generated per day)
	MaxTranscripts int    `toml:"max_transcripts"`  // Maximum number of transcripts to return per API request
}

// AudioConfig contains capture and encoding settings shared by both sources
type AudioConfig struct {
	MicDevice        string  `toml:"mic_device"`         // Microphone device name substring ("" = system default input)
	LoopbackDevice   string  `toml:"loopback_device"`    // System-audio loopback device name substring (e.g., "BlackHole", "Stereo Mix")
	TargetSampleRate int     `toml:"target_sample_rate"` // Output sample rate in Hz for the transcription stream (16000)
	ChunkMs          int     `toml:"chunk_ms"`           // Size of audio chunks sent to the session in milliseconds
	VADThreshold     float64 `toml:"vad_threshold"`      // RMS level above which a chunk counts as voiced (0.0-1.0)
	FramesPerBuffer  int     `toml:"frames_per_buffer"`  // PortAudio callback buffer size in frames
}

// TranscriptionConfig contains settings for the streaming transcription session
type TranscriptionConfig struct {
	WSBaseURL          string `toml:"ws_base_url"`             // WebSocket base URL of the transcription backend
	Language           string `toml:"language"`                // Primary language hint (e.g., "en")
	InterimDebounceMs  int    `toml:"interim_debounce_ms"`     // Minimum spacing between interim callbacks in milliseconds
	FinalWaitTimeoutMs int    `toml:"final_wait_timeout_ms"`   // How long Close waits for the final transcript before giving up
	ConnectTimeoutSecs int    `toml:"connect_timeout_seconds"` // Dial timeout for the session connection
	MaxRetries         int    `toml:"max_retries"`             // Maximum number of connection dial attempts
}

// ProvidersConfig contains provider failover settings
type ProvidersConfig struct {
	OpenAIBaseURL      string `toml:"openai_api_base_url"`     // Optional OpenAI base URL override (e.g., for proxies)
	OpenAIModel        string `toml:"openai_model"`            // Default OpenAI chat model
	GeminiModel        string `toml:"gemini_model"`            // Default Gemini chat model
	OllamaBaseURL      string `toml:"ollama_base_url"`         // Local fallback base URL (e.g., http://localhost:11434)
	OllamaModel        string `toml:"ollama_model"`            // Local fallback model name
	CooldownSecs       int    `toml:"cooldown_seconds"`        // How long a rate-limited profile is excluded from rotation
	RequestTimeoutSecs int    `toml:"request_timeout_seconds"` // Per-attempt request timeout
}

// KeySourceConfig contains credential distribution settings
type KeySourceConfig struct {
	URL          string `toml:"url"`             // Endpoint serving the provider credential set ("" = static keys below)
	RefreshSecs  int    `toml:"refresh_seconds"` // Cache TTL before the credential set is re-fetched
	OpenAIAPIKey string `toml:"openai_api_key"`  // Static OpenAI key used when no distribution endpoint is configured
	GeminiAPIKey string `toml:"gemini_api_key"`  // Static Gemini key used when no distribution endpoint is configured
}

// Load reads the configuration from the given path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback tries the preferred path first, then the default locations
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Storage.SQLiteBasePath == "" {
		c.Storage.SQLiteBasePath = "data"
	}
	if c.Storage.MaxTranscripts <= 0 {
		c.Storage.MaxTranscripts = 500
	}

	if c.Audio.TargetSampleRate == 0 {
		c.Audio.TargetSampleRate = 16000
	}
	if c.Audio.TargetSampleRate < 0 {
		return fmt.Errorf("invalid target sample rate: %d", c.Audio.TargetSampleRate)
	}
	if c.Audio.ChunkMs <= 0 {
		c.Audio.ChunkMs = 100
	}
	if c.Audio.VADThreshold == 0 {
		c.Audio.VADThreshold = 0.02
	}
	if c.Audio.VADThreshold < 0 || c.Audio.VADThreshold > 1 {
		return fmt.Errorf("invalid vad_threshold: %f (must be 0.0-1.0)", c.Audio.VADThreshold)
	}
	if c.Audio.FramesPerBuffer <= 0 {
		c.Audio.FramesPerBuffer = 1024
	}

	if c.Transcription.WSBaseURL == "" {
		return fmt.Errorf("transcription ws_base_url is required")
	}
	if c.Transcription.InterimDebounceMs <= 0 {
		c.Transcription.InterimDebounceMs = 200
	}
	if c.Transcription.FinalWaitTimeoutMs <= 0 {
		c.Transcription.FinalWaitTimeoutMs = 3000
	}
	if c.Transcription.ConnectTimeoutSecs <= 0 {
		c.Transcription.ConnectTimeoutSecs = 10
	}
	if c.Transcription.MaxRetries <= 0 {
		c.Transcription.MaxRetries = 3
	}

	if c.Providers.OpenAIModel == "" {
		c.Providers.OpenAIModel = "gpt-4o-mini"
	}
	if c.Providers.GeminiModel == "" {
		c.Providers.GeminiModel = "gemini-2.0-flash"
	}
	if c.Providers.OllamaBaseURL == "" {
		c.Providers.OllamaBaseURL = "http://localhost:11434"
	}
	if c.Providers.OllamaModel == "" {
		c.Providers.OllamaModel = "llama3.2"
	}
	if c.Providers.CooldownSecs <= 0 {
		c.Providers.CooldownSecs = 60
	}
	if c.Providers.RequestTimeoutSecs <= 0 {
		c.Providers.RequestTimeoutSecs = 30
	}

	if c.KeySource.RefreshSecs <= 0 {
		c.KeySource.RefreshSecs = 300
	}
	if c.KeySource.URL == "" && c.KeySource.OpenAIAPIKey == "" && c.KeySource.GeminiAPIKey == "" {
		fmt.Printf("WARN: No provider credentials configured - completion features will be limited to the local fallback\n")
	}

	return nil
}
