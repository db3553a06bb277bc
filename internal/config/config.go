package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
	"gorm.io/gorm/logger"
)

// Supported completion providers.
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderClaude = "claude"
)

// Config aggregates every setting of the service.
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Database  DatabaseConfig
	Chat      ChatConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Tools     ToolsConfig
	Log       LogConfig
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	db, err := loadDatabaseConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	limit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Database:  db,
		Chat:      chat,
		Auth:      loadAuthConfig(),
		RateLimit: limit,
		Tools:     loadToolsConfig(),
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

func loadServerConfig() (ServerConfig, error) {
	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown, AllowedOrigins: origins}, nil
}

// AIConfig describes the completion engine.
type AIConfig struct {
	Provider        string
	APIKey          string
	AccessKey       string
	SecretKey       string
	Model           string
	BaseURL         string
	Region          string
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	ToolsEnabled    bool
	ToolMaxSteps    int
	MetadataTimeout time.Duration
}

// Enabled reports whether enough credentials were supplied to build a model.
func (c AIConfig) Enabled() bool {
	if c.Model == "" {
		return false
	}
	if c.Provider == ProviderArk {
		return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
	}
	return c.APIKey != ""
}

// NewChatModel builds the tool-calling chat model for the configured provider.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ToolCallingChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%s credentials or model missing: set AI_API_KEY and AI_MODEL", c.Provider)
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch c.Provider {
	case ProviderArk:
		chatModel, err = newArkModel(ctx, &ark.ChatModelConfig{
			BaseURL:     c.BaseURL,
			Region:      c.Region,
			APIKey:      c.APIKey,
			AccessKey:   c.AccessKey,
			SecretKey:   c.SecretKey,
			Model:       c.Model,
			MaxTokens:   c.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
	case ProviderOpenAI:
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:      c.APIKey,
			BaseURL:     c.BaseURL,
			Model:       c.Model,
			MaxTokens:   c.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
	case ProviderGemini:
		client, clientErr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if clientErr != nil {
			return nil, fmt.Errorf("create genai client: %w", clientErr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       c.Model,
			MaxTokens:   c.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
	case ProviderClaude:
		maxTokens := 1024
		if c.MaxTokens != nil {
			maxTokens = *c.MaxTokens
		}
		var baseURL *string
		if c.BaseURL != "" {
			baseURL = &c.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      c.APIKey,
			BaseURL:     baseURL,
			Model:       c.Model,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
	default:
		return nil, fmt.Errorf("unsupported AI_PROVIDER %q", c.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", c.Provider, err)
	}
	return chatModel, nil
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", ProviderGemini))
	switch provider {
	case ProviderArk, ProviderOpenAI, ProviderGemini, ProviderClaude:
	default:
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	if temperature == nil {
		defaultTemperature := 0.7
		temperature = &defaultTemperature
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	toolsEnabled, err := parseBoolEnv("AI_TOOLS_ENABLED", true)
	if err != nil {
		return AIConfig{}, err
	}

	maxSteps := 5
	if override, err := parseOptionalIntEnv("AI_TOOL_MAX_STEPS"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		maxSteps = max(*override, 1)
	}

	metadataTimeout, err := parseDurationEnv("AI_METADATA_TIMEOUT", 15*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:        provider,
		APIKey:          strings.TrimSpace(os.Getenv("AI_API_KEY")),
		AccessKey:       strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:       strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:           getEnvOrDefault("AI_MODEL", defaultModel(provider)),
		BaseURL:         getEnvOrDefault("AI_BASE_URL", defaultBaseURL(provider)),
		Region:          getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:     temperature,
		TopP:            topP,
		MaxTokens:       maxTokens,
		ToolsEnabled:    toolsEnabled,
		ToolMaxSteps:    maxSteps,
		MetadataTimeout: metadataTimeout,
	}, nil
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderGemini:
		return "gemini-2.0-flash"
	default:
		return ""
	}
}

func defaultBaseURL(provider string) string {
	if provider == ProviderArk {
		return "https://ark.cn-beijing.volces.com/api/v3"
	}
	return ""
}

// DatabaseConfig describes the SQLite store.
type DatabaseConfig struct {
	Path     string
	LogLevel logger.LogLevel
}

func loadDatabaseConfig() (DatabaseConfig, error) {
	level := logger.Warn
	switch strings.ToLower(getEnvOrDefault("DB_LOG_LEVEL", "warn")) {
	case "silent":
		level = logger.Silent
	case "error":
		level = logger.Error
	case "warn":
		level = logger.Warn
	case "info":
		level = logger.Info
	default:
		return DatabaseConfig{}, fmt.Errorf("invalid DB_LOG_LEVEL value %q", os.Getenv("DB_LOG_LEVEL"))
	}

	return DatabaseConfig{
		Path:     getEnvOrDefault("DB_PATH", "chatstream.db"),
		LogLevel: level,
	}, nil
}

// ChatConfig tunes the turn pipeline.
type ChatConfig struct {
	HistoryWindow int
	CharDelay     time.Duration
	CommitTimeout time.Duration
}

func loadChatConfig() (ChatConfig, error) {
	window := 20
	if override, err := parseOptionalIntEnv("CHAT_HISTORY_WINDOW"); err != nil {
		return ChatConfig{}, err
	} else if override != nil {
		window = max(*override, 1)
	}

	delay, err := parseDurationEnv("STREAM_CHAR_DELAY", 0)
	if err != nil {
		return ChatConfig{}, err
	}

	commitTimeout, err := parseDurationEnv("CHAT_COMMIT_TIMEOUT", 10*time.Second)
	if err != nil {
		return ChatConfig{}, err
	}

	return ChatConfig{
		HistoryWindow: window,
		CharDelay:     delay,
		CommitTimeout: commitTimeout,
	}, nil
}

// AuthConfig configures the trusted-proxy authenticator.
type AuthConfig struct {
	UserHeader   string
	EmailHeader  string
	NameHeader   string
	SecretHeader string
	SharedSecret string
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		UserHeader:   getEnvOrDefault("AUTH_USER_HEADER", "X-Auth-User-Id"),
		EmailHeader:  getEnvOrDefault("AUTH_EMAIL_HEADER", "X-Auth-Email"),
		NameHeader:   getEnvOrDefault("AUTH_NAME_HEADER", "X-Auth-Name"),
		SecretHeader: getEnvOrDefault("AUTH_SECRET_HEADER", "X-Auth-Secret"),
		SharedSecret: strings.TrimSpace(os.Getenv("AUTH_SHARED_SECRET")),
	}
}

// RateLimitConfig throttles send-turn requests per user.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	rps := 1.0
	if override, err := parseOptionalFloatEnv("RATE_LIMIT_RPS"); err != nil {
		return RateLimitConfig{}, err
	} else if override != nil {
		rps = *override
	}

	burst := 5
	if override, err := parseOptionalIntEnv("RATE_LIMIT_BURST"); err != nil {
		return RateLimitConfig{}, err
	} else if override != nil {
		burst = max(*override, 1)
	}

	return RateLimitConfig{RPS: rps, Burst: burst}, nil
}

// ToolsConfig holds credentials of the third-party APIs behind model tools.
type ToolsConfig struct {
	WeatherAPIKey string
	StockAPIKey   string
	HTTPTimeout   time.Duration
}

func loadToolsConfig() ToolsConfig {
	return ToolsConfig{
		WeatherAPIKey: strings.TrimSpace(os.Getenv("OPENWEATHER_API_KEY")),
		StockAPIKey:   strings.TrimSpace(os.Getenv("ALPHAVANTAGE_API_KEY")),
		HTTPTimeout:   10 * time.Second,
	}
}

// LogConfig selects the zap logger setup.
type LogConfig struct {
	Level  string
	Format string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
