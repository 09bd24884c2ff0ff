package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Storage StorageConfig
	Auth    AuthConfig
	AI      AIConfig
	Voice   VoiceConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	voice, err := loadVoiceConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Log:     loadLogConfig(),
		Storage: loadStorageConfig(),
		Auth:    auth,
		AI:      ai,
		Voice:   voice,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

// StorageConfig 描述本地持久化。DATABASE_PATH=memory 表示仅使用内存。
type StorageConfig struct {
	DatabasePath string
}

// InMemory 表示不落盘。
func (c StorageConfig) InMemory() bool {
	return c.DatabasePath == "memory"
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{DatabasePath: getEnvOrDefault("DATABASE_PATH", "zerocode.db")}
}

// DefaultSessionSecret 仅用于本地开发，生产环境必须通过 SESSION_SECRET 覆盖。
const DefaultSessionSecret = "zerocode-dev-secret"

// AuthConfig 描述账号与会话配置。
type AuthConfig struct {
	SessionSecret  string
	SeedDemoUser   bool
	SimulatedDelay bool
	// SeedProfiles 启动时写入演示账号的 profile 列表
	SeedProfiles []string
	// MaxProfiles 内存中同时保留的 profile 数量上限
	MaxProfiles int
	// ProfileIdleTTL 超过该时长未访问的 profile 会被回收，0 表示不按时间回收
	ProfileIdleTTL time.Duration
}

// UsesDefaultSecret reports whether SESSION_SECRET was left unset.
func (c AuthConfig) UsesDefaultSecret() bool {
	return c.SessionSecret == DefaultSessionSecret
}

func loadAuthConfig() (AuthConfig, error) {
	seed, err := parseBoolEnv("AUTH_SEED_DEMO_USER", true)
	if err != nil {
		return AuthConfig{}, err
	}

	delay, err := parseBoolEnv("AUTH_SIMULATED_DELAY", false)
	if err != nil {
		return AuthConfig{}, err
	}

	idle, err := parseDurationEnv("PROFILE_IDLE_TTL", 30*time.Minute)
	if err != nil {
		return AuthConfig{}, err
	}

	maxProfiles := 64
	if override, err := parseOptionalIntEnv("PROFILE_CACHE_SIZE"); err != nil {
		return AuthConfig{}, err
	} else if override != nil && *override > 0 {
		maxProfiles = *override
	}

	secret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	if secret == "" {
		secret = DefaultSessionSecret
	}

	return AuthConfig{
		SessionSecret:  secret,
		SeedDemoUser:   seed,
		SimulatedDelay: delay,
		SeedProfiles:   splitList(getEnvOrDefault("AUTH_SEED_PROFILES", "default")),
		MaxProfiles:    maxProfiles,
		ProfileIdleTTL: idle,
	}, nil
}

// AIConfig 描述大模型相关配置。Gemini 优先，其次 Ark，都没有时使用演示回复。
type AIConfig struct {
	GeminiAPIKey string
	GeminiModel  string

	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	// TurnTimeout 限制单轮回复生成时长，0 表示不限制。
	TurnTimeout time.Duration
}

// GeminiEnabled 表示是否配置了 Gemini 密钥。
func (c AIConfig) GeminiEnabled() bool {
	return c.GeminiAPIKey != ""
}

// Enabled 表示是否提供了必需的 Ark 密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
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

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	turnTimeout, err := parseDurationEnv("AI_TURN_TIMEOUT", time.Minute)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		GeminiAPIKey: strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:  getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		TurnTimeout:  turnTimeout,
	}, nil
}

// VoiceConfig 描述语音输入状态机参数。
type VoiceConfig struct {
	SilenceTimeout time.Duration
	MaxRetries     int
	Language       string
}

func loadVoiceConfig() (VoiceConfig, error) {
	silence, err := parseDurationEnv("VOICE_SILENCE_TIMEOUT", 3*time.Second)
	if err != nil {
		return VoiceConfig{}, err
	}

	retries := 3
	if override, err := parseOptionalIntEnv("VOICE_MAX_RETRIES"); err != nil {
		return VoiceConfig{}, err
	} else if override != nil {
		if *override < 0 {
			retries = 0
		} else {
			retries = *override
		}
	}

	return VoiceConfig{
		SilenceTimeout: silence,
		MaxRetries:     retries,
		Language:       getEnvOrDefault("VOICE_LANGUAGE", "en-US"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return d, nil
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
