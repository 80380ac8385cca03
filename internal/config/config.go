package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	speechmodel "github.com/edumind/backend/internal/model/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Models    ModelsConfig
	Speech    speechmodel.Config
	Store     StoreConfig
	Knowledge KnowledgeConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	models, err := loadModelsConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	knowledgeEnabled, err := parseBoolEnv("KNOWLEDGE_ENABLED", true)
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Models:    models,
		Speech:    speech,
		Store:     store,
		Knowledge: KnowledgeConfig{Enabled: knowledgeEnabled},
		Log:       logCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8000" 或 "127.0.0.1:8000"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StoreDriver 会话记录的存储后端
type StoreDriver string

const (
	StoreMemory StoreDriver = "memory"
	StoreSQLite StoreDriver = "sqlite"
)

// StoreConfig 描述会话记录存储。
type StoreConfig struct {
	Driver     StoreDriver
	SQLitePath string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := StoreDriver(strings.ToLower(getEnvOrDefault("STORE_DRIVER", string(StoreMemory))))
	switch driver {
	case StoreMemory, StoreSQLite:
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q", driver)
	}
	return StoreConfig{
		Driver:     driver,
		SQLitePath: getEnvOrDefault("SQLITE_PATH", "edumind.db"),
	}, nil
}

// KnowledgeConfig 描述知识库开关。
type KnowledgeConfig struct {
	Enabled bool
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level zerolog.Level
	// Console 为 true 时输出便于阅读的彩色日志，否则输出 JSON。
	Console bool
}

func loadLogConfig() (LogConfig, error) {
	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", raw, err)
		}
		level = parsed
	}
	env := strings.ToLower(getEnvOrDefault("APP_ENV", "development"))
	return LogConfig{Level: level, Console: env == "development"}, nil
}

func loadSpeechConfig() (speechmodel.Config, error) {
	sampleRate, err := parseOptionalIntEnv("SPEECH_SAMPLE_RATE")
	if err != nil {
		return speechmodel.Config{}, err
	}
	stopTimeout, err := parseDurationSecondsEnv("SPEECH_STOP_TIMEOUT", 10*time.Second)
	if err != nil {
		return speechmodel.Config{}, err
	}
	concurrent, err := parseBoolEnv("SPEECH_CONCURRENT_MODE", false)
	if err != nil {
		return speechmodel.Config{}, err
	}

	cfg := speechmodel.Config{
		Format:      getEnvOrDefault("SPEECH_FORMAT", "pcm"),
		Language:    getEnvOrDefault("SPEECH_ASR_LANGUAGE", "zh-CN"),
		StopTimeout: stopTimeout,
		DashScope: speechmodel.DashScopeConfig{
			APIKey: strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")),
			URL:    getEnvOrDefault("DASHSCOPE_ASR_URL", ""),
			Model:  getEnvOrDefault("DASHSCOPE_ASR_MODEL", ""),
		},
		Volcengine: speechmodel.VolcengineConfig{
			AppID:          strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
			AccessToken:    strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN")),
			URL:            getEnvOrDefault("SPEECH_ASR_URL", ""),
			ConcurrentMode: concurrent,
		},
	}
	if sampleRate != nil {
		cfg.SampleRate = *sampleRate
	}

	provider := speechmodel.Provider(strings.ToLower(strings.TrimSpace(os.Getenv("SPEECH_PROVIDER"))))
	switch provider {
	case speechmodel.ProviderDashScope, speechmodel.ProviderVolcengine:
	case speechmodel.ProviderNone:
		// 未显式指定时按已提供的凭证推断
		if cfg.DashScope.APIKey != "" {
			provider = speechmodel.ProviderDashScope
		} else if cfg.Volcengine.AppID != "" && cfg.Volcengine.AccessToken != "" {
			provider = speechmodel.ProviderVolcengine
		}
	default:
		return speechmodel.Config{}, fmt.Errorf("invalid SPEECH_PROVIDER value %q", provider)
	}
	cfg.Provider = provider

	return cfg, nil
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

// parseDurationSecondsEnv 读取以秒为单位的整数。
func parseDurationSecondsEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	seconds, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if seconds == nil {
		return defaultValue, nil
	}
	if *seconds < 0 {
		return 0, fmt.Errorf("invalid %s value %d: must not be negative", key, *seconds)
	}
	return time.Duration(*seconds) * time.Second, nil
}
