package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"

	"github.com/edumind/backend/internal/llm"
)

// Provider 模型接入方式
type Provider string

const (
	// ProviderArk 通过 eino + 火山方舟接入
	ProviderArk Provider = "ark"
	// ProviderOpenAI 通过 OpenAI 兼容接口接入（Moonshot、DeepSeek 等）
	ProviderOpenAI Provider = "openai"
)

const (
	defaultModelTimeout      = 120 * time.Second
	defaultClassifierTimeout = 15 * time.Second
	defaultReasoningBudget   = 6000
	defaultStreamBuffer      = 16
)

// ModelsConfig 描述三个模型角色。
type ModelsConfig struct {
	Classifier ModelConfig
	Reasoner   ModelConfig
	Direct     ModelConfig
	// ReasoningBudget 限制推理模型上下文的 token 数，0 表示不限制。
	ReasoningBudget int
	// StreamBuffer 是每个模型流式通道的容量，由 LLM_STREAM_BUFFER 设置。
	StreamBuffer int
}

// ModelConfig 描述一个模型角色的接入配置。
type ModelConfig struct {
	Role        string
	Provider    Provider
	APIKey      string
	AccessKey   string
	SecretKey   string
	BaseURL     string
	Region      string
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Timeout     time.Duration
	// ExtraBody 原样并入 OpenAI 兼容请求体，ark 接入忽略。
	ExtraBody  map[string]any
	BufferSize int
}

// Enabled 表示是否提供了必需的密钥。
func (c ModelConfig) Enabled() bool {
	if c.Model == "" {
		return false
	}
	if c.Provider == ProviderArk {
		return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
	}
	return c.APIKey != ""
}

// NewAdapter 按配置创建模型适配器。
func (c ModelConfig) NewAdapter(ctx context.Context) (llm.Adapter, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%s 模型凭证或模型名缺失", c.Role)
	}

	opts := []llm.Option{llm.WithTimeout(c.Timeout), llm.WithBufferSize(c.BufferSize)}

	// 返回接口前先判错，避免带类型的 nil
	switch c.Provider {
	case ProviderArk:
		chatModel, err := ark.NewChatModel(ctx, c.arkConfig())
		if err != nil {
			return nil, fmt.Errorf("%s: create ark chat model: %w", c.Role, err)
		}
		adapter, err := llm.NewEinoAdapter(ctx, c.Role, chatModel, opts...)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case ProviderOpenAI:
		if c.Temperature != nil {
			opts = append(opts, llm.WithTemperature(*c.Temperature))
		}
		if c.TopP != nil {
			opts = append(opts, llm.WithTopP(*c.TopP))
		}
		if c.MaxTokens != nil {
			opts = append(opts, llm.WithMaxTokens(*c.MaxTokens))
		}
		if len(c.ExtraBody) > 0 {
			opts = append(opts, llm.WithExtraFields(c.ExtraBody))
		}
		adapter, err := llm.NewOpenAIAdapter(c.Role, llm.OpenAIConfig{
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Model:   c.Model,
		}, opts...)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("%s: unknown provider %q", c.Role, c.Provider)
	}
}

func (c ModelConfig) arkConfig() *ark.ChatModelConfig {
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

	return &ark.ChatModelConfig{
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
}

// roleDefaults 是角色未配置时使用的默认接入点。
type roleDefaults struct {
	apiKeyEnv   string
	baseURL     string
	model       string
	timeout     time.Duration
	temperature *float64
	// extraBody 只在使用默认 baseURL 时生效
	extraBody map[string]any
}

func float64Ptr(v float64) *float64 { return &v }

// kimiNoThinking 关闭 kimi 的思考输出，直答只要正文。
func kimiNoThinking() map[string]any {
	return map[string]any{"thinking": map[string]any{"type": "disabled"}}
}

var (
	directDefaults = roleDefaults{
		apiKeyEnv:   "MOONSHOT_API_KEY",
		baseURL:     "https://api.moonshot.cn/v1",
		model:       "kimi-k2.5",
		timeout:     defaultModelTimeout,
		temperature: float64Ptr(0.6),
		extraBody:   kimiNoThinking(),
	}
	reasonerDefaults = roleDefaults{
		apiKeyEnv: "DEEPSEEK_API_KEY",
		baseURL:   "https://api.deepseek.com/v1",
		model:     "deepseek-reasoner",
		timeout:   defaultModelTimeout,
	}
	// 意图分类默认复用直答模型的接入点
	classifierDefaults = roleDefaults{
		apiKeyEnv:   "MOONSHOT_API_KEY",
		baseURL:     "https://api.moonshot.cn/v1",
		model:       "kimi-k2.5",
		timeout:     defaultClassifierTimeout,
		temperature: float64Ptr(1.0),
	}
)

func loadModelsConfig() (ModelsConfig, error) {
	classifier, err := loadModelConfig("classifier", "CLASSIFIER", classifierDefaults)
	if err != nil {
		return ModelsConfig{}, err
	}
	reasoner, err := loadModelConfig("reasoner", "REASONER", reasonerDefaults)
	if err != nil {
		return ModelsConfig{}, err
	}
	direct, err := loadModelConfig("direct", "DIRECT", directDefaults)
	if err != nil {
		return ModelsConfig{}, err
	}

	buffer := defaultStreamBuffer
	if override, err := parseOptionalIntEnv("LLM_STREAM_BUFFER"); err != nil {
		return ModelsConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return ModelsConfig{}, fmt.Errorf("invalid LLM_STREAM_BUFFER value %d: must be positive", *override)
		}
		buffer = *override
	}
	classifier.BufferSize = buffer
	reasoner.BufferSize = buffer
	direct.BufferSize = buffer

	budget := defaultReasoningBudget
	if override, err := parseOptionalIntEnv("REASONING_TOKEN_BUDGET"); err != nil {
		return ModelsConfig{}, err
	} else if override != nil {
		if *override < 0 {
			budget = 0
		} else {
			budget = *override
		}
	}

	return ModelsConfig{
		Classifier:      classifier,
		Reasoner:        reasoner,
		Direct:          direct,
		ReasoningBudget: budget,
		StreamBuffer:    buffer,
	}, nil
}

// loadModelConfig 读取 <PREFIX>_PROVIDER、<PREFIX>_API_KEY 等变量。
// ark 接入时凭证缺省读取 ARK_API_KEY / ARK_ACCESS_KEY / ARK_SECRET_KEY。
func loadModelConfig(role, prefix string, defaults roleDefaults) (ModelConfig, error) {
	env := func(name string) string { return prefix + "_" + name }

	provider := Provider(strings.ToLower(getEnvOrDefault(env("PROVIDER"), string(ProviderOpenAI))))
	if provider != ProviderArk && provider != ProviderOpenAI {
		return ModelConfig{}, fmt.Errorf("invalid %s value %q", env("PROVIDER"), provider)
	}

	temperature, err := parseOptionalFloatEnv(env("TEMPERATURE"))
	if err != nil {
		return ModelConfig{}, err
	}
	topP, err := parseOptionalFloatEnv(env("TOP_P"))
	if err != nil {
		return ModelConfig{}, err
	}
	maxTokens, err := parseOptionalIntEnv(env("MAX_TOKENS"))
	if err != nil {
		return ModelConfig{}, err
	}
	timeout, err := parseDurationSecondsEnv(env("TIMEOUT"), defaults.timeout)
	if err != nil {
		return ModelConfig{}, err
	}
	extraBody, err := parseJSONObjectEnv(env("EXTRA_BODY"))
	if err != nil {
		return ModelConfig{}, err
	}

	cfg := ModelConfig{
		Role:        role,
		Provider:    provider,
		APIKey:      strings.TrimSpace(os.Getenv(env("API_KEY"))),
		Model:       strings.TrimSpace(os.Getenv(env("MODEL"))),
		BaseURL:     strings.TrimSpace(os.Getenv(env("BASE_URL"))),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
		ExtraBody:   extraBody,
	}

	if provider == ProviderArk {
		if cfg.APIKey == "" {
			cfg.APIKey = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
		}
		cfg.AccessKey = strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY"))
		cfg.SecretKey = strings.TrimSpace(os.Getenv("ARK_SECRET_KEY"))
		cfg.Region = getEnvOrDefault("ARK_REGION", "cn-beijing")
		if cfg.BaseURL == "" {
			cfg.BaseURL = getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
		}
		return cfg, nil
	}

	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv(defaults.apiKeyEnv))
	}
	if cfg.Temperature == nil && defaults.temperature != nil {
		temperature := *defaults.temperature
		cfg.Temperature = &temperature
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.baseURL
		if cfg.ExtraBody == nil {
			cfg.ExtraBody = defaults.extraBody
		}
	}
	if cfg.Model == "" {
		cfg.Model = defaults.model
	}
	return cfg, nil
}

// parseJSONObjectEnv 读取 JSON 对象；未设置返回 nil，"{}" 返回空 map 以关闭默认值。
func parseJSONObjectEnv(key string) (map[string]any, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", key, err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}
