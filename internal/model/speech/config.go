package speech

import "time"

// Provider 语音识别服务提供方
type Provider string

const (
	ProviderNone       Provider = ""
	ProviderDashScope  Provider = "dashscope"
	ProviderVolcengine Provider = "volcengine"
)

// Config 语音识别配置
type Config struct {
	Provider   Provider `json:"provider"`
	Format     string   `json:"format"`     // pcm
	SampleRate int      `json:"sampleRate"` // 16000
	Language   string   `json:"language"`   // zh-CN

	// StopTimeout bounds how long Stop waits for the final result.
	StopTimeout time.Duration `json:"stopTimeout"`

	DashScope  DashScopeConfig  `json:"dashscope"`
	Volcengine VolcengineConfig `json:"volcengine"`
}

// DashScopeConfig 阿里云百炼 paraformer 实时识别配置
type DashScopeConfig struct {
	APIKey string `json:"-"`
	URL    string `json:"url"`
	Model  string `json:"model"` // paraformer-realtime-v1
}

// VolcengineConfig 火山引擎大模型流式识别配置
type VolcengineConfig struct {
	AppID          string `json:"appId"`
	AccessToken    string `json:"-"`
	URL            string `json:"url"`
	ConcurrentMode bool   `json:"concurrentMode"` // ASR并发模式（false为小时版）
}

// Configured reports whether a recognizer can be built from c.
func (c Config) Configured() bool {
	switch c.Provider {
	case ProviderDashScope:
		return c.DashScope.APIKey != ""
	case ProviderVolcengine:
		return c.Volcengine.AppID != "" && c.Volcengine.AccessToken != ""
	default:
		return false
	}
}
