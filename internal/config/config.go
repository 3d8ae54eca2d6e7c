package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/kelseyhightower/envconfig"

	"github.com/zhouzirui/kvtavern/internal/service/ai"
)

// Supported engine backends.
const (
	BackendFake     = "fake"
	BackendLlamaCpp = "llamacpp"
	BackendArk      = "ark"
	BackendOpenAI   = "openai"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Engine     EngineConfig
	Ark        ArkConfig
	OpenAI     OpenAIConfig
	Generation GenerationConfig
	Session    SessionConfig
	RateLimit  RateLimitConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Addr 解析服务器监听地址，允许 "8000"、":8000" 或 "127.0.0.1:8000"。
func (c ServerConfig) Addr() (string, error) {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8000"
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	return ":" + port, nil
}

// LogConfig 描述日志配置。
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// EngineConfig 选择推理后端及其并行度。
type EngineConfig struct {
	Backend         string        `envconfig:"ENGINE_BACKEND" default:"fake"`
	Parallel        int           `envconfig:"ENGINE_PARALLEL" default:"5"`
	LlamaCppURL     string        `envconfig:"LLAMACPP_URL" default:"http://127.0.0.1:8080"`
	LlamaCppTimeout time.Duration `envconfig:"LLAMACPP_TIMEOUT" default:"60s"`
	LlamaCppRetries int           `envconfig:"LLAMACPP_RETRIES" default:"2"`
}

// ArkConfig 描述火山方舟模型配置。
type ArkConfig struct {
	APIKey    string `envconfig:"ARK_API_KEY"`
	AccessKey string `envconfig:"ARK_ACCESS_KEY"`
	SecretKey string `envconfig:"ARK_SECRET_KEY"`
	Model     string `envconfig:"ARK_MODEL"`
	BaseURL   string `envconfig:"ARK_BASE_URL" default:"https://ark.cn-beijing.volces.com/api/v3"`
	Region    string `envconfig:"ARK_REGION" default:"cn-beijing"`
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。采样参数由每次生成请求携带。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY and ARK_MODEL, or an AK/SK pair")
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:   c.BaseURL,
		Region:    c.Region,
		APIKey:    c.APIKey,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Model:     c.Model,
	})
}

// OpenAIConfig 描述 OpenAI 兼容的 completions 服务。
type OpenAIConfig struct {
	BaseURL string `envconfig:"OPENAI_BASE_URL"`
	APIKey  string `envconfig:"OPENAI_API_KEY"`
	Model   string `envconfig:"OPENAI_MODEL"`
}

// GenerationConfig 描述每次回复的生成参数。
type GenerationConfig struct {
	MaxTokens   int      `envconfig:"GEN_MAX_TOKENS" default:"200"`
	Temperature float64  `envconfig:"GEN_TEMPERATURE" default:"0.7"`
	Stop        StopList `envconfig:"GEN_STOP"`
}

// StopList is a comma separated list of stop sequences. The escapes \n, \t
// and \, are expanded so line breaks can be written in a .env file.
type StopList []string

// Decode implements envconfig.Decoder.
func (s *StopList) Decode(value string) error {
	if value == "" {
		*s = nil
		return nil
	}

	var (
		out     []string
		current strings.Builder
		escaped bool
	)
	for _, r := range value {
		if escaped {
			switch r {
			case 'n':
				current.WriteByte('\n')
			case 't':
				current.WriteByte('\t')
			case ',', '\\':
				current.WriteRune(r)
			default:
				return fmt.Errorf("unsupported escape \\%c in stop list", r)
			}
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case ',':
			if current.Len() > 0 {
				out = append(out, current.String())
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped {
		return fmt.Errorf("dangling escape in stop list %q", value)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	*s = out
	return nil
}

// SessionConfig 描述会话与提示词配置。
type SessionConfig struct {
	SystemPrompt    string        `envconfig:"SYSTEM_PROMPT"`
	PromptPreset    string        `envconfig:"PROMPT_PRESET" default:"assistant"`
	PromptFile      string        `envconfig:"PROMPT_FILE"`
	MaxSessions     int           `envconfig:"SESSION_MAX" default:"0"`
	IdleTimeout     time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"0s"`
	JanitorInterval time.Duration `envconfig:"SESSION_JANITOR_INTERVAL" default:"1m"`
}

// Template 构建会话使用的提示词模板：PROMPT_FILE 优先，否则使用预设，
// SYSTEM_PROMPT 覆盖其中的系统提示词。
func (c SessionConfig) Template() (*ai.Template, error) {
	var (
		tmpl *ai.Template
		err  error
	)
	if c.PromptFile != "" {
		tmpl, err = ai.LoadTemplateFile(c.PromptFile)
	} else {
		tmpl, err = ai.Preset(c.PromptPreset)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(c.SystemPrompt) == "" {
		return tmpl, nil
	}
	return tmpl.WithSystemPrompt(c.SystemPrompt)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if _, err := c.Server.Addr(); err != nil {
		return err
	}

	switch c.Engine.Backend {
	case BackendFake, BackendLlamaCpp:
	case BackendArk:
		if !c.Ark.Enabled() {
			return fmt.Errorf("ENGINE_BACKEND=ark requires ARK_MODEL and ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY")
		}
	case BackendOpenAI:
		if c.OpenAI.Model == "" {
			return fmt.Errorf("ENGINE_BACKEND=openai requires OPENAI_MODEL")
		}
	default:
		return fmt.Errorf("unknown ENGINE_BACKEND %q", c.Engine.Backend)
	}

	if c.Engine.Parallel < 1 {
		return fmt.Errorf("ENGINE_PARALLEL must be at least 1, got %d", c.Engine.Parallel)
	}
	if c.Generation.MaxTokens < 1 {
		return fmt.Errorf("GEN_MAX_TOKENS must be positive, got %d", c.Generation.MaxTokens)
	}
	if c.Generation.Temperature < 0 {
		return fmt.Errorf("GEN_TEMPERATURE must not be negative, got %v", c.Generation.Temperature)
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("SESSION_MAX must not be negative, got %d", c.Session.MaxSessions)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond < 1 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}
