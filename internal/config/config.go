// Package config centralizes every environment-driven setting. Values are
// read once at construction and threaded explicitly; no other package
// consults the environment at runtime.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// RewriteMode controls the vector-search query rewrite stage.
type RewriteMode string

const (
	RewriteOff    RewriteMode = "off"
	RewriteAuto   RewriteMode = "auto"
	RewriteAlways RewriteMode = "always"
)

// LLMConfig holds credentials and model ids for the OpenAI-compatible
// endpoint.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	SmallModel     string
	EmbeddingModel string
}

// SmallModelOrDefault returns the small model when configured, falling back
// to the primary model.
func (c LLMConfig) SmallModelOrDefault() string {
	if c.SmallModel != "" {
		return c.SmallModel
	}
	return c.Model
}

// VectorSearchConfig controls SOP retrieval behavior.
type VectorSearchConfig struct {
	RewriteMode      RewriteMode
	RewriteThreshold float64
	TopK             int
}

// Config is the full runtime configuration of a docflow process.
type Config struct {
	LLM          LLMConfig
	VectorSearch VectorSearchConfig

	// SandboxURL is the base URL of the shell/python sandbox service.
	SandboxURL string
	// RunnerModule overrides the runner binary invocation (test hook).
	RunnerModule string

	VisualizationServerURL string
	NotificationChannel    string
	WorkWechatWebhookURL   string

	// IntegrationTestMode is one of real, mock, mock_then_real.
	IntegrationTestMode string

	// DocsRoot is the SOP corpus directory.
	DocsRoot string
	// DataRoot is the working directory holding jobs/, traces/, schedules/.
	DataRoot string
}

// Load builds a Config from the process environment (and an optional config
// file discovered by viper). Defaults mirror the documented env surface.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("OPENAI_API_BASE", "https://api.openai.com/v1")
	v.SetDefault("OPENAI_MODEL", "gpt-4o")
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("SOP_VECTOR_SEARCH_QUERY_REWRITE_MODE", string(RewriteAuto))
	v.SetDefault("SOP_VECTOR_SEARCH_QUERY_REWRITE_THRESHOLD", 0.5)
	v.SetDefault("SOP_VECTOR_SEARCH_TOP_K", 5)
	v.SetDefault("DOCFLOW_DOCS_ROOT", "sop_docs")
	v.SetDefault("DOCFLOW_DATA_ROOT", ".")
	v.SetDefault("INTEGRATION_TEST_MODE", "real")

	cfg := &Config{
		LLM: LLMConfig{
			APIKey:         v.GetString("OPENAI_API_KEY"),
			BaseURL:        strings.TrimRight(v.GetString("OPENAI_API_BASE"), "/"),
			Model:          v.GetString("OPENAI_MODEL"),
			SmallModel:     v.GetString("OPENAI_SMALL_MODEL"),
			EmbeddingModel: v.GetString("EMBEDDING_MODEL"),
		},
		VectorSearch: VectorSearchConfig{
			RewriteMode:      RewriteMode(v.GetString("SOP_VECTOR_SEARCH_QUERY_REWRITE_MODE")),
			RewriteThreshold: v.GetFloat64("SOP_VECTOR_SEARCH_QUERY_REWRITE_THRESHOLD"),
			TopK:             v.GetInt("SOP_VECTOR_SEARCH_TOP_K"),
		},
		SandboxURL:             firstNonEmpty(v.GetString("WORKSPACE_SANDBOX_URL"), v.GetString("DEFAULT_WORKSPACE_SANDBOX_URL")),
		RunnerModule:           v.GetString("ORCHESTRATOR_RUNNER_MODULE"),
		VisualizationServerURL: v.GetString("VISUALIZATION_SERVER_URL"),
		NotificationChannel:    v.GetString("NOTIFICATION_CHANNEL"),
		WorkWechatWebhookURL:   v.GetString("WORK_WECHAT_WEBHOOK_URL"),
		IntegrationTestMode:    v.GetString("INTEGRATION_TEST_MODE"),
		DocsRoot:               v.GetString("DOCFLOW_DOCS_ROOT"),
		DataRoot:               v.GetString("DOCFLOW_DATA_ROOT"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.VectorSearch.RewriteMode {
	case RewriteOff, RewriteAuto, RewriteAlways:
	default:
		return fmt.Errorf("config: invalid rewrite mode %q", c.VectorSearch.RewriteMode)
	}
	if t := c.VectorSearch.RewriteThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: rewrite threshold %v outside [0,1]", t)
	}
	switch c.IntegrationTestMode {
	case "real", "mock", "mock_then_real":
	default:
		return fmt.Errorf("config: invalid integration test mode %q", c.IntegrationTestMode)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
