// Copyright 2026 Loomgate Authors. All rights reserved.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the full gateway configuration document.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent" json:"agent" yaml:"agent"`
	Gateway  GatewayConfig  `mapstructure:"gateway" json:"gateway" yaml:"gateway"`
	Sessions SessionsConfig `mapstructure:"sessions" json:"sessions" yaml:"sessions"`
	Memory   MemoryConfig   `mapstructure:"memory" json:"memory" yaml:"memory"`
	Skills   SkillsConfig   `mapstructure:"skills" json:"skills" yaml:"skills"`
	Cron     CronConfig     `mapstructure:"cron" json:"cron" yaml:"cron"`
	Plugins  PluginsConfig  `mapstructure:"plugins" json:"plugins" yaml:"plugins"`
	Browser  ToggleConfig   `mapstructure:"browser" json:"browser" yaml:"browser"`
	Canvas   ToggleConfig   `mapstructure:"canvas" json:"canvas" yaml:"canvas"`
	TTS      TTSConfig      `mapstructure:"tts" json:"tts" yaml:"tts"`
	Channels ChannelsConfig `mapstructure:"channels" json:"channels" yaml:"channels"`
	Webhooks WebhooksConfig `mapstructure:"webhooks" json:"webhooks" yaml:"webhooks"`
	Tools    ToolsConfig    `mapstructure:"tools" json:"tools" yaml:"tools"`
	Database DatabaseConfig `mapstructure:"database" json:"database" yaml:"database"`
	Log      LogConfig      `mapstructure:"log" json:"log" yaml:"log"`
}

// AgentConfig seeds the provider pool and the system prompt.
type AgentConfig struct {
	SystemPrompt string           `mapstructure:"systemPrompt" json:"systemPrompt" yaml:"systemPrompt"`
	Model        string           `mapstructure:"model" json:"model" yaml:"model"`
	APIBase      string           `mapstructure:"apiBase" json:"apiBase" yaml:"apiBase"`
	APIKey       string           `mapstructure:"apiKey" json:"apiKey" yaml:"apiKey"`
	MaxTokens    int              `mapstructure:"maxTokens" json:"maxTokens" yaml:"maxTokens"`
	Temperature  float64          `mapstructure:"temperature" json:"temperature" yaml:"temperature"`
	Workdir      string           `mapstructure:"workdir" json:"workdir" yaml:"workdir"`
	Providers    []ProviderConfig `mapstructure:"providers" json:"providers" yaml:"providers"`
}

// ProviderConfig is one pool entry.
type ProviderConfig struct {
	Name        string  `mapstructure:"name" json:"name" yaml:"name"`
	APIBase     string  `mapstructure:"apiBase" json:"apiBase" yaml:"apiBase"`
	APIKey      string  `mapstructure:"apiKey" json:"apiKey" yaml:"apiKey"`
	Model       string  `mapstructure:"model" json:"model" yaml:"model"`
	MaxTokens   int     `mapstructure:"maxTokens" json:"maxTokens" yaml:"maxTokens"`
	Temperature float64 `mapstructure:"temperature" json:"temperature" yaml:"temperature"`
	Priority    int     `mapstructure:"priority" json:"priority" yaml:"priority"`
}

// GatewayConfig is the transport and auth surface.
type GatewayConfig struct {
	Host string     `mapstructure:"host" json:"host" yaml:"host"`
	Port int        `mapstructure:"port" json:"port" yaml:"port"`
	Auth AuthConfig `mapstructure:"auth" json:"auth" yaml:"auth"`
}

// AuthConfig selects bearer auth: mode "none" or "token".
type AuthConfig struct {
	Mode  string `mapstructure:"mode" json:"mode" yaml:"mode"`
	Token string `mapstructure:"token" json:"token" yaml:"token"`
}

type SessionsConfig struct {
	Directory    string `mapstructure:"directory" json:"directory" yaml:"directory"`
	ContextLimit int    `mapstructure:"contextLimit" json:"contextLimit" yaml:"contextLimit"`
}

type MemoryConfig struct {
	Directory       string          `mapstructure:"directory" json:"directory" yaml:"directory"`
	SharedDirectory string          `mapstructure:"sharedDirectory" json:"sharedDirectory" yaml:"sharedDirectory"`
	Embedding       EmbeddingConfig `mapstructure:"embedding" json:"embedding" yaml:"embedding"`
}

type EmbeddingConfig struct {
	Enabled      bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Model        string  `mapstructure:"model" json:"model" yaml:"model"`
	APIBase      string  `mapstructure:"apiBase" json:"apiBase" yaml:"apiBase"`
	APIKey       string  `mapstructure:"apiKey" json:"apiKey" yaml:"apiKey"`
	ChunkSize    int     `mapstructure:"chunkSize" json:"chunkSize" yaml:"chunkSize"`
	ChunkOverlap int     `mapstructure:"chunkOverlap" json:"chunkOverlap" yaml:"chunkOverlap"`
	VectorWeight float64 `mapstructure:"vectorWeight" json:"vectorWeight" yaml:"vectorWeight"`
	BM25Weight   float64 `mapstructure:"bm25Weight" json:"bm25Weight" yaml:"bm25Weight"`
	TopK         int     `mapstructure:"topK" json:"topK" yaml:"topK"`
}

type SkillsConfig struct {
	Directory string `mapstructure:"directory" json:"directory" yaml:"directory"`
}

type CronConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Directory string `mapstructure:"directory" json:"directory" yaml:"directory"`
}

type PluginsConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Directory string `mapstructure:"directory" json:"directory" yaml:"directory"`
}

type ToggleConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

type TTSConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	APIKey    string `mapstructure:"apiKey" json:"apiKey" yaml:"apiKey"`
	Voice     string `mapstructure:"voice" json:"voice" yaml:"voice"`
	Model     string `mapstructure:"model" json:"model" yaml:"model"`
	OutputDir string `mapstructure:"outputDir" json:"outputDir" yaml:"outputDir"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `mapstructure:"discord" json:"discord" yaml:"discord"`
}

type DiscordConfig struct {
	Enabled   bool     `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Token     string   `mapstructure:"token" json:"token" yaml:"token"`
	AllowFrom []string `mapstructure:"allowFrom" json:"allowFrom" yaml:"allowFrom"`
}

type WebhooksConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Token   string `mapstructure:"token" json:"token" yaml:"token"`
}

// ToolsConfig is the global tool policy. Deny wins; empty allow means
// every tool.
type ToolsConfig struct {
	Allow []string `mapstructure:"allow" json:"allow" yaml:"allow"`
	Deny  []string `mapstructure:"deny" json:"deny" yaml:"deny"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" json:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" json:"dsn" yaml:"dsn"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`
	Format     string `mapstructure:"format" json:"format" yaml:"format"`
	OutputPath string `mapstructure:"output_path" json:"output_path" yaml:"output_path"`
}

// PoolEntries returns the provider list, falling back to the flat
// agent-level fields when providers[] is empty.
func (c *Config) PoolEntries() []ProviderConfig {
	if len(c.Agent.Providers) > 0 {
		return c.Agent.Providers
	}
	if c.Agent.APIBase == "" {
		return nil
	}
	return []ProviderConfig{{
		Name:        "default",
		APIBase:     c.Agent.APIBase,
		APIKey:      c.Agent.APIKey,
		Model:       c.Agent.Model,
		MaxTokens:   c.Agent.MaxTokens,
		Temperature: c.Agent.Temperature,
	}}
}

// Load reads the config document at path, layered under environment
// variables with the LOOMGATE_ prefix.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("LOOMGATE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// DefaultPath resolves the config file location: $LOOMGATE_CONFIG, then
// ./config.yaml, then ~/.loomgate/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("LOOMGATE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".loomgate", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 18760)
	v.SetDefault("gateway.auth.mode", "none")

	v.SetDefault("agent.maxTokens", 8192)
	v.SetDefault("agent.temperature", 0.7)
	v.SetDefault("agent.workdir", ".")

	v.SetDefault("sessions.directory", "sessions")
	v.SetDefault("sessions.contextLimit", 128000)

	v.SetDefault("memory.directory", "memory")
	v.SetDefault("skills.directory", "skills")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "loomgate.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
