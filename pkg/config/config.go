// Package config loads the layered runtime configuration: built-in
// defaults, then "<data>/config.json" (camelCase keys), then environment
// variable overrides of the form OXIBOT_<SECTION>__<FIELD>.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"

	"github.com/sipeed/oxibot/pkg/utils"
)

// TelegramConfig configures the Telegram long-poll adapter (spec.md §4.8.a).
type TelegramConfig struct {
	BotToken     string   `json:"botToken" env:"BOT_TOKEN"`
	AllowedUsers []string `json:"allowedUsers" env:"ALLOWED_USERS"`
	Transcribe   bool     `json:"transcribe" env:"TRANSCRIBE"`
}

// DiscordConfig configures the Discord Gateway v10 adapter (spec.md §4.8.b).
type DiscordConfig struct {
	BotToken     string   `json:"botToken" env:"BOT_TOKEN"`
	AllowedUsers []string `json:"allowedUsers" env:"ALLOWED_USERS"`
}

// SlackDMConfig configures direct-message access policy for Slack.
type SlackDMConfig struct {
	Enabled   bool     `json:"enabled" env:"ENABLED"`
	Policy    string   `json:"policy" env:"POLICY"`
	AllowFrom []string `json:"allowFrom" env:"ALLOW_FROM"`
}

// SlackConfig configures the Slack Socket Mode adapter (spec.md §4.8.c).
type SlackConfig struct {
	BotToken       string        `json:"botToken" env:"BOT_TOKEN"`
	AppToken       string        `json:"appToken" env:"APP_TOKEN"`
	AllowedUsers   []string      `json:"allowedUsers" env:"ALLOWED_USERS"`
	GroupPolicy    string        `json:"groupPolicy" env:"GROUP_POLICY"`
	GroupAllowFrom []string      `json:"groupAllowFrom" env:"GROUP_ALLOW_FROM"`
	DM             SlackDMConfig `json:"dm" envPrefix:"DM__"`
}

// WhatsAppConfig configures the bridge-client adapter (spec.md §4.8.d).
type WhatsAppConfig struct {
	BridgeURL    string   `json:"bridgeUrl" env:"BRIDGE_URL"`
	AllowedUsers []string `json:"allowedUsers" env:"ALLOWED_USERS"`
}

// EmailConfig configures the IMAP/SMTP adapter (spec.md §4.8.e).
type EmailConfig struct {
	ImapHost         string   `json:"imapHost" env:"IMAP_HOST"`
	ImapPort         int      `json:"imapPort" env:"IMAP_PORT"`
	ImapUsername     string   `json:"imapUsername" env:"IMAP_USERNAME"`
	ImapPassword     string   `json:"imapPassword" env:"IMAP_PASSWORD"`
	ImapMailbox      string   `json:"imapMailbox" env:"IMAP_MAILBOX"`
	ImapUseSSL       bool     `json:"imapUseSsl" env:"IMAP_USE_SSL"`
	SmtpHost         string   `json:"smtpHost" env:"SMTP_HOST"`
	SmtpPort         int      `json:"smtpPort" env:"SMTP_PORT"`
	SmtpUsername     string   `json:"smtpUsername" env:"SMTP_USERNAME"`
	SmtpPassword     string   `json:"smtpPassword" env:"SMTP_PASSWORD"`
	SmtpUseTLS       bool     `json:"smtpUseTls" env:"SMTP_USE_TLS"`
	SmtpUseSSL       bool     `json:"smtpUseSsl" env:"SMTP_USE_SSL"`
	FromAddress      string   `json:"fromAddress" env:"FROM_ADDRESS"`
	PollIntervalSecs int      `json:"pollIntervalSeconds" env:"POLL_INTERVAL_SECONDS"`
	MarkSeen         bool     `json:"markSeen" env:"MARK_SEEN"`
	MaxBodyChars     int      `json:"maxBodyChars" env:"MAX_BODY_CHARS"`
	SubjectPrefix    string   `json:"subjectPrefix" env:"SUBJECT_PREFIX"`
	AllowedUsers     []string `json:"allowedUsers" env:"ALLOWED_USERS"`
}

// AgentDefaults configures the Agent Loop's runtime knobs (spec.md §4.5).
type AgentDefaults struct {
	Model               string `json:"model" env:"MODEL"`
	FallbackModel       string `json:"fallbackModel" env:"FALLBACK_MODEL"`
	MaxTokens           int    `json:"maxTokens" env:"MAX_TOKENS"`
	MaxToolIterations   int    `json:"maxToolIterations" env:"MAX_TOOL_ITERATIONS"`
	RestrictToWorkspace bool   `json:"restrictToWorkspace" env:"RESTRICT_TO_WORKSPACE"`
}

// AgentsConfig wraps the per-agent default knobs.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults" envPrefix:"DEFAULTS__"`
}

// AnthropicConfig configures the Claude provider.
type AnthropicConfig struct {
	APIKey string `json:"apiKey" env:"API_KEY"`
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string `json:"apiKey" env:"API_KEY"`
	APIBase string `json:"apiBase" env:"API_BASE"`
}

// OpenRouterConfig holds OpenRouter credentials. No provider is built from
// it: the fallback provider is configured from Providers.OpenAI.
type OpenRouterConfig struct {
	APIKey  string `json:"apiKey" env:"API_KEY"`
	APIBase string `json:"apiBase" env:"API_BASE"`
}

// ProvidersConfig groups all LLM provider credentials.
type ProvidersConfig struct {
	Anthropic  AnthropicConfig  `json:"anthropic" envPrefix:"ANTHROPIC__"`
	OpenAI     OpenAIConfig     `json:"openai" envPrefix:"OPENAI__"`
	OpenRouter OpenRouterConfig `json:"openRouter" envPrefix:"OPENROUTER__"`
}

// BraveConfig configures the Brave Search web tool.
type BraveConfig struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	APIKey     string `json:"apiKey" env:"API_KEY"`
	MaxResults int    `json:"maxResults" env:"MAX_RESULTS"`
}

// DuckDuckGoConfig configures the fallback web-search tool.
type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled" env:"ENABLED"`
	MaxResults int  `json:"maxResults" env:"MAX_RESULTS"`
}

// WebToolsConfig groups the web search/fetch tool settings.
type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave" envPrefix:"BRAVE__"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo" envPrefix:"DUCKDUCKGO__"`
}

// EmailToolConfig configures the optional M365-mailbox tool (distinct from
// the EmailConfig IMAP/SMTP channel adapter above).
type EmailToolConfig struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Address string `json:"address" env:"ADDRESS"`
}

// EmailAccount is one mailbox watched by pkg/email's EmailMonitor.
type EmailAccount struct {
	Label   string `json:"label"`
	Address string `json:"address"`
}

// ToolsConfig groups all tool-specific settings.
type ToolsConfig struct {
	Web   WebToolsConfig  `json:"web" envPrefix:"WEB__"`
	Email EmailToolConfig `json:"email" envPrefix:"EMAIL__"`
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"` // "console" | "json"
}

// CronConfig configures the persistent scheduler (spec.md §4.9).
type CronConfig struct {
	StorePath string `json:"storePath" env:"STORE_PATH"`
}

// HeartbeatConfig configures the periodic self-trigger (spec.md §4.10).
type HeartbeatConfig struct {
	IntervalSeconds int `json:"intervalSeconds" env:"INTERVAL_SECONDS"`
}

// Config is the root configuration object.
type Config struct {
	DataDir   string          `json:"dataDir" env:"DATA_DIR"`
	Workspace string          `json:"workspace" env:"WORKSPACE"`
	Telegram  TelegramConfig  `json:"telegram" envPrefix:"TELEGRAM__"`
	Discord   DiscordConfig   `json:"discord" envPrefix:"DISCORD__"`
	Slack     SlackConfig     `json:"slack" envPrefix:"SLACK__"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp" envPrefix:"WHATSAPP__"`
	Email     EmailConfig     `json:"email" envPrefix:"EMAIL__"`
	Agents    AgentsConfig    `json:"agents" envPrefix:"AGENTS__"`
	Providers ProvidersConfig `json:"providers" envPrefix:"PROVIDERS__"`
	Tools     ToolsConfig     `json:"tools" envPrefix:"TOOLS__"`
	Logging   LoggingConfig   `json:"logging" envPrefix:"LOGGING__"`
	Cron      CronConfig      `json:"cron" envPrefix:"CRON__"`
	Heartbeat HeartbeatConfig `json:"heartbeat" envPrefix:"HEARTBEAT__"`
}

// Defaults returns a Config populated with the runtime's built-in defaults.
func Defaults() *Config {
	return &Config{
		DataDir: utils.DataPath(),
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:               "claude-sonnet-4-5-20250929",
				FallbackModel:       "gpt-4o-mini",
				MaxTokens:           200000,
				MaxToolIterations:   20,
				RestrictToWorkspace: true,
			},
		},
		Email: EmailConfig{
			ImapMailbox:      "INBOX",
			PollIntervalSecs: 30,
			MaxBodyChars:     12000,
			SubjectPrefix:    "Re: ",
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				Brave:      BraveConfig{MaxResults: 5},
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 1800,
		},
	}
}

// Load builds the layered configuration: defaults, then "<dataDir>/config.json"
// if present, then OXIBOT_<SECTION>__<FIELD> environment overrides.
func Load() (*Config, error) {
	cfg := Defaults()

	if dataDir := os.Getenv("OXIBOT_DATA_DIR"); dataDir != "" {
		cfg.DataDir = utils.ExpandHome(dataDir)
	}

	configPath := filepath.Join(cfg.DataDir, "config.json")
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "OXIBOT_"}); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WorkspacePath returns the configured workspace root, defaulting to
// "<dataDir>/workspace".
func (c *Config) WorkspacePath() string {
	if c.Workspace != "" {
		return utils.ExpandHome(c.Workspace)
	}
	return filepath.Join(c.DataDir, "workspace")
}

// SessionsPath returns "<dataDir>/sessions".
func (c *Config) SessionsPath() string {
	return filepath.Join(c.DataDir, "sessions")
}

// CronStorePath returns the cron persistence file path.
func (c *Config) CronStorePath() string {
	if c.Cron.StorePath != "" {
		return utils.ExpandHome(c.Cron.StorePath)
	}
	return filepath.Join(c.DataDir, "cron", "jobs.json")
}

// Save persists the config as camelCase JSON to "<dataDir>/config.json".
func (c *Config) Save() error {
	dir := c.DataDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}
