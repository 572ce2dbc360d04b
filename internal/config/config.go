// Package config provides the configuration schema, loader, hot-reload watcher
// and model provider registry for the Calli concierge server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// MemoryBackend selects where guest profiles and chat history are stored.
type MemoryBackend string

const (
	// MemoryPostgres stores profiles and history in PostgreSQL.
	MemoryPostgres MemoryBackend = "postgres"

	// MemorySQLite stores profiles and history in a local SQLite file.
	MemorySQLite MemoryBackend = "sqlite"

	// MemoryFile stores guestProfiles.json and chatMemory.json in the data dir.
	MemoryFile MemoryBackend = "file"

	// MemoryInMemory keeps everything in process memory.
	MemoryInMemory MemoryBackend = "memory"
)

// IsValid reports whether b is a recognised memory backend.
func (b MemoryBackend) IsValid() bool {
	switch b {
	case MemoryPostgres, MemorySQLite, MemoryFile, MemoryInMemory:
		return true
	}
	return false
}

// Config is the root configuration structure for Calli.
// It is loaded from a YAML file with [Load] or [LoadFromReader] and then
// overridden from the environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Memory    MemoryConfig    `yaml:"memory"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Persona   PersonaConfig   `yaml:"persona"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	// The PORT environment variable overrides it.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// CORSOrigins lists allowed browser origins. Empty allows every origin.
	CORSOrigins []string `yaml:"cors_origins"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LLMConfig selects and configures the chat-completion backend. Name is used
// to look up the constructor in the [Registry].
type LLMConfig struct {
	// Name selects the provider ("openai", "anthropic", "ollama", ...).
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. OPENAI_API_KEY overrides it
	// for the openai provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the model. OPENAI_MODEL overrides it.
	Model string `yaml:"model"`

	// API selects the OpenAI endpoint family: "responses" or "chat".
	API string `yaml:"api"`

	// Temperature in [0, 2]. Zero uses the provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// Timeout bounds a single completion request.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// MemoryConfig holds guest memory storage settings.
type MemoryConfig struct {
	// Backend defaults to postgres when PostgresDSN is set, file otherwise.
	Backend MemoryBackend `yaml:"backend"`

	// PostgresDSN is the connection string. DATABASE_URL overrides it.
	PostgresDSN string `yaml:"postgres_dsn"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// DataDir holds the JSON files of the file backend and the default
	// knowledge file.
	DataDir string `yaml:"data_dir"`

	// HistoryCap bounds the stored conversation tail per guest.
	HistoryCap int `yaml:"history_cap"`
}

// KnowledgeConfig holds knowledge retrieval settings.
type KnowledgeConfig struct {
	// Path is the urlKnowledge.json file.
	Path string `yaml:"path"`

	// StaticText is curated knowledge included in every prompt.
	StaticText string `yaml:"static_text"`

	// StaticFile is read into StaticText at startup when set.
	StaticFile string `yaml:"static_file"`

	TopN   int    `yaml:"top_n"`
	Budget int    `yaml:"budget"`
	Brand  string `yaml:"brand"`

	// Watch reloads the knowledge file when it changes on disk.
	Watch bool `yaml:"watch"`

	// FetchMentionedURLs fetches pages for URLs guests paste into chat.
	FetchMentionedURLs bool `yaml:"fetch_mentioned_urls"`

	// MaxURLsPerMessage caps the mentioned URLs fetched per message.
	MaxURLsPerMessage int `yaml:"max_urls_per_message"`
}

// CrawlerConfig configures the website crawler.
type CrawlerConfig struct {
	SeedURL    string        `yaml:"seed_url"`
	Domain     string        `yaml:"domain"`
	MaxPages   int           `yaml:"max_pages"`
	Delay      time.Duration `yaml:"delay"`
	MinText    int           `yaml:"min_text"`
	MaxContent int           `yaml:"max_content"`
	UserAgent  string        `yaml:"user_agent"`

	// Schedule is a standard five-field cron expression. When set, the server
	// re-crawls on that schedule.
	Schedule string `yaml:"schedule"`

	// AllowPrivateNetworks lets the crawler connect to loopback and private
	// addresses. Leave it off unless the site is served from an internal
	// network.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

// PersonaConfig configures the fixed prompt instructions.
type PersonaConfig struct {
	// Text replaces the built-in persona when set.
	Text string `yaml:"text"`

	// File is read into Text at startup when set.
	File string `yaml:"file"`

	AssistantName    string `yaml:"assistant_name"`
	DefaultGuestName string `yaml:"default_guest_name"`

	// Timezone is the IANA zone of the guest-facing local time.
	// LOCAL_TIMEZONE overrides it.
	Timezone string `yaml:"timezone"`

	// TimezoneLabel names the local time in the prompt (e.g., "SLT").
	TimezoneLabel string `yaml:"timezone_label"`
}
