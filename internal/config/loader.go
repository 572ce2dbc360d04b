package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	_ "time/tzdata" // persona.timezone must resolve in minimal containers

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":3000"
	DefaultLLMProvider   = "openai"
	DefaultModel         = "gpt-4.1-mini"
	DefaultAPI           = "responses"
	DefaultLLMTimeout    = 60 * time.Second
	DefaultHistoryCap    = 20
	MaxHistoryCap        = 120
	DefaultTopN          = 4
	DefaultBudget        = 8000
	DefaultBrand         = "callidora"
	DefaultMaxURLs       = 3
	DefaultTimezone      = "America/Los_Angeles"
	DefaultTimezoneLabel = "SLT"
	DefaultSeedURL       = "https://www.callidoradesigns.com/"
	DefaultCrawlDomain   = "callidoradesigns.com"
	DefaultMaxPages      = 40
	DefaultCrawlDelay    = 300 * time.Millisecond
	DefaultMinText       = 200
	DefaultMaxContent    = 12000
)

// ValidLLMProviders lists the provider names with a built-in factory.
// [Validate] warns about names outside this list.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// keylessProviders run locally and need no API key.
var keylessProviders = []string{"ollama", "llamacpp", "llamafile"}

// LookupEnv reads one environment variable. [os.LookupEnv] satisfies it.
type LookupEnv func(key string) (string, bool)

// MapEnv returns a [LookupEnv] backed by m.
func MapEnv(m map[string]string) LookupEnv {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment and defaults, and validates the
// result. A missing file is not an error: the configuration then comes from
// the environment and defaults alone.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("config file not found, using environment and defaults", "path", path)
		return LoadFromReader(strings.NewReader(""), os.LookupEnv)
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: load %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies overrides from env and
// defaults, and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader, env LookupEnv) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if env != nil {
		ApplyEnv(cfg, env)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment variables OPENAI_API_KEY,
// OPENAI_MODEL, DATABASE_URL, LOCAL_TIMEZONE and PORT. Empty values are
// ignored.
func ApplyEnv(cfg *Config, env LookupEnv) {
	get := func(key string) string {
		v, _ := env(key)
		return strings.TrimSpace(v)
	}

	if v := get("OPENAI_API_KEY"); v != "" && (cfg.LLM.Name == "" || cfg.LLM.Name == "openai") {
		cfg.LLM.APIKey = v
	}
	if v := get("OPENAI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := get("DATABASE_URL"); v != "" {
		cfg.Memory.PostgresDSN = v
	}
	if v := get("LOCAL_TIMEZONE"); v != "" {
		cfg.Persona.Timezone = v
	}
	if v := get("PORT"); v != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	setStr := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setDur := func(p *time.Duration, v time.Duration) {
		if *p == 0 {
			*p = v
		}
	}

	setStr(&cfg.Server.ListenAddr, DefaultListenAddr)
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}

	setStr(&cfg.LLM.Name, DefaultLLMProvider)
	setStr(&cfg.LLM.Model, DefaultModel)
	if cfg.LLM.Name == "openai" {
		setStr(&cfg.LLM.API, DefaultAPI)
	}
	setDur(&cfg.LLM.Timeout, DefaultLLMTimeout)

	if cfg.Memory.Backend == "" {
		if cfg.Memory.PostgresDSN != "" {
			cfg.Memory.Backend = MemoryPostgres
		} else {
			cfg.Memory.Backend = MemoryFile
		}
	}
	setStr(&cfg.Memory.DataDir, ".")
	setStr(&cfg.Memory.SQLitePath, filepath.Join(cfg.Memory.DataDir, "calli.db"))
	setInt(&cfg.Memory.HistoryCap, DefaultHistoryCap)

	setStr(&cfg.Knowledge.Path, filepath.Join(cfg.Memory.DataDir, "urlKnowledge.json"))
	setInt(&cfg.Knowledge.TopN, DefaultTopN)
	setInt(&cfg.Knowledge.Budget, DefaultBudget)
	setStr(&cfg.Knowledge.Brand, DefaultBrand)
	setInt(&cfg.Knowledge.MaxURLsPerMessage, DefaultMaxURLs)

	setStr(&cfg.Crawler.SeedURL, DefaultSeedURL)
	setStr(&cfg.Crawler.Domain, DefaultCrawlDomain)
	setInt(&cfg.Crawler.MaxPages, DefaultMaxPages)
	setDur(&cfg.Crawler.Delay, DefaultCrawlDelay)
	setInt(&cfg.Crawler.MinText, DefaultMinText)
	setInt(&cfg.Crawler.MaxContent, DefaultMaxContent)

	setStr(&cfg.Persona.AssistantName, "Calli")
	setStr(&cfg.Persona.DefaultGuestName, "Resident")
	setStr(&cfg.Persona.Timezone, DefaultTimezone)
	setStr(&cfg.Persona.TimezoneLabel, DefaultTimezoneLabel)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// LLM
	if cfg.LLM.Name == "" {
		errs = append(errs, errors.New("llm.name is required"))
	} else if !slices.Contains(ValidLLMProviders, cfg.LLM.Name) {
		slog.Warn("unknown llm provider name; may be a typo or third-party provider",
			"name", cfg.LLM.Name,
			"known", ValidLLMProviders,
		)
	}
	if cfg.LLM.APIKey == "" && !slices.Contains(keylessProviders, cfg.LLM.Name) {
		hint := ""
		if cfg.LLM.Name == "openai" {
			hint = " (set OPENAI_API_KEY)"
		}
		errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q%s", cfg.LLM.Name, hint))
	}
	if cfg.LLM.API != "" {
		if cfg.LLM.Name != "openai" {
			errs = append(errs, fmt.Errorf("llm.api is only supported by the openai provider, not %q", cfg.LLM.Name))
		} else if cfg.LLM.API != "responses" && cfg.LLM.API != "chat" {
			errs = append(errs, fmt.Errorf("llm.api %q is invalid; valid values: responses, chat", cfg.LLM.API))
		}
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}

	// Memory
	if cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: postgres, sqlite, file, memory", cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == MemoryPostgres && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required for the postgres backend (set DATABASE_URL)"))
	}
	if cfg.Memory.HistoryCap < 0 || cfg.Memory.HistoryCap > MaxHistoryCap {
		errs = append(errs, fmt.Errorf("memory.history_cap %d must be between 0 and %d", cfg.Memory.HistoryCap, MaxHistoryCap))
	}

	// Knowledge
	if cfg.Knowledge.TopN < 0 {
		errs = append(errs, fmt.Errorf("knowledge.top_n %d must not be negative", cfg.Knowledge.TopN))
	}
	if cfg.Knowledge.Budget < 0 {
		errs = append(errs, fmt.Errorf("knowledge.budget %d must not be negative", cfg.Knowledge.Budget))
	}

	// Crawler
	if cfg.Crawler.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Crawler.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("crawler.schedule %q is invalid: %w", cfg.Crawler.Schedule, err))
		}
	}
	if cfg.Crawler.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("crawler.max_pages %d must not be negative", cfg.Crawler.MaxPages))
	}

	// Persona
	if cfg.Persona.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Persona.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("persona.timezone %q is invalid: %w", cfg.Persona.Timezone, err))
		}
	}

	return errors.Join(errs...)
}
