// Package app wires all Calli subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New opens the memory and knowledge
// stores and builds the chat pipeline, Run serves HTTP and the background
// jobs (knowledge file watch, scheduled crawl, config hot-reload), and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options
// (WithProfileBackend, WithHistoryStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/callidora/calli/internal/chat"
	"github.com/callidora/calli/internal/config"
	"github.com/callidora/calli/internal/crawler"
	"github.com/callidora/calli/internal/health"
	"github.com/callidora/calli/internal/hotctx"
	"github.com/callidora/calli/internal/observe"
	"github.com/callidora/calli/pkg/knowledge"
	"github.com/callidora/calli/pkg/memory"
	"github.com/callidora/calli/pkg/memory/file"
	"github.com/callidora/calli/pkg/memory/postgres"
	"github.com/callidora/calli/pkg/memory/sqlite"
	"github.com/callidora/calli/pkg/provider/llm"
)

// Providers holds the model provider built by main.go via the config
// registry.
type Providers struct {
	LLM llm.Provider

	// LLMName labels the provider in metrics and logs.
	LLMName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	configPath string
	levelVar   *slog.LevelVar
	logger     *slog.Logger
	metrics    *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	profiles  memory.ProfileBackend
	history   memory.HistoryStore
	memory    *memory.Store
	knowledge *knowledge.FileStore
	crawler   *crawler.Crawler
	assembler *hotctx.Assembler
	chat      *chat.Service
	checkers  []health.Checker
	handler   http.Handler

	// crawlMu prevents overlapping crawls.
	crawlMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProfileBackend injects a profile backend instead of opening the
// configured one.
func WithProfileBackend(b memory.ProfileBackend) Option {
	return func(a *App) { a.profiles = b }
}

// WithHistoryStore injects a history store instead of opening the configured
// one.
func WithHistoryStore(h memory.HistoryStore) Option {
	return func(a *App) { a.history = h }
}

// WithKnowledgeStore injects a knowledge store instead of opening
// knowledge.path.
func WithKnowledgeStore(s *knowledge.FileStore) Option {
	return func(a *App) { a.knowledge = s }
}

// WithCrawler injects a crawler instead of building one from config.
func WithCrawler(c *crawler.Crawler) Option {
	return func(a *App) { a.crawler = c }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level variable behind the process logger so
// config reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithConfigPath enables hot-reload of the config file at path during Run.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.providers.LLMName == "" {
		a.providers.LLMName = cfg.LLM.Name
	}

	// ── 1. Memory ────────────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Knowledge ─────────────────────────────────────────────────────
	if err := a.initKnowledge(); err != nil {
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	// ── 3. Crawler ───────────────────────────────────────────────────────
	if a.crawler == nil {
		a.crawler = NewCrawler(cfg.Crawler, a.logger)
	}

	// ── 4. Hot context assembler ─────────────────────────────────────────
	if err := a.initAssembler(); err != nil {
		return nil, fmt.Errorf("app: init assembler: %w", err)
	}

	// ── 5. Chat service ──────────────────────────────────────────────────
	persona, err := BuildPersona(cfg.Persona)
	if err != nil {
		return nil, fmt.Errorf("app: persona: %w", err)
	}
	a.chat = chat.NewService(providers.LLM, a.memory, a.assembler,
		chat.WithHistory(a.history),
		chat.WithPersona(persona),
		chat.WithProviderName(a.providers.LLMName),
		chat.WithSampling(cfg.LLM.Temperature, cfg.LLM.MaxTokens),
		chat.WithMetrics(a.metrics),
		chat.WithLogger(a.logger),
	)

	// ── 6. HTTP routes ───────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory opens the configured profile and history backends unless both
// were injected.
func (a *App) initMemory(ctx context.Context) error {
	mc := a.cfg.Memory
	if a.profiles == nil || a.history == nil {
		switch mc.Backend {
		case config.MemoryPostgres:
			store, err := postgres.NewStore(ctx, mc.PostgresDSN, postgres.WithHistoryCap(mc.HistoryCap))
			if err != nil {
				return err
			}
			a.closers = append(a.closers, store.Close)
			a.checkers = append(a.checkers, health.Checker{Name: "memory", Check: store.Ping})
			a.setMemory(store, store.History())

		case config.MemorySQLite:
			if err := os.MkdirAll(filepath.Dir(mc.SQLitePath), 0o755); err != nil {
				return fmt.Errorf("create sqlite dir: %w", err)
			}
			store, err := sqlite.Open(ctx, mc.SQLitePath, mc.HistoryCap)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, store.Close)
			a.checkers = append(a.checkers, health.Checker{Name: "memory", Check: store.Ping})
			a.setMemory(store, store.History())

		case config.MemoryFile:
			if err := os.MkdirAll(mc.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			profiles, err := file.OpenProfiles(filepath.Join(mc.DataDir, file.ProfilesFileName))
			if err != nil {
				return err
			}
			hist, err := file.OpenHistory(filepath.Join(mc.DataDir, file.HistoryFileName), mc.HistoryCap)
			if err != nil {
				return err
			}
			a.setMemory(profiles, hist)

		case config.MemoryInMemory:
			a.setMemory(memory.NewMemProfiles(), memory.NewMemHistory(mc.HistoryCap))

		default:
			return fmt.Errorf("unknown memory backend %q", mc.Backend)
		}
	}

	a.memory = memory.NewStore(a.profiles)
	a.logger.Info("memory ready", "backend", mc.Backend, "history_cap", mc.HistoryCap)
	return nil
}

// setMemory fills whichever of profiles and history was not injected.
func (a *App) setMemory(profiles memory.ProfileBackend, history memory.HistoryStore) {
	if a.profiles == nil {
		a.profiles = profiles
	}
	if a.history == nil {
		a.history = history
	}
}

// initKnowledge opens the knowledge file and registers its readiness check.
func (a *App) initKnowledge() error {
	if a.knowledge == nil {
		if dir := filepath.Dir(a.cfg.Knowledge.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create knowledge dir: %w", err)
			}
		}
		store, err := knowledge.OpenFileStore(a.cfg.Knowledge.Path)
		if err != nil {
			return err
		}
		a.knowledge = store
	}
	a.checkers = append(a.checkers, health.Checker{
		Name:     "knowledge",
		Optional: true,
		Check: func(context.Context) error {
			if a.knowledge.Len() == 0 {
				return errors.New("knowledge store is empty; run `calli crawl`")
			}
			return nil
		},
	})
	a.metrics.KnowledgeDocuments.Record(context.Background(), int64(a.knowledge.Len()))
	a.logger.Info("knowledge ready", "path", a.knowledge.Path(), "documents", a.knowledge.Len())
	return nil
}

func (a *App) initAssembler() error {
	static, err := LoadStaticKnowledge(a.cfg.Knowledge)
	if err != nil {
		return err
	}
	opts := []hotctx.Option{
		hotctx.WithHistory(a.history),
		hotctx.WithKnowledge(a.knowledge, retriever(a.cfg.Knowledge)),
		hotctx.WithStaticKnowledge(static),
		hotctx.WithMaxTurns(a.cfg.Memory.HistoryCap),
		hotctx.WithLogger(a.logger),
	}
	if a.cfg.Knowledge.FetchMentionedURLs {
		pf := hotctx.NewPreFetcher(a.crawler, a.knowledge, a.cfg.Knowledge.MaxURLsPerMessage, a.logger)
		opts = append(opts, hotctx.WithPreFetcher(pf))
	}
	a.assembler = hotctx.NewAssembler(a.memory, opts...)
	return nil
}

// routes builds the HTTP router.
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(a.cfg.Server.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		ExposedHeaders: []string{observe.CorrelationHeader},
		MaxAge:         300,
	}))
	r.Use(observe.Middleware(a.metrics, a.logger))

	chat.NewHandler(a.chat, a.logger).Register(r)
	health.New(a.checkers...).Register(r)
	r.Method(http.MethodGet, "/metrics", observe.MetricsHandler())
	return r
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the chat API.
func (a *App) Handler() http.Handler { return a.handler }

// Chat returns the chat service.
func (a *App) Chat() *chat.Service { return a.chat }

// Knowledge returns the knowledge store.
func (a *App) Knowledge() *knowledge.FileStore { return a.knowledge }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on server.listen_addr and runs the background jobs until
// ctx is cancelled. It then stops the server gracefully and returns
// ctx.Err(), or the listener error if serving failed.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	// ── Knowledge file watch ─────────────────────────────────────────────
	if a.cfg.Knowledge.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.knowledge.Watch(ctx, a.logger, func(err error) {
				if err == nil {
					a.metrics.KnowledgeDocuments.Record(ctx, int64(a.knowledge.Len()))
				}
			})
			if err != nil {
				a.logger.Warn("knowledge watch stopped", "err", err)
			}
		}()
	}

	// ── Scheduled crawl ──────────────────────────────────────────────────
	if schedule := a.cfg.Crawler.Schedule; schedule != "" {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := c.AddFunc(schedule, func() {
			if _, err := a.Crawl(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("scheduled crawl failed", "err", err)
			}
		}); err != nil {
			return fmt.Errorf("app: schedule crawl: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		a.logger.Info("crawl scheduled", "schedule", schedule)
	}

	// ── Config hot-reload ────────────────────────────────────────────────
	if a.configPath != "" {
		if _, err := os.Stat(a.configPath); err == nil {
			w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
			if err != nil {
				a.logger.Warn("config hot-reload disabled", "path", a.configPath, "err", err)
			} else {
				defer w.Stop()
			}
		}
	}

	// ── HTTP server ──────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		serveErr <- err
	}()
	a.logger.Info("server listening", "addr", a.cfg.Server.ListenAddr)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("app: serve: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown error", "err", err)
	}

	cancel()
	wg.Wait()
	return runErr
}

// Crawl runs one crawl and merges the result into the knowledge store.
// Overlapping calls wait for the running crawl to finish.
func (a *App) Crawl(ctx context.Context) (crawler.Stats, error) {
	a.crawlMu.Lock()
	defer a.crawlMu.Unlock()

	stats, err := a.crawler.Run(ctx, a.knowledge)
	a.metrics.RecordCrawl(ctx, stats.Captured, stats.Skipped, stats.Failed)
	a.metrics.KnowledgeDocuments.Record(ctx, int64(a.knowledge.Len()))
	if err != nil {
		return stats, fmt.Errorf("app: crawl: %w", err)
	}
	return stats, nil
}

// ApplyConfig applies the hot-reloadable parts of newCfg: log level,
// persona, retrieval settings and static knowledge. Changes that need a
// restart are logged.
func (a *App) ApplyConfig(oldCfg, newCfg *config.Config) {
	d := config.Diff(oldCfg, newCfg)
	if d.IsZero() {
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged {
		if p, err := BuildPersona(newCfg.Persona); err != nil {
			a.logger.Warn("persona reload failed, keeping previous persona", "err", err)
		} else {
			a.chat.SetPersona(p)
			a.logger.Info("persona reloaded")
		}
	}
	if d.RetrievalChanged {
		a.assembler.SetRetriever(retriever(newCfg.Knowledge))
		a.logger.Info("retrieval settings reloaded",
			"top_n", newCfg.Knowledge.TopN,
			"budget", newCfg.Knowledge.Budget,
		)
	}
	if d.StaticKnowledgeChanged {
		if text, err := LoadStaticKnowledge(newCfg.Knowledge); err != nil {
			a.logger.Warn("static knowledge reload failed", "err", err)
		} else {
			a.assembler.SetStaticKnowledge(text)
			a.logger.Info("static knowledge reloaded")
		}
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// BuildPersona converts the persona config into a [hotctx.Persona], reading
// persona.file when set.
func BuildPersona(pc config.PersonaConfig) (hotctx.Persona, error) {
	text := pc.Text
	if pc.File != "" {
		b, err := os.ReadFile(pc.File)
		if err != nil {
			return hotctx.Persona{}, fmt.Errorf("read persona file: %w", err)
		}
		text = string(b)
	}
	loc := time.UTC
	if pc.Timezone != "" {
		l, err := time.LoadLocation(pc.Timezone)
		if err != nil {
			return hotctx.Persona{}, fmt.Errorf("load timezone %q: %w", pc.Timezone, err)
		}
		loc = l
	}
	return hotctx.Persona{
		Text:             text,
		AssistantName:    pc.AssistantName,
		DefaultGuestName: pc.DefaultGuestName,
		Timezone:         loc,
		TimezoneLabel:    pc.TimezoneLabel,
	}, nil
}

// LoadStaticKnowledge returns the curated knowledge text: static_text
// followed by the contents of static_file.
func LoadStaticKnowledge(kc config.KnowledgeConfig) (string, error) {
	parts := []string{strings.TrimSpace(kc.StaticText)}
	if kc.StaticFile != "" {
		b, err := os.ReadFile(kc.StaticFile)
		if err != nil {
			return "", fmt.Errorf("read static knowledge: %w", err)
		}
		parts = append(parts, strings.TrimSpace(string(b)))
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")), nil
}

func retriever(kc config.KnowledgeConfig) knowledge.Retriever {
	return knowledge.Retriever{TopN: kc.TopN, Budget: kc.Budget, Brand: kc.Brand}
}

// NewCrawler builds a crawler from the crawler config section.
func NewCrawler(cc config.CrawlerConfig, logger *slog.Logger) *crawler.Crawler {
	opts := []crawler.Option{
		crawler.WithSeedURL(cc.SeedURL),
		crawler.WithDomain(cc.Domain),
		crawler.WithMaxPages(cc.MaxPages),
		crawler.WithDelay(cc.Delay),
		crawler.WithMinText(cc.MinText),
		crawler.WithMaxContent(cc.MaxContent),
		crawler.WithPrivateNetworks(cc.AllowPrivateNetworks),
		crawler.WithLogger(logger),
	}
	if cc.UserAgent != "" {
		opts = append(opts, crawler.WithUserAgent(cc.UserAgent))
	}
	return crawler.New(opts...)
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
