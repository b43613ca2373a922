// Package app wires every ttscache subsystem into a single running
// application. App.New performs all initialization synchronously — catalog
// open, HotIndex load, integrity reconciliation, provider construction — and
// returns a server-state record that Run serves from and Shutdown tears
// down, replacing the module-level globals the original system used with
// one explicitly-constructed owner.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/ttscache/internal/catalog"
	"github.com/MrWong99/ttscache/internal/config"
	"github.com/MrWong99/ttscache/internal/evictor"
	"github.com/MrWong99/ttscache/internal/fillers"
	"github.com/MrWong99/ttscache/internal/hotindex"
	"github.com/MrWong99/ttscache/internal/httpapi"
	"github.com/MrWong99/ttscache/internal/integrity"
	"github.com/MrWong99/ttscache/internal/mapping"
	"github.com/MrWong99/ttscache/internal/normalize"
	"github.com/MrWong99/ttscache/internal/observe"
	"github.com/MrWong99/ttscache/internal/orchestrator"
	"github.com/MrWong99/ttscache/internal/pipeline"
	"github.com/MrWong99/ttscache/internal/store"
	"github.com/MrWong99/ttscache/pkg/transcode"
	"github.com/MrWong99/ttscache/pkg/ttsprovider"
	"github.com/MrWong99/ttscache/pkg/ttsprovider/edge"
	"github.com/MrWong99/ttscache/pkg/ttsprovider/litellm"
)

// fillerGenerationTimeout bounds the best-effort startup filler seeding pass.
const fillerGenerationTimeout = 30 * time.Second

// App owns every subsystem's lifetime.
type App struct {
	cfg *config.Config

	cat       *catalog.Catalog
	hot       *hotindex.HotIndex
	store     *store.Store
	evictor   *evictor.Evictor
	providers *orchestrator.FallbackGroup
	pipeline  *pipeline.Pipeline
	fillerMgr *fillers.Manager
	metrics   *observe.Metrics

	metricsShutdown func(context.Context) error
	httpServer      *http.Server

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New wires every subsystem from cfg and returns a ready-to-run App. It
// opens the catalog, loads the HotIndex, reconciles catalog/filesystem
// state, builds the provider fallback chain, and — if configured — seeds
// filler audio, all before returning.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	cat, err := catalog.Open(cfg.Cache.DBPath)
	if err != nil {
		return nil, fmt.Errorf("app: open catalog: %w", err)
	}
	a.cat = cat

	a.hot = hotindex.New(cfg.Cache.VarietyDepth)
	if err := a.loadHotIndex(ctx); err != nil {
		return nil, err
	}

	if err := a.reconcile(ctx); err != nil {
		return nil, err
	}

	normConfig := buildNormalizeConfig(cfg.Cache.Normalize)
	fuzzyConfig := store.FuzzyConfig{
		Enabled:   cfg.Cache.Fuzzy.Enabled,
		Threshold: cfg.Cache.Fuzzy.Threshold,
		Scorer:    cfg.Cache.Fuzzy.Scorer,
	}
	a.store = store.New(a.hot, a.cat, cfg.Cache.AudioDir, cfg.Cache.VarietyDepth, normConfig, fuzzyConfig)

	a.evictor = evictor.New(a.cat, evictor.Config{
		MaxEntries: cfg.Cache.Eviction.MaxEntries,
		MinAgeDays: cfg.Cache.Eviction.MinAgeDays,
	})

	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build providers: %w", err)
	}
	a.providers = providers

	metrics, shutdown, err := initMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics
	a.metricsShutdown = shutdown

	a.pipeline = pipeline.New(a.store, a.hot, a.providers, &transcode.Transcoder{}, a.evictor, a.metrics, pipeline.Config{
		CacheDisabled:          !cfg.Cache.Enabled,
		MaxTextLength:          cfg.Cache.Eviction.MaxTextLength,
		VarietyDepth:           cfg.Cache.VarietyDepth,
		WriteEvictionThreshold: pipeline.DefaultWriteEvictionThreshold,
	})

	a.fillerMgr = fillers.NewManager(a.store, a.providers, fillers.WithTemplates(filterTemplates(cfg.Fillers.Templates)))
	if cfg.Fillers.AutoGenerateOnStartup {
		a.seedFillers(ctx)
	}

	a.cleanupInterval = time.Duration(cfg.Cache.Eviction.CleanupIntervalHours) * time.Hour
	a.stopCleanup = make(chan struct{})

	apiServer := httpapi.New(a.pipeline, a.cat, a.hot, a.fillerMgr, a.providers, cfg.Cache.AudioDir, a.metrics)
	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: apiServer,
	}

	return a, nil
}

func (a *App) loadHotIndex(ctx context.Context) error {
	entries, err := a.cat.GetAllEntries(ctx)
	if err != nil {
		return fmt.Errorf("app: load catalog entries: %w", err)
	}
	rows := make([]hotindex.Row, len(entries))
	for i, e := range entries {
		rows[i] = hotindex.Row{Fingerprint: e.TextNormalized, VoiceID: e.VoiceID, Path: e.AudioPath}
	}
	a.hot.Load(rows)
	return nil
}

func (a *App) reconcile(ctx context.Context) error {
	report, err := integrity.Reconcile(ctx, a.cat, a.hot, a.cfg.Cache.AudioDir)
	if err != nil {
		return fmt.Errorf("app: reconcile catalog: %w", err)
	}
	slog.Info("startup reconciliation complete",
		"orphan_rows_removed", report.OrphanRowsRemoved,
		"orphan_files_removed", report.OrphanFilesRemoved)
	return nil
}

// seedFillers generates missing filler audio with a bounded, best-effort
// timeout: exceeding the budget logs a warning and lets startup continue.
func (a *App) seedFillers(ctx context.Context) {
	seedCtx, cancel := context.WithTimeout(ctx, fillerGenerationTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		results, err := a.fillerMgr.GenerateFillers(seedCtx, a.cfg.Fillers.VoiceID)
		if err != nil {
			slog.Warn("startup filler generation failed", "error", err)
			return
		}
		slog.Info("startup filler generation complete", "count", len(results))
	}()

	select {
	case <-done:
	case <-seedCtx.Done():
		slog.Warn("startup filler generation exceeded its budget, continuing startup", "timeout", fillerGenerationTimeout)
	}
}

// Run starts the HTTP server and the periodic cleanup ticker (if
// configured), blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("ttscache listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	if a.cleanupInterval > 0 {
		go a.cleanupLoop(ctx)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// cleanupLoop runs the evictor on a fixed interval, independent of the
// request pipeline's write-pressure trigger.
func (a *App) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCleanup:
			return
		case <-ticker.C:
			removed, err := a.evictor.Run(ctx, a.hot)
			if err != nil {
				slog.Warn("periodic eviction failed", "error", err)
				continue
			}
			if removed > 0 && a.metrics != nil {
				a.metrics.RecordEviction(ctx, "cold", int64(removed))
			}
		}
	}
}

// Shutdown tears down every subsystem. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		close(a.stopCleanup)

		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "error", err)
			shutdownErr = err
		}
		if a.metricsShutdown != nil {
			if err := a.metricsShutdown(ctx); err != nil {
				slog.Warn("metrics shutdown error", "error", err)
			}
		}
		if err := a.cat.Close(); err != nil {
			slog.Warn("catalog close error", "error", err)
			shutdownErr = err
		}
	})
	return shutdownErr
}

// buildNormalizeConfig translates the configuration's normalization knobs
// into normalize.Config. Diacritic folding has no independent config knob —
// it always accompanies Turkish-aware lowercasing, matching the original
// system's single "lowercase" behavior.
func buildNormalizeConfig(cfg config.NormalizeConfig) normalize.Config {
	return normalize.Config{
		StripMarkup:        cfg.StripMinimax,
		Lowercase:          cfg.Lowercase,
		DiacriticFold:      cfg.Lowercase,
		CollapseWhitespace: cfg.CollapseWhitespace,
		StripPunctuation:   cfg.StripPunctuation,
		ReplaceNumbers:     cfg.ReplaceNumbers,
	}
}

// filterTemplates maps configured filler template ids to Templates entries;
// an empty list means "use every built-in template".
func filterTemplates(ids []string) []fillers.Template {
	if len(ids) == 0 {
		return fillers.Templates
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []fillers.Template
	for _, t := range fillers.Templates {
		if want[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// buildProviders constructs the fallback chain from cfg.Providers: the
// default provider first, then fallback_chain in order. Only "litellm" and
// "edge" are recognized provider kinds.
func buildProviders(cfg *config.Config) (*orchestrator.FallbackGroup, error) {
	resolver := mapping.NewResolver(cfg.VoiceMap, cfg.ModelMap)

	order := make([]string, 0, 1+len(cfg.Providers.FallbackChain))
	seen := map[string]bool{}
	if cfg.Providers.Default != "" {
		order = append(order, cfg.Providers.Default)
		seen[cfg.Providers.Default] = true
	}
	for _, name := range cfg.Providers.FallbackChain {
		if !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}

	entries := make([]orchestrator.Entry, 0, len(order))
	for _, name := range order {
		entry, ok := cfg.Providers.Named[name]
		if !ok {
			return nil, fmt.Errorf("app: provider %q referenced but not configured", name)
		}

		inner, err := buildProvider(name, entry)
		if err != nil {
			return nil, err
		}

		entries = append(entries, orchestrator.Entry{
			Name:     name,
			Provider: mapping.Provider{Name: name, Inner: inner, Resolver: resolver},
		})
	}

	return orchestrator.New(entries, orchestrator.Config{}), nil
}

func buildProvider(name string, entry config.ProviderEntry) (ttsprovider.Provider, error) {
	timeout := time.Duration(entry.TimeoutSeconds) * time.Second

	switch name {
	case "litellm":
		opts := []litellm.Option{}
		if entry.BaseURL != "" {
			opts = append(opts, litellm.WithBaseURL(entry.BaseURL))
		}
		if entry.DefaultVoice != "" {
			opts = append(opts, litellm.WithDefaultVoice(entry.DefaultVoice))
		}
		if timeout > 0 {
			opts = append(opts, litellm.WithTimeout(timeout))
		}
		return litellm.New(entry.APIKey, opts...)
	case "edge":
		opts := []edge.Option{}
		if entry.DefaultVoice != "" {
			opts = append(opts, edge.WithDefaultVoice(entry.DefaultVoice))
		}
		if timeout > 0 {
			opts = append(opts, edge.WithTimeout(timeout))
		}
		return edge.New(entry.BaseURL, opts...), nil
	default:
		return nil, fmt.Errorf("app: unrecognized provider kind %q", name)
	}
}

// initMetrics wires OpenTelemetry metrics and the Prometheus bridge.
func initMetrics(ctx context.Context) (*observe.Metrics, func(context.Context) error, error) {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "ttscache",
		ServiceVersion: "dev",
	})
	if err != nil {
		return nil, nil, err
	}
	return observe.DefaultMetrics(), shutdown, nil
}
