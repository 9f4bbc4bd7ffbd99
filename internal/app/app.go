// Package app wires configuration into a running engine: one scoring
// backend, one resolved head, one analyzer, and optionally the artifact
// store and the HTTP surface. Construction happens exactly once; every
// component shares the same read-only scorer handle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kestlerbio/epilens/internal/analysis"
	"github.com/kestlerbio/epilens/internal/config"
	"github.com/kestlerbio/epilens/internal/faults"
	"github.com/kestlerbio/epilens/internal/httpapi"
	"github.com/kestlerbio/epilens/internal/observability"
	"github.com/kestlerbio/epilens/internal/platform/logger"
	"github.com/kestlerbio/epilens/internal/scoring"
	"github.com/kestlerbio/epilens/internal/scoring/mock"
	"github.com/kestlerbio/epilens/internal/scoring/ort"
	"github.com/kestlerbio/epilens/internal/scoring/remote"
	"github.com/kestlerbio/epilens/internal/scoring/scorecache"
	"github.com/kestlerbio/epilens/internal/store"
)

// Core is everything an entrypoint needs short of an HTTP server. The CLI
// uses a Core directly; the server wraps one.
type Core struct {
	Config   *config.Config
	Log      *logger.Logger
	Scorer   scoring.Scorer
	Head     scoring.Head
	Analyzer *analysis.Analyzer
	Store    store.Store

	closers []func() error
}

// NewCore loads config, builds the backend, resolves the head, and wires
// the analyzer. Config and head problems surface here, before any unit
// work can start.
func NewCore(ctx context.Context) (*Core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	c := &Core{Config: cfg, Log: log}

	if shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "epilens",
		Environment: cfg.Env,
	}); shutdown != nil {
		c.closers = append(c.closers, func() error { return shutdown(context.Background()) })
	}

	scorer, err := c.buildScorer()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Scorer = scorer

	head, err := scoring.ResolveHead(ctx, c.Scorer, cfg.Backend.Head)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Head = head

	if cfg.Store.DSN != "" {
		db, err := store.Open(cfg.Store.DSN, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Store = store.New(db, log)
	}

	c.Analyzer = analysis.New(c.Scorer, head, log, analysis.Options{
		Steps:                cfg.Analysis.Steps,
		Substitution:         cfg.Analysis.SubstitutionSymbol[0],
		ParatopeTopK:         cfg.Analysis.ParatopeTopK,
		EpitopeTopK:          cfg.Analysis.EpitopeTopK,
		BlendingAlpha:        cfg.Analysis.BlendingAlpha,
		ContactThreshold:     cfg.Analysis.ContactDistanceThreshold,
		MinStructureIdentity: cfg.Analysis.MinStructureIdentity,
		Workers:              cfg.Analysis.Workers,
		UnitTimeout:          cfg.Analysis.UnitTimeout.Duration,
	})
	c.Analyzer.Store = c.Store

	log.Info("engine ready",
		"backend", cfg.Backend.Type, "head", string(head),
		"workers", cfg.Analysis.Workers, "store", cfg.Store.DSN != "",
		"cache", cfg.Cache.Enabled)
	return c, nil
}

// buildScorer constructs the configured backend. The set is closed and was
// validated at config load; an unknown type here is a programming error.
func (c *Core) buildScorer() (scoring.Scorer, error) {
	cfg := c.Config
	var (
		inner     scoring.Scorer
		backendID string
	)
	switch cfg.Backend.Type {
	case "mock":
		inner = mock.New()
		backendID = "mock"
	case "remote":
		cl, err := remote.New(cfg.Backend)
		if err != nil {
			return nil, err
		}
		inner = cl
		backendID = "remote:" + cfg.Backend.BaseURL
	case "ort":
		b, err := ort.New(cfg.Backend)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, b.Close)
		inner = b
		backendID = "ort:" + cfg.Backend.ScorerModelPath
	default:
		return nil, faults.Config("app.backend", "unsupported backend type %q", cfg.Backend.Type)
	}

	if !cfg.Cache.Enabled {
		return inner, nil
	}
	cache, err := scorecache.New(inner, c.Log, cfg.Cache, backendID)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, cache.Close)
	return cache, nil
}

func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && c.Log != nil {
			c.Log.Warn("close failed", "error", err)
		}
	}
	if c.Log != nil {
		c.Log.Sync()
	}
}

// App is the HTTP deployment of a Core.
type App struct {
	Core   *Core
	server *http.Server
}

func New(ctx context.Context) (*App, error) {
	core, err := NewCore(ctx)
	if err != nil {
		return nil, err
	}
	h := httpapi.NewHandler(core.Analyzer, core.Store, core.Log)
	router := httpapi.NewRouter(core.Config.HTTP, core.Log, h)
	return &App{
		Core:   core,
		server: httpapi.NewServer(core.Config.HTTP, router),
	}, nil
}

// Run serves until ctx is cancelled, then drains within the configured
// shutdown budget.
func (a *App) Run(ctx context.Context) error {
	a.Core.Log.Info("http server listening", "addr", a.server.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Core.Config.HTTP.ShutdownTimeout.Duration)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
		a.Core.Close()
		return nil
	case err := <-errCh:
		a.Core.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
