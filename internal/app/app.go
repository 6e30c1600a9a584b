// Package app assembles the process-wide singletons (design notes §9): one
// Store, one Embedder, one MemoryService, one AuxiliaryStore, one
// ScreenMonitor, one Retention controller and one OCR Pipeline, each
// constructed once here rather than lazily behind package-level globals, and
// torn down in reverse order on graceful shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/config"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/db/sqlite"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/embedding"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/maintenance"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/memoryservice"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/ocr"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/screenmonitor"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/worker"
)

// Application owns every process-wide component and their lifecycle.
type Application struct {
	cfg *config.Config
	log zerolog.Logger

	store     *sqlite.Store
	memStore  *sqlite.MemoryStore
	auxStore  *sqlite.AuxiliaryStore
	embedder  *embedding.Embedder
	memSvc    *memoryservice.Service
	retention *maintenance.Service
	ocrPipe   *ocr.Pipeline
	monitor   *screenmonitor.Monitor
	worker    *worker.Service

	skillWatcher *skillWatcher

	cancel context.CancelFunc
}

// New constructs every process-wide singleton. Model load failure is fatal
// per spec §7.5: a caller that cannot start the embedder has no usable
// service, so New returns an error rather than silently degrading.
func New(cfg *config.Config, log zerolog.Logger) (*Application, error) {
	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: cfg.DBPath, MaxConns: 4, WALMode: true})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	memStore := sqlite.NewMemoryStore(store, log)
	auxStore := sqlite.NewAuxiliaryStore(store, log, config.SkillsSandboxDir())

	model, err := embedding.GetModel(embedding.GetDefaultModel())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load embedding model: %w", err)
	}

	embedCfg := embedding.Config{
		CacheSize: cfg.EmbeddingCacheSize,
		CacheTTL:  time.Duration(cfg.EmbeddingCacheTTLMs) * time.Millisecond,
	}
	embedder := embedding.NewEmbedder(model, embedCfg, log)
	if err := embedder.Init(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialize embedder: %w", err)
	}

	memSvc := memoryservice.New(memStore, embedder, log)
	retention := maintenance.NewService(memStore, cfg, log)

	ocrPipe, err := ocr.NewPipeline(log)
	if err != nil {
		log.Warn().Err(err).Msg("ocr pipeline unavailable, screen monitor will not start")
	}

	var monitor *screenmonitor.Monitor
	if ocrPipe != nil {
		monitor = screenmonitor.New(cfg, memSvc, ocrPipe, nil, nil, log)
	}

	watcher, err := newSkillWatcher(config.SkillsSandboxDir(), log)
	if err != nil {
		log.Warn().Err(err).Msg("skills sandbox watcher unavailable")
	}

	workerSvc := worker.New(worker.Deps{
		Config:    cfg,
		MemSvc:    memSvc,
		Aux:       auxStore,
		Embedder:  embedder,
		Retention: retention,
		Log:       log,
	})

	return &Application{
		cfg:          cfg,
		log:          log,
		store:        store,
		memStore:     memStore,
		auxStore:     auxStore,
		embedder:     embedder,
		memSvc:       memSvc,
		retention:    retention,
		ocrPipe:      ocrPipe,
		monitor:      monitor,
		worker:       workerSvc,
		skillWatcher: watcher,
	}, nil
}

// Handler returns the HTTP handler serving the mcp.v1 action surface.
func (a *Application) Handler() http.Handler {
	return a.worker.Handler()
}

// Start runs the Retention loop, ScreenMonitor and skills-sandbox watcher in
// background goroutines. It returns immediately; use Shutdown to stop them.
func (a *Application) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go a.retention.Start(runCtx)
	if a.monitor != nil {
		go a.monitor.Start(runCtx)
	}
	if a.skillWatcher != nil {
		go a.skillWatcher.run(runCtx)
	}
}

// Shutdown stops every background loop in reverse startup order, flushes the
// store's WAL, and closes the database connection.
func (a *Application) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	if a.monitor != nil {
		a.monitor.Stop()
		a.monitor.Wait()
	}
	if a.skillWatcher != nil {
		a.skillWatcher.close()
	}

	a.retention.Stop()
	a.retention.Wait()

	if err := a.memStore.Checkpoint(); err != nil {
		a.log.Warn().Err(err).Msg("checkpoint failed during shutdown")
	}
	if err := a.embedder.Close(); err != nil {
		a.log.Warn().Err(err).Msg("embedder close failed during shutdown")
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// EnsureDataDir creates the data and skills sandbox directories if absent,
// exiting the process if it cannot (there is nowhere to persist to).
func EnsureDataDir(log zerolog.Logger) {
	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
		os.Exit(1)
	}
}
