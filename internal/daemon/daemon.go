// Package daemon assembles the capture pipeline and delivery layer and
// owns their lifecycle: watch, debounce, enrich, store, aggregate,
// link, serve.
package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pulsed/internal/aggregate"
	"pulsed/internal/classify"
	"pulsed/internal/clio"
	"pulsed/internal/config"
	"pulsed/internal/debounce"
	"pulsed/internal/enrich"
	"pulsed/internal/health"
	"pulsed/internal/link"
	"pulsed/internal/logging"
	"pulsed/internal/metrics"
	"pulsed/internal/server"
	"pulsed/internal/store"
	"pulsed/internal/watcher"
)

// Daemon is the assembled process.
type Daemon struct {
	cfg     *config.Config
	log     *logging.Logger
	reg     *metrics.Registry
	checker *health.Checker

	watcher   *watcher.Watcher
	debouncer *debounce.Debouncer
	enricher  *enrich.Enricher
	store     *store.Store
	agg       *aggregate.Aggregator
	linker    *link.Linker
	server    *server.Server

	pumpDone chan struct{}
}

// New wires every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	reg := metrics.Default()
	checker := health.NewChecker()

	st, err := store.Open(store.Options{
		Dir:           cfg.Storage.DataDir,
		TailBacklog:   cfg.Server.TailBacklog,
		MaxQueryLimit: cfg.Storage.MaxQueryLimit,
		Logger:        logger,
		Metrics:       reg,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	classifier := classify.New(classify.Options{
		Roots:        cfg.Watch.Roots,
		ExcludeGlobs: cfg.Watch.ExcludeGlobs,
		MarkerFiles:  cfg.Watch.MarkerFiles,
	})

	w := watcher.New(watcher.Options{
		Roots:       cfg.Watch.Roots,
		Classifier:  classifier,
		Settle:      cfg.SettleInterval(),
		MaxFileSize: cfg.Watch.MaxFileSize,
		Logger:      logger,
		Metrics:     reg,
	})

	deb := debounce.New(w.Out(), debounce.Options{
		Delay:        cfg.DebounceDelay(),
		DedupWindow:  cfg.DedupWindow(),
		MaxPending:   cfg.Watch.MaxPendingPaths,
		MaxDedupKeys: cfg.Watch.MaxPendingPaths,
		Logger:       logger,
		Metrics:      reg,
	})

	enr := enrich.New(deb.Out(), enrich.Options{
		Classifier:   classifier,
		Workers:      cfg.Enrich.Workers,
		MaxFileSize:  cfg.Watch.MaxFileSize,
		CacheEntries: cfg.Enrich.ContentCacheEntries,
		PreviewBytes: cfg.Enrich.ContentPreviewBytes,
		Logger:       logger,
		Metrics:      reg,
	})

	agg := aggregate.New(aggregate.Options{
		Store:      st,
		SessionGap: cfg.SessionGap(),
		Logger:     logger,
		Metrics:    reg,
	})

	pre, post, grace := cfg.LinkWindows()
	linker := link.New(link.Options{
		Store:      st,
		PreWindow:  pre,
		PostWindow: post,
		Grace:      grace,
		Logger:     logger,
		Metrics:    reg,
	})

	srv := server.New(server.Options{
		Addr:         cfg.Server.ListenAddr,
		Store:        st,
		Aggregator:   agg,
		Linker:       linker,
		Clio:         clio.New(cfg.Server.ClioURL, logger),
		Health:       checker,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		Logger:       logger,
		Metrics:      reg,
	})

	d := &Daemon{
		cfg:       cfg,
		log:       logger.WithComponent("daemon"),
		reg:       reg,
		checker:   checker,
		watcher:   w,
		debouncer: deb,
		enricher:  enr,
		store:     st,
		agg:       agg,
		linker:    linker,
		server:    srv,
		pumpDone:  make(chan struct{}),
	}
	d.registerHealth()
	return d, nil
}

func (d *Daemon) registerHealth() {
	d.checker.SetGauges(
		func() int { return d.watcher.Health().WatchedDirs },
		func() uint64 {
			var total uint64
			for name, v := range d.reg.Snapshot() {
				if strings.HasSuffix(name, "_errors_total") && v > 0 {
					total += uint64(v)
				}
			}
			return total
		},
		func() uint64 { return d.store.LastCursor() },
	)

	d.checker.Register("watcher", func() health.CheckResult {
		h := d.watcher.Health()
		status := health.StatusHealthy
		if h.WatchedDirs == 0 {
			status = health.StatusDegraded
		}
		return health.CheckResult{
			Status: status,
			Details: map[string]any{
				"roots":          h.Roots,
				"watched_dirs":   h.WatchedDirs,
				"pending_files":  h.PendingFiles,
				"errors":         h.Errors,
				"oversize_drops": h.OversizeDrops,
			},
		}
	})
	d.checker.Register("debounce", func() health.CheckResult {
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Details: map[string]any{"pending_paths": d.debouncer.PendingCount()},
		}
	})
	d.checker.Register("link", func() health.CheckResult {
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Details: map[string]any{"open_windows": d.linker.PendingCount()},
		}
	})
	d.checker.Register("aggregate", func() health.CheckResult {
		status := health.StatusHealthy
		if !d.agg.Ready() {
			status = health.StatusDegraded
		}
		return health.CheckResult{
			Status:  status,
			Details: map[string]any{"cursor": d.agg.LastCursor()},
		}
	})
}

// Start brings the pipeline up back to front, so every stage has a
// running consumer before its producer emits.
func (d *Daemon) Start() error {
	d.agg.Start()
	d.linker.Start()

	go d.pump()
	d.enricher.Start()
	d.debouncer.Start()
	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("daemon: start watcher: %w", err)
	}

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	go func() {
		if err := d.agg.WaitReady(context.Background()); err == nil {
			d.checker.SetReady(true)
			d.log.Info("warm, serving",
				"addr", d.server.Addr(),
				"cursor", d.store.LastCursor())
		}
	}()

	d.log.Info("pipeline started",
		"roots", d.cfg.Watch.Roots,
		"data_dir", d.cfg.Storage.DataDir)
	return nil
}

// pump moves completed events from enrichment into the store. It is the
// only file-event writer; prompt and terminal records come in through
// the server.
func (d *Daemon) pump() {
	defer close(d.pumpDone)

	ctx := context.Background()
	for ev := range d.enricher.Out() {
		if _, err := d.store.Append(ctx, ev.Kind, ev); err != nil {
			d.log.Error("event append failed, record dropped", "id", ev.ID, "path", ev.Path, "error", err)
		}
	}
}

// Run starts the daemon and blocks until ctx is cancelled, then shuts
// down in pipeline order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	d.log.Info("shutting down")
	return d.Shutdown()
}

// Shutdown stops intake first and drains forward: watcher, then the
// debounce buffer flushes, enrichment completes, the pump lands every
// event in the store, and only then do the readers and the store close.
// Tail clients are detached resumable: their last cursor stays valid.
func (d *Daemon) Shutdown() error {
	d.checker.SetReady(false)

	d.watcher.Stop()
	d.debouncer.Stop()
	<-d.pumpDone

	d.linker.Stop()
	d.agg.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.log.Warn("server shutdown incomplete", "error", err)
	}

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("daemon: close store: %w", err)
	}
	d.log.Info("stopped")
	return nil
}
