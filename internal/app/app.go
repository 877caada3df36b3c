// Package app wires configuration, logging, storage, the dispatcher, the
// trigger scheduler, and the evidence writer into one runnable daemon.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"castbot/internal/adapters/telegram"
	"castbot/internal/config"
	"castbot/internal/dispatch"
	"castbot/internal/eventbus"
	"castbot/internal/evidence"
	"castbot/internal/storage"
	"castbot/internal/trigger"
	logx "castbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	adapter  *telegram.Adapter
	disp     *dispatch.Service
	trig     *trigger.Service
	evidence *evidence.Writer

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LoggingConfig())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", storeCfg.Driver))
	}

	// The adapter is optional: without a token the daemon still runs, which is
	// how a dry-run config is exercised before any credentials exist.
	var adapter *telegram.Adapter
	tcfg, err := cfg.TelegramConfig()
	if err != nil {
		return nil, err
	}
	if tcfg.Token != "" {
		adapter, err = telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("no telegram token configured; live sends will fail")
	}

	dcfg, err := cfg.DispatchConfig()
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, dispatchAdapter(adapter), store, bus, log.With(logx.String("comp", "dispatch")))

	trigCfg, err := cfg.TriggerConfig()
	if err != nil {
		return nil, err
	}
	trig := trigger.New(trigCfg, disp, log.With(logx.String("comp", "trigger")))
	tasks, err := cfg.TriggerTasks()
	if err != nil {
		return nil, err
	}
	if err := trig.SetTasks(tasks); err != nil {
		return nil, err
	}

	ev := evidence.New(cfg.EvidenceConfig(), bus, log.With(logx.String("comp", "evidence")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  adapter,
		disp:     disp,
		trig:     trig,
		evidence: ev,
	}, nil
}

// Dispatcher exposes the dispatch service for operational surfaces.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()

	a.disp.Start(runCtx)
	a.evidence.Start(runCtx)
	if cfg != nil && cfg.Scheduler.Enabled {
		a.trig.Start(runCtx)
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	notifyReady()
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			a.applyReload(ctx, lastApplied, newCfg, sections)
			lastApplied = newCfg

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "telegram":
			a.log.Warn("telegram config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(newCfg.LoggingConfig())

	// Dispatcher config is applied live; the admission snapshot taken per
	// request picks it up on the next submit.
	if dcfg, err := newCfg.DispatchConfig(); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Any("err", err))
	} else {
		a.disp.Apply(dcfg)
	}

	trigCfg, err := newCfg.TriggerConfig()
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Any("err", err))
		return
	}
	tasks, err := newCfg.TriggerTasks()
	if err != nil {
		a.log.Warn("invalid task list; keeping previous", logx.Any("err", err))
		return
	}

	prevEnabled := oldCfg != nil && oldCfg.Scheduler.Enabled
	a.trig.Apply(trigCfg)
	if err := a.trig.SetTasks(tasks); err != nil {
		a.log.Warn("task registration failed; keeping previous", logx.Any("err", err))
	}

	switch {
	case prevEnabled && !trigCfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	case !prevEnabled && trigCfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.trig.Start(ctx)
	}

	evCfg := newCfg.EvidenceConfig()
	prevEv := oldCfg != nil && oldCfg.Evidence != nil && oldCfg.Evidence.Enabled
	switch {
	case prevEv && !evCfg.Enabled:
		a.log.Info("evidence capture disabled via config")
		a.evidence.Stop()
	case !prevEv && evCfg.Enabled:
		a.log.Info("evidence capture enabled via config")
		a.evidence = evidence.New(evCfg, a.bus, a.log.With(logx.String("comp", "evidence")))
		a.evidence.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	notifyStopping()

	if a.runCancel != nil {
		a.runCancel()
	}

	// Shutdown order: stop producing (trigger), then drain the consumer
	// (dispatcher), then the passive pieces.
	a.trig.Stop(ctx)
	a.disp.Stop(ctx)
	a.evidence.Stop()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached before background loops finished")
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
