package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"castbot/internal/assetcache"
	"castbot/internal/broadcast"
	"castbot/internal/channel"
	"castbot/internal/config"
	"castbot/internal/dedup"
	"castbot/internal/dispatch"
	"castbot/internal/enroll"
	"castbot/internal/eventbus"
	"castbot/internal/housekeeping"
	"castbot/internal/observability/opsserver"
	"castbot/internal/pipeline"
	"castbot/internal/recipient"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	"castbot/internal/transport"
	telegram "castbot/internal/transport/telegram/adapter"
	logx "castbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	root  logx.Logger // untagged; each component adds its own comp
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	registry  *channel.Registry
	ledger    *dedup.Ledger
	policy    *dispatch.Policy
	broadcast *broadcast.Service
	assets    assetcache.Cache
	pipe      *pipeline.Pipeline
	enroll    *enroll.Handler
	ops       *opsserver.Service
	hk        *housekeeping.Service

	pipeCfg pipelineSettings
	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tcfg, bootLog)
	if err != nil {
		return nil, err
	}
	return newApp(context.Background(), cfgm, cfg, ad)
}

func newApp(ctx context.Context, cfgm *config.Manager, cfg *config.Config, ad transport.Adapter) (*App, error) {
	// logx.New applies immediately; bootstrap with the Telegram sink off so
	// Apply does not warn before the log chat is set.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, root := logx.New(baseLogCfg, ad)
	log := root.With(logx.String("comp", "app"))
	if chatID, _ := logChatID(cfg); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(mapLoggingConfig(cfg))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a, err := build(ctx, cfg, store, ad, bus, logSvc, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, store storage.Store, ad transport.Adapter, bus eventbus.Bus, logSvc *logx.Service, root logx.Logger) (*App, error) {
	pc, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	window, err := mapDedupWindow(cfg)
	if err != nil {
		return nil, err
	}
	rules, err := mapDispatchRules(cfg)
	if err != nil {
		return nil, err
	}
	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	acfg, err := mapAssetCacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	hcfg, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return nil, err
	}

	registry := channel.NewRegistry(store, root)
	if err := provisionChannels(ctx, registry, cfg); err != nil {
		return nil, err
	}

	assets, err := assetcache.Open(ctx, acfg, store, root.With(logx.String("comp", "assetcache")))
	if err != nil {
		return nil, err
	}

	ledger := dedup.New(store, window)
	policy := dispatch.New(rules)
	pruner := recipient.NewPruner(store, bus, root)
	bc := broadcast.New(bcfg, ad, pruner, bus, root)

	pipe, err := pipeline.New(pipeline.Deps{
		Classifier:  channel.NewClassifier(registry),
		Ledger:      ledger,
		Policy:      policy,
		Resolver:    recipient.NewResolver(store),
		Broadcaster: bc,
		Assets:      assets,
		Bus:         bus,
		Log:         root,
	})
	if err != nil {
		_ = assets.Close()
		return nil, err
	}

	a := &App{
		log:       root.With(logx.String("comp", "app")),
		root:      root,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		registry:  registry,
		ledger:    ledger,
		policy:    policy,
		broadcast: bc,
		assets:    assets,
		pipe:      pipe,
		enroll:    enroll.New(store, ad, root),
		hk:        housekeeping.New(hcfg, store, bc, root),
		pipeCfg:   pc,
		updates:   make(chan transport.Update, pc.buffer),
	}
	a.ops = opsserver.New(ocfg, a.health, root)
	return a, nil
}

func provisionChannels(ctx context.Context, reg *channel.Registry, cfg *config.Config) error {
	regs, err := mapChannels(cfg)
	if err != nil {
		return err
	}
	for _, r := range regs {
		if err := reg.Provision(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() (bool, map[string]any) {
	ok := a.sup != nil && a.sup.Context().Err() == nil
	detail := map[string]any{
		"queue_len":      a.broadcast.QueueLen(),
		"updates_len":    len(a.updates),
		"dedup_window":   a.ledger.Window().String(),
		"bus_dropped":    a.bus.Dropped(),
		"log_tg_dropped": a.logs.Dropped(),
	}
	if a.sup != nil {
		c := a.sup.Counters()
		detail["goroutines_active"] = c.Active
		detail["goroutine_panics"] = c.Panics
	}
	return ok, detail
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validateConfig(cfg)
		})
	}

	// Detached so Stop, not the run context, decides when queued jobs are abandoned.
	a.broadcast.Start(context.WithoutCancel(a.sup.Context()))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go0("pipeline.serve", func(c context.Context) {
		a.pipe.Serve(c, a.updates, a.pipeCfg.workers, a.pipeCfg.eventTimeout, a.enroll)
	})

	if err := a.hk.Start(a.sup.Context()); err != nil {
		return err
	}
	a.ops.Start(a.sup.Context())

	audit, unsubAudit := a.bus.Subscribe(256)
	a.sup.Go0("audit.record", func(c context.Context) {
		defer unsubAudit()
		recordAudit(c, a.store, audit, a.root.With(logx.String("comp", "audit")))
	})

	// Debug-level event trace; components also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.Int("pipeline_workers", a.pipeCfg.workers),
		logx.Duration("dedup_window", a.ledger.Window()),
	)
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.applyConfig(c, newCfg, sections)

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// applyConfig pushes the hot-reloadable sections into the live components.
// The config has already passed validateConfig.
func (a *App) applyConfig(c context.Context, cfg *config.Config, sections []string) {
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.Strings("sections", restart))
	}

	// Set the log target before Apply so an enabled Telegram sink does not warn.
	chatID, _ := logChatID(cfg)
	a.logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(cfg))

	if w, err := mapDedupWindow(cfg); err == nil {
		a.ledger.SetWindow(w)
	}
	if r, err := mapDispatchRules(cfg); err == nil {
		a.policy.SetRules(r)
	}
	if bc, err := mapBroadcastConfig(cfg); err == nil {
		a.broadcast.Apply(bc)
	}
	if oc, err := mapOpsConfig(cfg); err == nil {
		a.ops.Reconfigure(c, oc)
	}
	if hc, err := mapHousekeepingConfig(cfg); err == nil {
		if err := a.hk.Apply(c, hc); err != nil {
			a.log.Warn("housekeeping apply failed; keeping previous", logx.Err(err))
		}
	}
	for _, s := range sections {
		if s == "channels" {
			if err := provisionChannels(c, a.registry, cfg); err != nil {
				a.log.Warn("channel provisioning failed", logx.Err(err))
			}
			break
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown step so a single component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Ingress first, then the broadcaster drains what was accepted.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("housekeeping", time.Second, func(c context.Context) error { a.hk.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("broadcast", 5*time.Second, func(c context.Context) error { a.broadcast.Stop(c); return nil })

	// Wait for supervised goroutines (pipeline, audit, config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("assetcache", time.Second, func(context.Context) error { return a.assets.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
