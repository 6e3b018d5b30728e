// Package app wires the bot together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/commands"
	"groupcast/internal/config"
	"groupcast/internal/eventbus"
	"groupcast/internal/floodguard"
	"groupcast/internal/housekeeping"
	"groupcast/internal/linker"
	"groupcast/internal/notifier"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	"groupcast/internal/transport/mtproto"
	"groupcast/internal/transport/telegram"
	logx "groupcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	adapter *telegram.Adapter
	guard   *floodguard.Guard
	pool    *mtproto.Pool
	notif   *notifier.Service
	tags    *broadcast.ProfileTags
	sched   *broadcast.Scheduler
	linker  *linker.Linker
	hk      *housekeeping.Service

	handlers *commands.Handlers
	router   *commands.Router

	updates chan transport.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := housekeeping.Validate(mapHousekeepingConfig(cfg)); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").Component("telegram")
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.MustDuration(cfg.Telegram.PollTimeout, 10*time.Second),
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)

	store, err := storage.Open(mapStorageConfig(cfg), log.Component("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store.SetDefaults(mapDefaults(cfg))

	bus := eventbus.New()
	sup := supervisor.New(context.Background(),
		supervisor.WithLogger(log.Component("app")),
		supervisor.WithCancelOnError(true),
	)

	guard := floodguard.New(mapGuardConfig(cfg), floodguard.WithLogger(log.Component("floodguard")))
	pool := mtproto.NewPool(mapAccountConfig(cfg), store, sup, log)
	driver := mtproto.NewDriver(mapAccountConfig(cfg), sup, log)

	notif := notifier.New(mapNotifierConfig(cfg), ad, log.Component("notifier"), bus, store)

	dispatcher := broadcast.NewDispatcher(broadcast.DispatcherDeps{
		Client:  pool,
		Groups:  store,
		Stats:   store,
		Content: store,
		Guard:   guard,
		Bus:     bus,
		Log:     log.Component("dispatcher"),
	})
	tags := broadcast.NewProfileTags(pool, cfg.Tags.NameMarker, cfg.Tags.BioMarker)
	sched := broadcast.NewScheduler(mapSchedulerConfig(cfg), broadcast.SchedulerDeps{
		Creds:    store,
		Users:    store,
		Content:  store,
		Runner:   dispatcher,
		Tags:     tags,
		Notifier: notif,
		Bus:      bus,
		Sup:      sup,
		Log:      log.Component("scheduler"),
	})

	lnk := linker.New(mapLinkerConfig(cfg), linker.Deps{
		Driver:    driver,
		Guard:     guard,
		Creds:     store,
		Users:     store,
		Notifier:  notif,
		Bus:       bus,
		Presenter: commands.NewPresenter(ad, cfg.Location(), log.Component("presenter")),
		Jobs:      sched,
		Sessions:  pool,
		Dispatch:  dispatcher,
		Sup:       sup,
		Log:       log.Component("linker"),
	})

	hk := housekeeping.New(mapHousekeepingConfig(cfg), housekeeping.Deps{
		Auth:     lnk,
		Accounts: store,
		Groups:   store,
		Client:   pool,
		Pruner:   store,
		Reaper:   pool,
		Guard:    guard,
		Log:      log,
	})

	handlers := commands.NewHandlers(commands.Deps{
		Linker:   lnk,
		Jobs:     sched,
		Store:    store,
		Groups:   hk,
		Tags:     tags,
		Notifier: notif,
		Log:      log,
	}, mapCommandOptions(cfg))
	router := commands.NewRouter(mapRouterConfig(cfg), ad, cfg.Telegram.OwnerUserIDs, log.Component("router"))
	router.SetRegistry(handlers.Commands(), handlers.Callbacks(), handlers.FreeText)

	return &App{
		cfgm:     cfgm,
		sup:      sup,
		log:      log.Component("app"),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		guard:    guard,
		pool:     pool,
		notif:    notif,
		tags:     tags,
		sched:    sched,
		linker:   lnk,
		hk:       hk,
		handlers: handlers,
		router:   router,
		updates:  make(chan transport.Update, 256),
	}, nil
}

// Done is closed once the app is stopping, after a fatal error or Stop.
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error { return a.sup.Err() }

func (a *App) Start(ctx context.Context) error {
	a.sup.Go0("app.parent", func(c context.Context) {
		select {
		case <-ctx.Done():
			a.sup.Cancel()
		case <-c.Done():
		}
	})

	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return housekeeping.Validate(mapHousekeepingConfig(cfg))
	})

	run := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if err := a.hk.Start(run); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

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

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("owners", len(a.cfgm.Get().Telegram.OwnerUserIDs)))
	return nil
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("broadcasts", 5*time.Second, func(c context.Context) error { a.sched.StopAll(c); return nil })
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.hk.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("accounts", 3*time.Second, func(context.Context) error { a.pool.Close(); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if snap := a.sup.Snapshot(); len(snap.Active) > 0 {
		a.log.Warn("goroutines still running after stop",
			logx.Any("names", snap.ActiveNames()), logx.Any("panics", snap.Panics))
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
