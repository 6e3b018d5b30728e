package app

import (
	"context"
	"strings"
	"time"

	"groupcast/internal/config"
	logx "groupcast/pkg/logx"
)

// reloadLoop applies every committed config until ctx ends. Bursts collapse
// into the newest config.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next == nil {
				continue
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply pushes the hot-reloadable sections of next into running components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	if ch.Has("logging") || ch.Has("telegram") {
		a.logs.Apply(mapLogConfig(next))
	}
	if ch.Has("floodguard") {
		a.guard.Apply(mapGuardConfig(next))
	}
	if ch.Has("auth") || ch.Has("channel") {
		a.linker.Apply(mapLinkerConfig(next))
	}
	if ch.Has("broadcast") || ch.Has("tags") {
		a.store.SetDefaults(mapDefaults(next))
		a.sched.Apply(mapSchedulerConfig(next))
		a.tags.SetMarkers(next.Tags.NameMarker, next.Tags.BioMarker)
	}
	if ch.Has("account") {
		// identity changes wait for a restart; timeouts apply to new connections
		a.pool.Apply(mapAccountConfig(next))
	}
	if ch.Has("housekeeping") || ch.Has("broadcast") {
		a.hk.Apply(mapHousekeepingConfig(next))
	}
	if ch.Has("notifier") || ch.Has("telegram") {
		a.applyNotifier(ctx, next)
	}
	a.handlers.Apply(mapCommandOptions(next))
	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	was := a.notif.Enabled()
	ncfg := mapNotifierConfig(next)
	a.notif.Apply(ncfg)
	switch {
	case was && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !was && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}
