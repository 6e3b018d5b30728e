// Package housekeeping runs the periodic maintenance jobs: expiring pending
// logins, refreshing group lists, pruning old stats and closing idle account
// connections.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type Config struct {
	AuthSweep      string // cron spec, default "@every 30s"
	GroupRefresh   string // default "0 */6 * * *"
	StatsPrune     string // default "30 3 * * *"
	IdleReap       string // default "@every 1m"
	StatsRetention time.Duration
	Location       *time.Location
}

func (c Config) normalized() Config {
	if c.AuthSweep == "" {
		c.AuthSweep = "@every 30s"
	}
	if c.GroupRefresh == "" {
		c.GroupRefresh = "0 */6 * * *"
	}
	if c.StatsPrune == "" {
		c.StatsPrune = "30 3 * * *"
	}
	if c.IdleReap == "" {
		c.IdleReap = "@every 1m"
	}
	if c.StatsRetention <= 0 {
		c.StatsRetention = 30 * 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type AuthSweeper interface {
	Sweep(now time.Time) int
}

type GroupSyncer interface {
	SyncGroups(ctx context.Context, accountID int64, fresh []domain.Group) (int, error)
}

type Pruner interface {
	PruneStats(ctx context.Context, cutoff time.Time) (int64, error)
	PruneDedup(ctx context.Context) (int64, error)
}

type IdleReaper interface {
	ReapIdle() int
}

type Deps struct {
	Auth     AuthSweeper
	Accounts domain.CredentialStore
	Groups   GroupSyncer
	Client   transport.AccountClient
	Pruner   Pruner
	Reaper   IdleReaper
	Guard    *floodguard.Guard
	Log      logx.Logger
	Now      func() time.Time
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the cron specs without starting anything.
func Validate(cfg Config) error {
	cfg = cfg.normalized()
	for name, spec := range map[string]string{
		"auth_sweep":    cfg.AuthSweep,
		"group_refresh": cfg.GroupRefresh,
		"stats_prune":   cfg.StatsPrune,
		"idle_reap":     cfg.IdleReap,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("housekeeping.%s: %w", name, err)
		}
	}
	return nil
}

type Service struct {
	d   Deps
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Guard == nil {
		d.Guard = floodguard.New(floodguard.DefaultConfig(), floodguard.WithLogger(d.Log))
	}
	return &Service{d: d, log: d.Log.Component("housekeeping"), cfg: cfg.normalized()}
}

// Apply swaps the schedule; a running cron restarts with the new specs.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg = cfg.normalized()
	changed := cfg != s.cfg
	s.cfg = cfg
	if s.c != nil && changed {
		s.c.Stop()
		s.startLocked()
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := Validate(s.cfg); err != nil {
		return err
	}
	s.startLocked()
	return nil
}

func (s *Service) startLocked() {
	cfg := s.cfg
	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	add := func(name, spec string, fn func(ctx context.Context)) {
		_, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			fn(ctx)
		})
		if err != nil {
			s.log.Error("bad housekeeping schedule", logx.String("job", name), logx.String("spec", spec), logx.Err(err))
		}
	}
	add("auth.sweep", cfg.AuthSweep, func(context.Context) { s.SweepAuth() })
	add("groups.refresh", cfg.GroupRefresh, func(ctx context.Context) { s.RefreshAll(ctx) })
	add("stats.prune", cfg.StatsPrune, func(ctx context.Context) { s.Prune(ctx) })
	add("pool.reap", cfg.IdleReap, func(context.Context) { s.ReapIdle() })
	c.Start()
	s.c = c
	s.log.Info("housekeeping started", logx.String("tz", cfg.Location.String()), logx.Int("jobs", len(c.Entries())))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) SweepAuth() int {
	if s.d.Auth == nil {
		return 0
	}
	return s.d.Auth.Sweep(s.d.Now())
}

func (s *Service) ReapIdle() int {
	if s.d.Reaper == nil {
		return 0
	}
	return s.d.Reaper.ReapIdle()
}

// RefreshAccount re-reads the account's group list from the platform and
// reconciles the stored one. It returns the number of new groups.
func (s *Service) RefreshAccount(ctx context.Context, accountID int64) (int, error) {
	opts := s.d.Guard.Defaults()
	opts.ThrowOnFailure = true
	opts.Key = "acct:" + strconv.FormatInt(accountID, 10)
	groups, err := floodguard.SafeCall(ctx, s.d.Guard, "groups.refresh", func(ctx context.Context) ([]domain.Group, error) {
		return s.d.Client.Dialogs(ctx, accountID)
	}, opts)
	if err != nil {
		return 0, err
	}
	return s.d.Groups.SyncGroups(ctx, accountID, groups)
}

// RefreshAll refreshes every active account; one failing account does not
// stop the rest.
func (s *Service) RefreshAll(ctx context.Context) {
	accounts, err := s.d.Accounts.ActiveAccounts(ctx)
	if err != nil {
		s.log.Warn("list accounts failed", logx.Err(err))
		return
	}
	for _, a := range accounts {
		added, err := s.RefreshAccount(ctx, a.AccountID)
		switch {
		case errors.Is(err, domain.ErrAccountUnusable):
			s.log.Warn("account unusable during refresh", logx.Int64("account_id", a.AccountID), logx.Err(err))
		case err != nil:
			s.log.Warn("group refresh failed", logx.Int64("account_id", a.AccountID), logx.Err(err))
		case added > 0:
			s.log.Info("groups refreshed", logx.Int64("account_id", a.AccountID), logx.Int("added", added))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Prune drops stats older than the retention and expired dedup marks.
func (s *Service) Prune(ctx context.Context) {
	if s.d.Pruner == nil {
		return
	}
	s.mu.Lock()
	keep := s.cfg.StatsRetention
	s.mu.Unlock()
	cutoff := s.d.Now().Add(-keep)
	stats, err := s.d.Pruner.PruneStats(ctx, cutoff)
	if err != nil {
		s.log.Warn("prune stats failed", logx.Err(err))
	}
	dedup, err := s.d.Pruner.PruneDedup(ctx)
	if err != nil {
		s.log.Warn("prune dedup failed", logx.Err(err))
	}
	s.log.Debug("pruned", logx.Int64("stats", stats), logx.Int64("dedup", dedup), logx.Time("cutoff", cutoff))
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
