// Package floodguard wraps outbound account API calls with flood-wait aware
// retries and per-account pacing.
package floodguard

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "groupcast/pkg/logx"
)

// Options tune a single SafeCall.
type Options struct {
	// MaxRetries is the total attempt budget. Values below 1 mean 1.
	MaxRetries int
	// Buffer is added on top of every flood wait.
	Buffer time.Duration
	// ThrowOnFailure returns the last underlying error instead of a Failure.
	ThrowOnFailure bool
	// MaxWait fails fast when the platform asks for a longer wait. Zero
	// disables the check.
	MaxWait time.Duration
	// Key selects the pacing limiter, usually the account id. Empty skips
	// pacing.
	Key string
}

// Config is the guard-wide policy. Backoff and pacing apply to every call.
// MaxRetries, Buffer and MaxWait reach a call only through Defaults; SafeCall
// takes its Options as given.
type Config struct {
	MaxRetries       int
	Buffer           time.Duration
	MaxWait          time.Duration
	TransientBackoff time.Duration
	RatePerSec       float64
	Burst            int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		Buffer:           3 * time.Second,
		MaxWait:          10 * time.Minute,
		TransientBackoff: 2 * time.Second,
		RatePerSec:       1,
		Burst:            1,
	}
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Guard is safe for concurrent use.
type Guard struct {
	log   logx.Logger
	sleep Sleeper

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
	rng      *rand.Rand
}

type Option func(*Guard)

func WithLogger(log logx.Logger) Option { return func(g *Guard) { g.log = log } }

// WithSleeper replaces the real timer, for tests.
func WithSleeper(s Sleeper) Option { return func(g *Guard) { g.sleep = s } }

func New(cfg Config, opts ...Option) *Guard {
	g := &Guard{
		sleep:    realSleep,
		limiters: map[string]*rate.Limiter{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	g.Apply(cfg)
	for _, o := range opts {
		o(g)
	}
	return g
}

// Apply swaps defaults at runtime. Existing limiters pick up the new rate.
func (g *Guard) Apply(cfg Config) {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = def.TransientBackoff
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	g.mu.Lock()
	g.cfg = cfg
	for _, l := range g.limiters {
		l.SetLimit(limitOf(cfg.RatePerSec))
		l.SetBurst(cfg.Burst)
	}
	g.mu.Unlock()
}

func (g *Guard) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Defaults returns Options populated from the current Config.
func (g *Guard) Defaults() Options {
	cfg := g.Config()
	return Options{MaxRetries: cfg.MaxRetries, Buffer: cfg.Buffer, MaxWait: cfg.MaxWait}
}

func limitOf(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func (g *Guard) limiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[key]
	if !ok {
		l = rate.NewLimiter(limitOf(g.cfg.RatePerSec), g.cfg.Burst)
		g.limiters[key] = l
	}
	return l
}

// Forget drops the pacing state for key.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	delete(g.limiters, key)
	g.mu.Unlock()
}

// backoff returns base*2^(attempt-1) scaled by a 0.7-1.3 jitter.
func (g *Guard) backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < time.Minute; i++ {
		d *= 2
	}
	g.mu.Lock()
	f := 0.7 + g.rng.Float64()*0.6
	g.mu.Unlock()
	return time.Duration(float64(d) * f)
}

// Do is SafeCall for calls without a result value.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error, opt Options) error {
	_, err := SafeCall(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opt)
	return err
}

// SafeCall runs fn until it succeeds or the budget in opt is spent.
//
// A flood wait W sleeps at least W+Buffer before the next attempt. Transient
// errors share the same budget with exponential backoff. Permanent errors
// return at once. On failure the result is the zero value and a *Failure
// (matching ErrFailed), or the raw last error when ThrowOnFailure is set.
func SafeCall[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error), opt Options) (T, error) {
	var zero T
	cfg := g.Config()
	attempts := opt.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	log := g.log.With(logx.String("op", op))

	fail := func(k Kind, n int, err error) (T, error) {
		if opt.ThrowOnFailure {
			return zero, err
		}
		return zero, &Failure{Kind: k, Attempts: n, Last: err}
	}

	var (
		lastErr  error
		lastKind Kind
	)
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fail(KindPermanent, n-1, lastErr)
		}
		if opt.Key != "" {
			if err := g.limiter(opt.Key).Wait(ctx); err != nil {
				return fail(KindPermanent, n-1, err)
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		kind, wait := Classify(err)
		lastErr, lastKind = err, kind

		switch kind {
		case KindPermanent:
			return fail(kind, n, err)
		case KindFloodWait:
			if opt.MaxWait > 0 && wait > opt.MaxWait {
				log.Warn("flood wait above limit, giving up",
					logx.Duration("wait", wait), logx.Duration("max_wait", opt.MaxWait))
				return fail(kind, n, err)
			}
		}
		if n == attempts {
			break
		}

		var delay time.Duration
		if kind == KindFloodWait {
			delay = wait + opt.Buffer
		} else {
			delay = g.backoff(cfg.TransientBackoff, n)
		}
		log.Warn("call failed, retrying",
			logx.String("kind", kind.String()),
			logx.Int("attempt", n),
			logx.Int("budget", attempts),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return fail(lastKind, n, lastErr)
		}
	}
	return fail(lastKind, attempts, lastErr)
}
