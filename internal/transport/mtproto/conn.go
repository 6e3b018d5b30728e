// Package mtproto drives personal accounts over the account API: login
// handshakes for linking and a pool of authorized connections for sending.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"groupcast/internal/runtime/supervisor"
	logx "groupcast/pkg/logx"
)

// Config identifies the application and tunes connections.
type Config struct {
	AppID          int
	AppHash        string
	DeviceModel    string
	SystemVersion  string
	AppVersion     string
	DialTimeout    time.Duration
	IdleDisconnect time.Duration
}

func (c Config) normalized() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.IdleDisconnect <= 0 {
		c.IdleDisconnect = 15 * time.Minute
	}
	if c.DeviceModel == "" {
		c.DeviceModel = "groupcast"
	}
	return c
}

// conn is one running client. The client lives until close or until the
// owning supervisor stops, independent of the request that opened it.
type conn struct {
	client *telegram.Client
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (c *conn) dead() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.cancel()
	<-c.done
}

func (c *conn) api() *tg.Client { return c.client.API() }

// dial starts a client on storage and waits, bounded by ctx and the dial
// timeout, until it is connected.
func dial(ctx context.Context, sup *supervisor.Supervisor, cfg Config, storage session.Storage, updates telegram.UpdateHandler, name string, log logx.Logger) (*conn, error) {
	opts := telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  updates,
		Device: telegram.DeviceConfig{
			DeviceModel:   cfg.DeviceModel,
			SystemVersion: cfg.SystemVersion,
			AppVersion:    cfg.AppVersion,
		},
	}
	runCtx, cancel := context.WithCancel(sup.Context())
	c := &conn{
		client: telegram.NewClient(cfg.AppID, cfg.AppHash, opts),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ready := make(chan struct{})
	sup.Go0(name, func(context.Context) {
		defer close(c.done)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("account connection ended", logx.String("conn", name), logx.Err(err))
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	})

	timer := time.NewTimer(cfg.DialTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return c, nil
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = errors.New("connection closed")
		}
		return nil, translate(fmt.Errorf("connect: %w", err))
	case <-timer.C:
		c.close()
		return nil, translate(fmt.Errorf("connect: %w", context.DeadlineExceeded))
	case <-ctx.Done():
		c.close()
		return nil, ctx.Err()
	}
}
