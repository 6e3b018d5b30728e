package mtproto

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"groupcast/internal/domain"
	"groupcast/internal/floodguard"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type entry struct {
	ready chan struct{}
	c     *conn
	err   error

	mu       sync.Mutex
	lastUsed time.Time
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastUsed = now
	e.mu.Unlock()
}

func (e *entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// Pool keeps one authorized connection per linked account, opened on first
// use from the stored session and closed after sitting idle.
type Pool struct {
	creds domain.CredentialStore
	sup   *supervisor.Supervisor
	log   logx.Logger
	now   func() time.Time

	mu    sync.Mutex
	cfg   Config
	conns map[int64]*entry
}

func NewPool(cfg Config, creds domain.CredentialStore, sup *supervisor.Supervisor, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:   cfg.normalized(),
		creds: creds,
		sup:   sup,
		log:   log.Component("mtproto.pool"),
		now:   time.Now,
		conns: map[int64]*entry{},
	}
}

// Apply swaps timeouts for connections opened from now on.
func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.normalized()
	p.mu.Unlock()
}

func (p *Pool) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pool) acquire(ctx context.Context, accountID int64) (*conn, error) {
	p.mu.Lock()
	e, ok := p.conns[accountID]
	if ok && e.c != nil && e.c.dead() {
		delete(p.conns, accountID)
		ok = false
	}
	if !ok {
		e = &entry{ready: make(chan struct{})}
		p.conns[accountID] = e
		p.mu.Unlock()
		e.c, e.err = p.open(ctx, accountID)
		close(e.ready)
		if e.err != nil {
			p.mu.Lock()
			if p.conns[accountID] == e {
				delete(p.conns, accountID)
			}
			p.mu.Unlock()
		}
	} else {
		p.mu.Unlock()
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	e.touch(p.now())
	return e.c, nil
}

func (p *Pool) open(ctx context.Context, accountID int64) (*conn, error) {
	if _, err := p.creds.Session(ctx, accountID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, floodguard.Permanent(&domain.Error{
				Kind:    domain.KindPermanent,
				Code:    domain.CodeAccountUnusable,
				Message: "no stored session",
			})
		}
		return nil, floodguard.Transient(err)
	}
	name := "mtproto.account." + strconv.FormatInt(accountID, 10)
	c, err := dial(ctx, p.sup, p.config(), credStorage{creds: p.creds, accountID: accountID}, nil, name, p.log)
	if err != nil {
		return nil, err
	}
	p.log.Debug("account connected", logx.Int64("account_id", accountID))
	return c, nil
}

// call runs fn on the account's connection and drops the connection when
// the session turns out to be dead.
func (p *Pool) call(ctx context.Context, accountID int64, fn func(api *tg.Client) error) error {
	c, err := p.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	err = translate(fn(c.api()))
	if errors.Is(err, domain.ErrAccountUnusable) {
		p.Release(accountID)
	}
	return err
}

func (p *Pool) Send(ctx context.Context, accountID int64, g domain.Group, content domain.Content) error {
	return p.call(ctx, accountID, func(api *tg.Client) error {
		req := &tg.MessagesSendMessageRequest{
			Peer:     inputPeer(g),
			Message:  content.Text,
			RandomID: rand.Int64(),
			Entities: toEntities(content.Entities),
		}
		_, err := api.MessagesSendMessage(ctx, req)
		return err
	})
}

// Dialogs lists the groups and supergroups the account can post to. The
// dialog list is paged from the newest conversation backwards.
func (p *Pool) Dialogs(ctx context.Context, accountID int64) ([]domain.Group, error) {
	var out []domain.Group
	err := p.call(ctx, accountID, func(api *tg.Client) error {
		out = out[:0]
		seen := map[int64]bool{}
		req := &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}, Limit: dialogsPageSize}
		for range maxDialogPages {
			res, err := api.MessagesGetDialogs(ctx, req)
			if err != nil {
				return err
			}
			var page dialogsPage
			complete := false
			switch v := res.(type) {
			case *tg.MessagesDialogs:
				page = dialogsPage{v.Dialogs, v.Messages, v.Chats, v.Users}
				complete = true
			case *tg.MessagesDialogsSlice:
				page = dialogsPage{v.Dialogs, v.Messages, v.Chats, v.Users}
			case *tg.MessagesDialogsNotModified:
				return nil
			default:
				return fmt.Errorf("unexpected dialogs answer %T", res)
			}
			for _, g := range groupsOf(accountID, page.chats) {
				if !seen[g.GroupID] {
					seen[g.GroupID] = true
					out = append(out, g)
				}
			}
			if complete || len(page.dialogs) < dialogsPageSize {
				return nil
			}
			next, ok := page.next()
			if !ok {
				return nil
			}
			req = next
		}
		p.log.Warn("dialog list truncated", logx.Int64("account_id", accountID), logx.Int("groups", len(out)))
		return nil
	})
	return out, err
}

func (p *Pool) Profile(ctx context.Context, accountID int64) (transport.Profile, error) {
	var prof transport.Profile
	err := p.call(ctx, accountID, func(api *tg.Client) error {
		full, err := api.UsersGetFullUser(ctx, &tg.InputUserSelf{})
		if err != nil {
			return err
		}
		prof.About = full.FullUser.About
		for _, u := range full.Users {
			if user, ok := u.(*tg.User); ok && user.ID == full.FullUser.ID {
				prof.FirstName, prof.LastName = user.FirstName, user.LastName
			}
		}
		return nil
	})
	return prof, err
}

func (p *Pool) UpdateProfile(ctx context.Context, accountID int64, lastName, about string) error {
	return p.call(ctx, accountID, func(api *tg.Client) error {
		req := &tg.AccountUpdateProfileRequest{}
		req.SetLastName(lastName)
		req.SetAbout(about)
		_, err := api.AccountUpdateProfile(ctx, req)
		return err
	})
}

// Release closes the account's connection, if any.
func (p *Pool) Release(accountID int64) {
	p.mu.Lock()
	e := p.conns[accountID]
	delete(p.conns, accountID)
	p.mu.Unlock()
	if e != nil {
		p.closeEntry(e)
	}
}

func (p *Pool) closeEntry(e *entry) {
	<-e.ready
	if e.c != nil {
		e.c.close()
	}
}

// ReapIdle closes connections unused for longer than the idle limit and
// reports how many it closed.
func (p *Pool) ReapIdle() int {
	limit := p.config().IdleDisconnect
	cutoff := p.now().Add(-limit)
	var victims []*entry

	p.mu.Lock()
	for id, e := range p.conns {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.idleSince().Before(cutoff) {
			victims = append(victims, e)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()

	for _, e := range victims {
		p.closeEntry(e)
	}
	if len(victims) > 0 {
		p.log.Debug("idle connections closed", logx.Int("count", len(victims)))
	}
	return len(victims)
}

// Open reports the number of pooled connections.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	all := p.conns
	p.conns = map[int64]*entry{}
	p.mu.Unlock()
	for _, e := range all {
		p.closeEntry(e)
	}
}

var _ transport.AccountClient = (*Pool)(nil)
