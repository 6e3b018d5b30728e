package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

// Driver opens login handshakes.
type Driver struct {
	cfg Config
	sup *supervisor.Supervisor
	log logx.Logger
	seq atomic.Uint64
}

func NewDriver(cfg Config, sup *supervisor.Supervisor, log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{cfg: cfg.normalized(), sup: sup, log: log.Component("mtproto.login")}
}

// Begin connects a fresh unauthorized client. ctx only bounds the connect.
func (d *Driver) Begin(ctx context.Context) (transport.Handshake, error) {
	store := &memStorage{}
	updates := tg.NewUpdateDispatcher()
	name := fmt.Sprintf("mtproto.login.%d", d.seq.Add(1))
	c, err := dial(ctx, d.sup, d.cfg, store, updates, name, d.log)
	if err != nil {
		return nil, err
	}
	return &handshake{conn: c, store: store, updates: updates}, nil
}

type handshake struct {
	conn    *conn
	store   *memStorage
	updates tg.UpdateDispatcher

	phone    string
	codeHash string
	once     sync.Once
}

func (h *handshake) SendCode(ctx context.Context, phone string) error {
	sent, err := h.conn.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return translateLogin(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return fmt.Errorf("unexpected code answer %T", sent)
	}
	h.phone, h.codeHash = phone, code.PhoneCodeHash
	return nil
}

func (h *handshake) SignIn(ctx context.Context, code string) (transport.Identity, error) {
	if h.codeHash == "" {
		return transport.Identity{}, errors.New("sign in before the code was sent")
	}
	a, err := h.conn.client.Auth().SignIn(ctx, h.phone, code, h.codeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return transport.Identity{}, transport.ErrPasswordRequired
	}
	if err != nil {
		return transport.Identity{}, translateLogin(err)
	}
	return identityOf(a.User)
}

func (h *handshake) Password(ctx context.Context, password string) (transport.Identity, error) {
	a, err := h.conn.client.Auth().Password(ctx, password)
	if err != nil {
		return transport.Identity{}, translateLogin(err)
	}
	return identityOf(a.User)
}

func (h *handshake) QR(ctx context.Context, show func(ctx context.Context, t transport.QRToken) error) (transport.Identity, error) {
	a, err := h.conn.client.QR().Auth(ctx, qrlogin.OnLoginToken(h.updates), func(ctx context.Context, token qrlogin.Token) error {
		return show(ctx, transport.QRToken{URL: token.URL(), Expires: token.Expires()})
	})
	if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
		return transport.Identity{}, transport.ErrPasswordRequired
	}
	if err != nil {
		if ctx.Err() != nil {
			return transport.Identity{}, ctx.Err()
		}
		return transport.Identity{}, translateLogin(err)
	}
	return identityOf(a.User)
}

func (h *handshake) JoinChannel(ctx context.Context, username string) error {
	return joinChannel(ctx, h.conn, username)
}

func (h *handshake) Session(context.Context) ([]byte, error) {
	data := h.store.Bytes()
	if len(data) == 0 {
		return nil, errors.New("no session stored yet")
	}
	return data, nil
}

func (h *handshake) Close() error {
	h.once.Do(h.conn.close)
	return nil
}

// joinChannel resolves a public username and joins it.
func joinChannel(ctx context.Context, c *conn, username string) error {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil
	}
	var resolved tg.ContactsResolvedPeer
	if err := c.client.Invoke(ctx, &tg.ContactsResolveUsernameRequest{Username: username}, &resolved); err != nil {
		return translate(err)
	}
	for _, chat := range resolved.Chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		_, err := c.api().ChannelsJoinChannel(ctx, &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash})
		if err != nil && !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return translate(err)
		}
		return nil
	}
	return fmt.Errorf("@%s is not a channel", username)
}

func identityOf(u tg.UserClass) (transport.Identity, error) {
	user, ok := u.(*tg.User)
	if !ok {
		return transport.Identity{}, fmt.Errorf("unexpected user %T", u)
	}
	phone := user.Phone
	if phone != "" && !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return transport.Identity{
		AccountID:   user.ID,
		Phone:       phone,
		DisplayName: strings.TrimSpace(user.FirstName + " " + user.LastName),
		Username:    user.Username,
	}, nil
}

var _ transport.LoginDriver = (*Driver)(nil)
