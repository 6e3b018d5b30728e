package commands

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/domain"
	"groupcast/internal/linker"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// Linker is the part of the session linker the commands drive.
type Linker interface {
	InitiateLink(ctx context.Context, userID, chatID int64, phone string) linker.LinkResult
	VerifyOTP(ctx context.Context, userID int64, code string) linker.VerifyResult
	TypeOTPDigit(userID int64, digit byte) (string, *domain.Error)
	EraseOTPDigit(userID int64) (string, *domain.Error)
	SubmitOTPBuffer(ctx context.Context, userID int64) linker.VerifyResult
	VerifyPassword(ctx context.Context, userID int64, password string) linker.PasswordResult
	InitiateWebLogin(ctx context.Context, userID, chatID int64) linker.WebLoginResult
	CancelWebLogin(userID int64) bool
	Cancel(userID int64) bool
	Pending(userID int64) (linker.Pending, bool)
	Unlink(ctx context.Context, userID, accountID int64) *domain.Error
}

type Broadcaster interface {
	StartBroadcast(ctx context.Context, userID, accountID int64) broadcast.BroadcastResult
	StopBroadcast(ctx context.Context, userID, accountID int64) broadcast.BroadcastResult
	IsBroadcasting(userID, accountID int64) bool
	Status(userID, accountID int64) broadcast.JobSnapshot
	Jobs() []broadcast.JobSnapshot
}

// Store is the persistence the commands read and edit directly.
type Store interface {
	domain.CredentialStore
	domain.UserDirectory

	Settings(ctx context.Context, accountID int64) (domain.Settings, error)
	UpdateSettings(ctx context.Context, accountID int64, fn func(*domain.Settings)) (domain.Settings, error)
	Variant(ctx context.Context, accountID int64, v domain.Variant) (domain.Content, error)
	SetVariant(ctx context.Context, accountID int64, v domain.Variant, c domain.Content) error
	Template(ctx context.Context, userID int64, slot int) (domain.Content, error)
	SaveTemplate(ctx context.Context, userID int64, slot int, c domain.Content) error

	Groups(ctx context.Context, accountID int64) ([]domain.Group, error)
	Blacklist(ctx context.Context, accountID int64) (map[int64]struct{}, error)
	AddBlacklist(ctx context.Context, accountID, groupID int64) error
	RemoveBlacklist(ctx context.Context, accountID, groupID int64) error

	Totals(ctx context.Context, accountID int64) (storage.Totals, error)
	DailySent(ctx context.Context, accountID int64, day string) (int, error)
	AppendAudit(ctx context.Context, actorID int64, action, target string, failure error) error
}

type GroupRefresher interface {
	RefreshAccount(ctx context.Context, accountID int64) (int, error)
}

type TagManager interface {
	HasTags(ctx context.Context, accountID int64) (bool, error)
	Apply(ctx context.Context, accountID int64) error
}

type Deps struct {
	Linker   Linker
	Jobs     Broadcaster
	Store    Store
	Groups   GroupRefresher
	Tags     TagManager
	Notifier domain.AdminNotifier
	Log      logx.Logger
}

// Options are the reloadable knobs the handlers show or enforce.
type Options struct {
	Location     *time.Location
	DailyCap     int
	TagsRequired bool
	NameMarker   string
	BioMarker    string
	PageSize     int
}

type Handlers struct {
	d   Deps
	log logx.Logger

	mu  sync.RWMutex
	opt Options
}

func NewHandlers(d Deps, opt Options) *Handlers {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = domain.NopNotifier{}
	}
	h := &Handlers{d: d, log: d.Log.Component("commands")}
	h.Apply(opt)
	return h
}

func (h *Handlers) Apply(opt Options) {
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.PageSize <= 0 {
		opt.PageSize = 15
	}
	h.mu.Lock()
	h.opt = opt
	h.mu.Unlock()
}

func (h *Handlers) options() Options {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.opt
}

// Commands is the full command table.
func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "welcome and status", Handle: h.cmdStart},
		{Name: "link", Description: "link an account by phone", Usage: "/link <phone>", Handle: h.cmdLink},
		{Name: "qr", Description: "link an account by QR scan", Handle: h.cmdQR},
		{Name: "code", Aliases: []string{"otp"}, Description: "enter the login code", Usage: "/code <digits>", Handle: h.cmdCode},
		{Name: "password", Aliases: []string{"pw"}, Description: "enter the two-step password", Usage: "/password <password>", Handle: h.cmdPassword},
		{Name: "cancel", Description: "abort the current login", Handle: h.cmdCancel},
		{Name: "accounts", Description: "list linked accounts", Handle: h.cmdAccounts},
		{Name: "use", Description: "switch the active account", Usage: "/use <id>", Handle: h.cmdUse},
		{Name: "unlink", Description: "remove an account", Usage: "/unlink <id>", Handle: h.cmdUnlink},
		{Name: "tags", Description: "apply the required profile tags", Usage: "/tags [id]", Handle: h.cmdTags},
		{Name: "msg", Description: "set broadcast text", Usage: "/msg a|b <text>", Handle: h.cmdMsg},
		{Name: "template", Aliases: []string{"tpl"}, Description: "saved message slots", Usage: "/template save <slot> <text> | use <slot>|off", Handle: h.cmdTemplate},
		{Name: "settings", Description: "show broadcast settings", Handle: h.cmdSettings},
		{Name: "interval", Description: "minutes between cycles", Usage: "/interval <minutes>", Handle: h.cmdInterval},
		{Name: "delay", Description: "seconds between groups", Usage: "/delay <min>-<max>", Handle: h.cmdDelay},
		{Name: "quiet", Description: "quiet hours", Usage: "/quiet <HH:MM-HH:MM>|off", Handle: h.cmdQuiet},
		{Name: "window", Description: "sending window", Usage: "/window <HH:MM-HH:MM>|off", Handle: h.cmdWindow},
		{Name: "ab", Description: "A/B mode", Usage: "/ab off|single|rotate|split", Handle: h.cmdAB},
		{Name: "groups", Description: "list or refresh groups", Usage: "/groups [refresh] [page]", Timeout: 2 * time.Minute, Handle: h.cmdGroups},
		{Name: "blacklist", Aliases: []string{"bl"}, Description: "exclude groups", Usage: "/blacklist [add|del <group id>]", Handle: h.cmdBlacklist},
		{Name: "broadcast", Aliases: []string{"bc"}, Description: "start, stop or inspect broadcasting", Usage: "/broadcast start|stop|status", Handle: h.cmdBroadcast},
		{Name: "stats", Description: "sending statistics", Handle: h.cmdStats},
		{Name: "premium", Description: "toggle premium for a user", Usage: "/premium <user id> on|off", Access: AccessOwnerOnly, Handle: h.cmdPremium},
		{Name: "jobs", Description: "list every broadcast job", Access: AccessOwnerOnly, Handle: h.cmdJobs},
	}
}

func (h *Handlers) Callbacks() []CallbackRoute {
	return []CallbackRoute{
		{NS: "otp", Action: "d", Handle: h.cbOTPDigit},
		{NS: "otp", Action: "x", Handle: h.cbOTPErase},
		{NS: "otp", Action: "ok", Handle: h.cbOTPSubmit},
		{NS: "acc", Action: "use", Handle: h.cbUse},
		{NS: "bc", Action: "start", Handle: h.cbBroadcast},
		{NS: "bc", Action: "stop", Handle: h.cbBroadcast},
		{NS: "bc", Action: "status", Handle: h.cbBroadcast},
		{NS: "grp", Action: "page", Handle: h.cbGroupsPage},
	}
}

// activeAccount resolves the user's active target account.
func (h *Handlers) activeAccount(ctx context.Context, userID int64) (domain.LinkedAccount, error) {
	u, err := h.d.Store.EnsureUser(ctx, userID)
	if err != nil {
		return domain.LinkedAccount{}, err
	}
	if u.ActiveAccountID == 0 {
		return domain.LinkedAccount{}, &domain.Error{
			Kind: domain.KindNotFound, Code: domain.CodeAccountNotFound,
			Message: "no active account", Remediation: "/link",
		}
	}
	return h.ownedAccount(ctx, userID, u.ActiveAccountID)
}

func (h *Handlers) ownedAccount(ctx context.Context, userID, accountID int64) (domain.LinkedAccount, error) {
	acc, err := h.d.Store.Account(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.LinkedAccount{}, domain.NotFound(domain.CodeAccountNotFound, "account %d not found", accountID)
		}
		return domain.LinkedAccount{}, err
	}
	if acc.OwnerUserID != userID {
		return domain.LinkedAccount{}, domain.NotFound(domain.CodeAccountNotFound, "account %d not found", accountID)
	}
	return acc, nil
}

// accountArg resolves an optional account id argument, falling back to the
// active account.
func (h *Handlers) accountArg(ctx context.Context, req *Request, i int) (domain.LinkedAccount, error) {
	if raw := req.Arg(i); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.LinkedAccount{}, domain.Validation(domain.CodeAccountNotFound, "account id must be a number")
		}
		return h.ownedAccount(ctx, req.FromID, id)
	}
	return h.activeAccount(ctx, req.FromID)
}

func (h *Handlers) audit(ctx context.Context, req *Request, action, target string, failure error) {
	if err := h.d.Store.AppendAudit(context.WithoutCancel(ctx), req.FromID, action, target, failure); err != nil {
		req.Log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
