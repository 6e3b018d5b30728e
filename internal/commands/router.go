package commands

import (
	"context"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
	"groupcast/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Hidden      bool          // left out of the menu and help
	Timeout     time.Duration // zero uses the router default
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type CallbackRoute struct {
	NS      string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type RouterConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

func (c RouterConfig) normalized() RouterConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Router turns updates into handler calls on a bounded worker pool.
type Router struct {
	cfg     RouterConfig
	log     logx.Logger
	adapter transport.Adapter

	mu        sync.RWMutex
	cmds      map[string]*Command
	ordered   []Command
	callbacks map[string]map[string]CallbackRoute
	text      HandlerFunc
	owners    []int64

	jobs chan func()
}

func NewRouter(cfg RouterConfig, adapter transport.Adapter, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalized()
	return &Router{
		cfg:       cfg,
		log:       log.Component("commands"),
		adapter:   adapter,
		cmds:      map[string]*Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		jobs:      make(chan func(), cfg.QueueSize),
	}
}

// SetOwners swaps the owner list, typically on config reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry installs the command set. /help is always added. text handles
// plain messages in private chats and may be nil.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute, text HandlerFunc) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "list commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpHTML(req.IsOwner))
		},
	})

	table := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		ordered = append(ordered, c)
	}
	for i := range ordered {
		table[ordered[i].Name] = &ordered[i]
	}
	// aliases never shadow a real command name
	for i := range ordered {
		for _, a := range ordered[i].Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if _, taken := table[a]; a == "" || taken {
				continue
			}
			table[a] = &ordered[i]
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		if rt.NS == "" || rt.Action == "" || rt.Handle == nil {
			continue
		}
		if cb[rt.NS] == nil {
			cb[rt.NS] = map[string]CallbackRoute{}
		}
		cb[rt.NS][rt.Action] = rt
	}

	r.mu.Lock()
	r.cmds = table
	r.ordered = ordered
	r.callbacks = cb
	r.text = text
	r.mu.Unlock()
}

// Menu lists the public commands for the platform's command menu.
func (r *Router) Menu() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Hidden || c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (r *Router) helpHTML(owner bool) tgui.H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lines := []tgui.H{tgui.B("Commands")}
	for _, c := range r.ordered {
		if c.Hidden || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		lines = append(lines, tgui.H(tgui.Code(usage).String()+" "+tgui.Esc(c.Description).String()))
	}
	return tgui.Lines(lines...)
}

// Run consumes updates until ctx ends or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))

	if up, ok := r.adapter.(transport.CommandMenuUpdater); ok {
		menu := r.Menu()
		sup.Go0("menu.update", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("commands.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command router started", logx.Int("workers", r.cfg.Workers), logx.Int("queue", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.enqueue(ctx, up)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, up transport.Update) {
	select {
	case r.jobs <- func() { r.Dispatch(ctx, up) }:
	default:
		switch {
		case up.Message != nil:
			_, _ = r.adapter.SendText(ctx, transport.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, "Busy, try again in a moment.", nil)
		case up.Callback != nil:
			_ = r.adapter.AnswerCallback(ctx, up.Callback.ID, "busy")
		}
	}
}

// Dispatch routes one update and runs its handler on the calling goroutine.
func (r *Router) Dispatch(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.dispatchMessage(ctx, up)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.dispatchCallback(ctx, up)
		}
	}
}

func (r *Router) newRequest(up transport.Update, chat transport.ChatTarget, from int64, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: command,
		ReqID:   rid,
		Adapter: r.adapter,
		IsOwner: r.isOwner(from),
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
		),
	}
}

func (r *Router) dispatchMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	word, isCmd := commandWord(msg.Text)
	if !isCmd {
		r.mu.RLock()
		text := r.text
		r.mu.RUnlock()
		// free text is only meaningful in a private chat
		if text == nil || !msg.IsPrivate || strings.TrimSpace(msg.Text) == "" {
			return
		}
		req := r.newRequest(up, chat, msg.FromID, "text")
		req.Private = true
		req.Text = msg.Text
		req.Entities = msg.Entities
		r.run(ctx, req, text, r.cfg.Timeout)
		return
	}

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}

	req := r.newRequest(up, chat, msg.FromID, cmd.Name)
	if cmd.Access == AccessOwnerOnly && !req.IsOwner {
		_, _ = r.adapter.SendText(ctx, chat, "Not allowed.", nil)
		return
	}
	raw := tokenize(msg.Text)[1:]
	pos, flags, bools := parseFlags(raw)
	req.Private = msg.IsPrivate
	req.Text = msg.Text
	req.Entities = msg.Entities
	req.Args = pos
	req.RawArgs = raw
	req.Flags = flags
	req.Bools = bools
	req.Log = req.Log.With(logx.String("cmd", cmd.Name))
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	r.run(ctx, req, cmd.Handle, timeout)
}

func (r *Router) dispatchCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	defer func() { _ = r.adapter.AnswerCallback(ctx, cb.ID, "") }()

	ns, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		return
	}
	r.mu.RLock()
	route, ok := r.callbacks[ns][action]
	r.mu.RUnlock()
	if !ok {
		return
	}

	chat := transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := r.newRequest(up, chat, cb.FromID, "cb:"+ns+":"+action)
	if route.Access == AccessOwnerOnly && !req.IsOwner {
		return
	}
	req.MessageID = cb.MessageID
	req.Payload = payload
	req.Private = cb.ChatID == cb.FromID
	timeout := route.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	h := func(ctx context.Context, req *Request) error { return route.Handle(ctx, req, payload) }
	r.run(ctx, req, h, timeout)
}

func (r *Router) run(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) {
	final := Chain(h,
		MWRequestLog(r.log),
		MWReplyError(),
		MWPanicRecover(r.log),
		MWTimeout(timeout),
	)
	_ = final(ctx, req)
}
