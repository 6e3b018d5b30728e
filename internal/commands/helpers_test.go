package commands

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"groupcast/internal/broadcast"
	"groupcast/internal/domain"
	"groupcast/internal/linker"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type sent struct {
	Chat     transport.ChatTarget
	Text     string
	Keyboard [][]transport.Button
	Edit     bool
}

type fakeAdapter struct {
	mu       sync.Mutex
	msgs     []sent
	answered []string
	nextID   int
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                           { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := sent{Chat: to, Text: text}
	if opt != nil {
		s.Keyboard = opt.Keyboard
	}
	a.msgs = append(a.msgs, s)
	a.nextID++
	return transport.MessageRef{ChatID: to.ChatID, MessageID: a.nextID}, nil
}

func (a *fakeAdapter) SendPhoto(_ context.Context, to transport.ChatTarget, _ []byte, caption string) (transport.MessageRef, error) {
	return a.SendText(context.Background(), to, caption, nil)
}

func (a *fakeAdapter) EditText(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := sent{Chat: transport.ChatTarget{ChatID: ref.ChatID}, Text: text, Edit: true}
	if opt != nil {
		s.Keyboard = opt.Keyboard
	}
	a.msgs = append(a.msgs, s)
	return nil
}

func (a *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	a.mu.Lock()
	a.answered = append(a.answered, id)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) last() sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.msgs) == 0 {
		return sent{}
	}
	return a.msgs[len(a.msgs)-1]
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.msgs))
	for _, m := range a.msgs {
		out = append(out, m.Text)
	}
	return out
}

// fakeLinker records which operation free text reached.
type fakeLinker struct {
	mu      sync.Mutex
	pending *linker.Pending
	calls   []string
	otp     []byte
}

func (l *fakeLinker) record(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *fakeLinker) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *fakeLinker) InitiateLink(_ context.Context, _, _ int64, phone string) linker.LinkResult {
	l.record("link " + phone)
	return linker.LinkResult{Success: true, Phase: linker.PhaseAwaitingOTP}
}

func (l *fakeLinker) VerifyOTP(_ context.Context, _ int64, code string) linker.VerifyResult {
	l.record("otp " + code)
	if strings.Contains(code, "0") {
		return linker.VerifyResult{Err: domain.Auth(domain.CodeOTPInvalid, "wrong code")}
	}
	return linker.VerifyResult{Success: true, Account: domain.LinkedAccount{AccountID: 100, Username: "seller"}}
}

func (l *fakeLinker) TypeOTPDigit(_ int64, d byte) (string, *domain.Error) {
	l.otp = append(l.otp, d)
	return string(l.otp), nil
}

func (l *fakeLinker) EraseOTPDigit(int64) (string, *domain.Error) {
	if n := len(l.otp); n > 0 {
		l.otp = l.otp[:n-1]
	}
	return string(l.otp), nil
}

func (l *fakeLinker) SubmitOTPBuffer(ctx context.Context, userID int64) linker.VerifyResult {
	code := string(l.otp)
	l.otp = nil
	return l.VerifyOTP(ctx, userID, code)
}

func (l *fakeLinker) VerifyPassword(_ context.Context, _ int64, pw string) linker.PasswordResult {
	l.record("password " + pw)
	if pw != "hunter2" {
		return linker.PasswordResult{RemainingAttempts: 2, Err: domain.Auth(domain.CodePasswordInvalid, "wrong password")}
	}
	return linker.PasswordResult{Success: true, Account: domain.LinkedAccount{AccountID: 100}}
}

func (l *fakeLinker) InitiateWebLogin(context.Context, int64, int64) linker.WebLoginResult {
	l.record("qr")
	return linker.WebLoginResult{Started: true}
}

func (l *fakeLinker) CancelWebLogin(int64) bool { return false }

func (l *fakeLinker) Cancel(int64) bool {
	l.record("cancel")
	return l.pending != nil
}

func (l *fakeLinker) Pending(int64) (linker.Pending, bool) {
	if l.pending == nil {
		return linker.Pending{}, false
	}
	return *l.pending, true
}

func (l *fakeLinker) Unlink(_ context.Context, _, accountID int64) *domain.Error {
	l.record("unlink " + itoa(accountID))
	return nil
}

type fakeJobs struct {
	mu      sync.Mutex
	running map[int64]bool
	owners  map[int64]int64
}

func (j *fakeJobs) StartBroadcast(_ context.Context, userID, accountID int64) broadcast.BroadcastResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running == nil {
		j.running = map[int64]bool{}
	}
	if j.running[accountID] {
		return broadcast.BroadcastResult{Status: broadcast.StatusRunning, Err: domain.Conflict(domain.CodeAlreadyRunning, "already running")}
	}
	j.running[accountID] = true
	if j.owners == nil {
		j.owners = map[int64]int64{}
	}
	j.owners[accountID] = userID
	return broadcast.BroadcastResult{Success: true, Status: broadcast.StatusRunning,
		Job: broadcast.JobSnapshot{UserID: userID, AccountID: accountID, Status: broadcast.StatusRunning, Cycle: 1}}
}

func (j *fakeJobs) StopBroadcast(_ context.Context, userID, accountID int64) broadcast.BroadcastResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.running, accountID)
	return broadcast.BroadcastResult{Success: true, Status: broadcast.StatusIdle,
		Job: broadcast.JobSnapshot{UserID: userID, AccountID: accountID, Status: broadcast.StatusIdle}}
}

func (j *fakeJobs) IsBroadcasting(_, accountID int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running[accountID]
}

func (j *fakeJobs) Status(userID, accountID int64) broadcast.JobSnapshot {
	st := broadcast.StatusIdle
	if j.IsBroadcasting(userID, accountID) {
		st = broadcast.StatusRunning
	}
	return broadcast.JobSnapshot{UserID: userID, AccountID: accountID, Status: st}
}

func (j *fakeJobs) Jobs() []broadcast.JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]broadcast.JobSnapshot, 0, len(j.running))
	for acc := range j.running {
		out = append(out, broadcast.JobSnapshot{UserID: j.owners[acc], AccountID: acc, Status: broadcast.StatusRunning, Cycle: 1})
	}
	return out
}

type fixture struct {
	router  *Router
	adapter *fakeAdapter
	linker  *fakeLinker
	jobs    *fakeJobs
	store   *storage.Store
}

const (
	ownerID = 9
	userID  = 1
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "cmd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{adapter: &fakeAdapter{}, linker: &fakeLinker{}, jobs: &fakeJobs{}, store: st}
	h := NewHandlers(Deps{Linker: f.linker, Jobs: f.jobs, Store: st}, Options{DailyCap: 500})
	f.router = NewRouter(RouterConfig{}, f.adapter, []int64{ownerID}, logx.Nop())
	f.router.SetRegistry(h.Commands(), h.Callbacks(), h.FreeText)
	return f
}

// seed links account 100 to the user and makes it active.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveAccount(ctx, domain.LinkedAccount{AccountID: 100, OwnerUserID: userID, Username: "seller", IsActive: true}))
	require.NoError(t, f.store.SetActiveAccount(ctx, userID, 100))
}

func (f *fixture) say(from int64, text string) {
	f.say2(from, text, nil)
}

func (f *fixture) say2(from int64, text string, entities []domain.Entity) {
	f.router.Dispatch(context.Background(), transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID: 1, ChatID: from, FromID: from, Text: text, Entities: entities, IsPrivate: true,
		},
	})
}

func (f *fixture) press(from int64, data string) {
	f.router.Dispatch(context.Background(), transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID: "cb1", ChatID: from, FromID: from, MessageID: 42, Data: data,
		},
	})
}
