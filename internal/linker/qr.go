package linker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"groupcast/internal/domain"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

const qrSize = 320

// InitiateWebLogin starts a QR login for the user. It returns once the first
// token was presented to chatID; the scan itself is awaited in the
// background and reported to chatID through the Presenter.
func (l *Linker) InitiateWebLogin(ctx context.Context, userID, chatID int64) WebLoginResult {
	cfg := l.config()

	l.mu.Lock()
	if rem := l.lockRemainingLocked(userID); rem > 0 {
		l.mu.Unlock()
		return WebLoginResult{Err: lockedErr(rem)}
	}
	if prev := l.pending[userID]; prev != nil {
		l.dropLocked(prev, PhaseCancelled)
	}
	l.mu.Unlock()

	hs, err := l.d.Driver.Begin(ctx)
	if err != nil {
		return WebLoginResult{Err: toDomain(err)}
	}

	flowCtx, cancel := context.WithTimeout(l.d.Sup.Context(), cfg.QRTimeout)
	a := &attempt{userID: userID, chatID: chatID, method: MethodQR, hs: hs, phase: PhaseCodeSent, cancel: cancel}
	l.mu.Lock()
	l.installLocked(a)
	l.mu.Unlock()

	first := make(chan time.Time, 1)
	failed := make(chan *domain.Error, 1)
	var shown atomic.Bool

	l.d.Sup.Go0("linker.qr", func(context.Context) {
		defer cancel()
		a.op.Lock()
		id, err := a.hs.QR(flowCtx, func(ctx context.Context, t transport.QRToken) error {
			png, err := qrcode.Encode(t.URL, qrcode.Medium, qrSize)
			if err != nil {
				return err
			}
			if err := l.d.Presenter.ShowQR(ctx, chatID, png, t.Expires); err != nil {
				return err
			}
			l.mu.Lock()
			if l.pending[userID] == a {
				l.touchLocked(a)
			}
			l.mu.Unlock()
			if shown.CompareAndSwap(false, true) {
				first <- t.Expires
			}
			return nil
		})
		a.op.Unlock()
		l.finishWebLogin(a, id, err, shown.Load(), failed)
	})

	select {
	case exp := <-first:
		return WebLoginResult{Started: true, Expires: exp}
	case de := <-failed:
		return WebLoginResult{Err: de}
	case <-ctx.Done():
		l.CancelWebLogin(userID)
		return WebLoginResult{Err: domain.Transient(ctx.Err())}
	}
}

// finishWebLogin settles a QR attempt after the scan loop returned. Before
// the first token was shown, errors go back to InitiateWebLogin through
// failed; afterwards they are reported to the chat.
func (l *Linker) finishWebLogin(a *attempt, id transport.Identity, err error, shown bool, failed chan<- *domain.Error) {
	// the flow context is gone by now; persistence gets its own deadline
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	l.mu.Lock()
	live := l.pending[a.userID] == a
	if live && errors.Is(err, transport.ErrPasswordRequired) {
		a.phase = PhaseAwaitingPassword
		a.cancel = nil
		l.touchLocked(a)
	}
	l.mu.Unlock()

	switch {
	case !live:
		// cancelled or replaced; the canceller already cleaned up
		if !shown {
			failed <- domain.Auth(domain.CodeWebLoginCancelled, "QR login cancelled")
		}
		return
	case err == nil:
		acc, ferr := l.finalize(ctx, a, id)
		l.d.Presenter.WebLoginDone(ctx, a.chatID, acc, ferr)
		return
	case errors.Is(err, transport.ErrPasswordRequired):
		if perr := l.d.Presenter.PasswordRequired(ctx, a.chatID); perr != nil {
			l.log.Warn("password prompt failed", logx.Int64("user_id", a.userID), logx.Err(perr))
		}
		return
	}

	de := toDomain(err)
	if errors.Is(err, context.DeadlineExceeded) {
		de = domain.Auth(domain.CodeWebLoginExpired, "the QR code was not scanned in time")
	}
	l.drop(a, PhaseFailed)
	l.log.Info("QR login failed", logx.Int64("user_id", a.userID), logx.Err(err))
	if !shown {
		failed <- de
		return
	}
	l.d.Presenter.WebLoginDone(ctx, a.chatID, domain.LinkedAccount{}, de)
}
