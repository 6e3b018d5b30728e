package linker

import (
	"context"
	"errors"
	"fmt"

	"groupcast/internal/domain"
	"groupcast/internal/eventbus"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

// finalize persists the authorized session, makes the account the user's
// active target and tears the attempt down. The channel join is best effort.
func (l *Linker) finalize(ctx context.Context, a *attempt, id transport.Identity) (domain.LinkedAccount, *domain.Error) {
	cfg := l.config()
	log := l.log.With(logx.Int64("user_id", a.userID), logx.Int64("account_id", id.AccountID))

	a.op.Lock()
	defer a.op.Unlock()

	blob, err := a.hs.Session(ctx)
	if err != nil {
		l.drop(a, PhaseFailed)
		log.Error("export session failed", logx.Err(err))
		return domain.LinkedAccount{}, domain.Internal(fmt.Errorf("export session: %w", err))
	}

	phone := id.Phone
	if phone == "" {
		phone = a.phone
	}
	acc := domain.LinkedAccount{
		AccountID:   id.AccountID,
		OwnerUserID: a.userID,
		Phone:       phone,
		DisplayName: id.DisplayName,
		Username:    id.Username,
		IsActive:    true,
	}
	if err := l.persist(ctx, acc, blob); err != nil {
		l.drop(a, PhaseFailed)
		log.Error("persist linked account failed", logx.Err(err))
		return domain.LinkedAccount{}, domain.Internal(err)
	}

	if cfg.JoinChannel && cfg.ChannelUsername != "" {
		jerr := l.d.Guard.Do(ctx, "auth.join_channel", func(ctx context.Context) error {
			return a.hs.JoinChannel(ctx, cfg.ChannelUsername)
		}, l.callOpts(a.userID))
		switch {
		case jerr != nil:
			log.Warn("join update channel failed", logx.String("channel", cfg.ChannelUsername), logx.Err(jerr))
		case cfg.VerifyOnLink:
			if err := l.d.Users.MarkVerified(ctx, a.userID); err != nil {
				log.Warn("mark verified failed", logx.Err(err))
			}
		}
	}

	l.drop(a, PhaseLinked)
	if l.d.Sessions != nil {
		// a re-link replaces the session; cached connections hold the old one
		l.d.Sessions.Release(acc.AccountID)
	}

	log.Info("account linked", logx.String("label", acc.Label()))
	l.d.Bus.Publish(eventbus.Event{Type: eventbus.AccountLinked, Time: l.now(), Data: acc})
	l.d.Notifier.NotifyAdmin(ctx, "linked:"+itoa(acc.AccountID),
		fmt.Sprintf("Account %s linked by user %d", acc.Label(), a.userID))
	return acc, nil
}

func (l *Linker) persist(ctx context.Context, acc domain.LinkedAccount, blob []byte) error {
	if prev, err := l.d.Creds.Account(ctx, acc.AccountID); err == nil {
		acc.ProfileTagsApplied = prev.ProfileTagsApplied
		acc.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := l.d.Creds.SaveAccount(ctx, acc); err != nil {
		return err
	}
	if err := l.d.Creds.SetSession(ctx, acc.AccountID, blob); err != nil {
		return err
	}
	if _, err := l.d.Users.EnsureUser(ctx, acc.OwnerUserID); err != nil {
		return err
	}
	return l.d.Users.SetActiveAccount(ctx, acc.OwnerUserID, acc.AccountID)
}

// Unlink removes an account of the user. A running broadcast is force-stopped
// before anything is deleted.
func (l *Linker) Unlink(ctx context.Context, userID, accountID int64) *domain.Error {
	acc, err := l.d.Creds.Account(ctx, accountID)
	if err != nil || acc.OwnerUserID != userID {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.Internal(err)
		}
		return domain.NotFound(domain.CodeAccountNotFound, "no such account")
	}
	// inactive accounts cannot be started, so no job appears between the
	// force stop and the delete
	if err := l.d.Creds.SetAccountActive(ctx, accountID, false); err != nil {
		return domain.Internal(err)
	}
	if l.d.Jobs != nil {
		if err := l.d.Jobs.ForceStopAccount(ctx, accountID); err != nil {
			l.log.Error("force stop before unlink failed", logx.Int64("account_id", accountID), logx.Err(err))
			if rerr := l.d.Creds.SetAccountActive(ctx, accountID, acc.IsActive); rerr != nil {
				l.log.Warn("restore active flag failed", logx.Int64("account_id", accountID), logx.Err(rerr))
			}
			return domain.Internal(fmt.Errorf("stop broadcast: %w", err))
		}
	}
	if err := l.d.Creds.DeleteAccount(ctx, accountID); err != nil {
		return domain.Internal(err)
	}
	if l.d.Sessions != nil {
		l.d.Sessions.Release(accountID)
	}
	if l.d.Dispatch != nil {
		l.d.Dispatch.Forget(accountID)
	}
	l.log.Info("account unlinked", logx.Int64("user_id", userID), logx.Int64("account_id", accountID))
	l.d.Bus.Publish(eventbus.Event{Type: eventbus.AccountUnlinked, Time: l.now(), Data: acc})
	l.d.Notifier.NotifyAdmin(ctx, "unlinked:"+itoa(accountID),
		fmt.Sprintf("Account %s unlinked by user %d", acc.Label(), userID))
	return nil
}
