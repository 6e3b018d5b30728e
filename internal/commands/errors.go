package commands

import (
	"fmt"
	"time"

	"groupcast/internal/domain"
	"groupcast/pkg/tgui"
)

var codeText = map[string]string{
	domain.CodePhoneInvalid:      "That phone number does not look valid. Use the international format, e.g. +14155550123.",
	domain.CodeOTPFormat:         "The login code has 5 digits.",
	domain.CodeOTPInvalid:        "Wrong code. Check the message and try again.",
	domain.CodeOTPExpired:        "The code expired. Start again with /link.",
	domain.CodePasswordInvalid:   "Wrong password.",
	domain.CodePasswordLocked:    "Too many wrong passwords.",
	domain.CodeNoPendingAuth:     "Nothing to confirm. Start with /link or /qr.",
	domain.CodeWrongPhase:        "That step does not apply right now.",
	domain.CodeFloodWait:         "The platform asked us to slow down.",
	domain.CodeNetwork:           "Temporary network trouble. Try again shortly.",
	domain.CodePhoneBanned:       "This phone number is banned by the platform.",
	domain.CodeAlreadyRunning:    "Broadcast is already running.",
	domain.CodeTagsRequired:      "Your account profile needs the required tags.",
	domain.CodeMessageRequired:   "Set a message first with /msg a <text>.",
	domain.CodeAccountInactive:   "This account is inactive.",
	domain.CodeAccountNotFound:   "Account not found.",
	domain.CodeAccountUnusable:   "This account's session is no longer valid.",
	domain.CodeSettingsInvalid:   "Invalid setting.",
	domain.CodeWebLoginExpired:   "The QR code expired. Run /qr again.",
	domain.CodeWebLoginCancelled: "QR login cancelled.",
}

// errorHTML renders a failure for the user. Internal details stay in logs.
func errorHTML(err error) tgui.H {
	de := domain.AsError(err)
	if de == nil {
		return tgui.Esc("Something went wrong. Please try again.")
	}
	return domainErrorHTML(de)
}

func domainErrorHTML(de *domain.Error) tgui.H {
	msg, ok := codeText[de.Code]
	if !ok {
		msg = "Something went wrong. Please try again."
	}
	lines := []tgui.H{tgui.H("⚠️ " + tgui.Esc(msg).String())}
	// validation and config messages are written for users
	if de.Message != "" && (de.Kind == domain.KindValidation || de.Kind == domain.KindConfig || de.Kind == domain.KindConflict || de.Kind == domain.KindNotFound) {
		lines = append(lines, tgui.I(de.Message))
	}
	if de.RetryAfter > 0 {
		lines = append(lines, tgui.Esc(fmt.Sprintf("Retry in %s.", humanDuration(de.RetryAfter))))
	}
	if de.Remediation != "" {
		lines = append(lines, tgui.H("Next: "+tgui.Code(de.Remediation).String()))
	}
	return tgui.Lines(lines...)
}

// humanDuration renders d rounded up to whole seconds, e.g. "4m05s".
func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	s := int64((d + time.Second - 1) / time.Second)
	switch {
	case s >= 3600:
		return fmt.Sprintf("%dh%02dm", s/3600, s%3600/60)
	case s >= 60:
		return fmt.Sprintf("%dm%02ds", s/60, s%60)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
