package orchestrator

import (
	"context"
	"strings"

	"github.com/harun/cropadvisor/internal/observability"
	"github.com/harun/cropadvisor/internal/tracing"
	"github.com/harun/cropadvisor/pkg/session"
)

const (
	cmdStart    = "/start"
	cmdHelp     = "/help"
	cmdProfile  = "/profile"
	cmdReset    = "/reset"
	cmdLocation = "/location"
)

func isCommand(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case cmdStart, cmdHelp, cmdProfile, cmdReset, cmdLocation:
		return true
	}
	return false
}

// commandOf returns the slash command an event carries, if any. Telegram
// style "/cmd@botname" suffixes are ignored.
func commandOf(ev Event) string {
	var raw string
	switch ev.Kind {
	case EventText:
		raw = ev.Text
	case EventButton:
		raw = ev.Action
	default:
		return ""
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	if !isCommand(cmd) {
		return ""
	}
	return cmd
}

// handleCommand answers slash commands outside the state machine.
func (o *Orchestrator) handleCommand(ctx context.Context, t *turn, cmd string) (Response, error) {
	lang := t.lang()
	buttons := standardButtons(lang)

	switch cmd {
	case cmdStart:
		text := ui(lang, "intro_title") + "\n" + ui(lang, "intro_body") + "\n\n" + ui(lang, "profile")
		if !t.s.DigestEnabled {
			t.s.DigestEnabled = true
			o.save(ctx, t)
		} else {
			o.saveIfNew(ctx, t)
		}
		return Response{Text: text, Buttons: buttons}, nil

	case cmdHelp:
		o.saveIfNew(ctx, t)
		return Response{Text: "Help\n" + ui(lang, "help"), Buttons: buttons}, nil

	case cmdProfile:
		o.saveIfNew(ctx, t)
		text := ui(lang, "profile")
		if summary := profileSummary(lang, t.s.Profile); summary != "" {
			text = summary + "\n\n" + text
		}
		return Response{Text: text, Buttons: buttons}, nil

	case cmdLocation:
		t.s.PendingClarification = true
		t.s.PendingField = session.FieldLocation
		o.save(ctx, t)
		return Response{Text: ui(lang, "ask_location"), Buttons: buttons}, nil

	case cmdReset:
		status := "success"
		if err := o.store.Reset(ctx, t.s.UserID); err != nil {
			status = "failed"
			t.log.Error().Err(err).Msg("failed to reset session")
		}
		observability.RecordSessionAudit(ctx, t.s.UserID, "reset", status)
		if status != "success" {
			return Response{Text: ui(lang, "err_generic"), Buttons: buttons}, nil
		}
		return Response{Text: ui(lang, "reset_ok"), Buttons: standardButtons(session.DefaultLanguage)}, nil
	}
	return Response{Text: ui(lang, "help"), Buttons: buttons}, nil
}

// saveIfNew persists a session that has never been stored, so a farmer
// who only ever sent /help still shows up in session listings.
func (o *Orchestrator) saveIfNew(ctx context.Context, t *turn) {
	if t.s.UpdatedAt.IsZero() {
		o.save(ctx, t)
	}
}

// save writes the session unless ctx is already done. A write that has
// started is not interrupted by a later cancellation.
func (o *Orchestrator) save(ctx context.Context, t *turn) {
	if ctx.Err() != nil {
		return
	}
	if err := o.store.Save(tracing.Detach(ctx), t.s.UserID, t.s); err != nil {
		t.log.Error().Err(err).Msg("failed to save session")
		observability.RecordSessionAudit(ctx, t.s.UserID, "save", "failed")
	}
}
