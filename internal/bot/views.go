package bot

import (
	"context"
	"fmt"

	kit "welcomebot/internal/transport"
	"welcomebot/pkg/logx"
)

// Texts is the user-facing copy, hot-swappable via Apply.
type Texts struct {
	PhotoURL string
	Welcome  string
	Menu     string
	Info     string
}

func (t Texts) withDefaults() Texts {
	if t.Welcome == "" {
		t.Welcome = "Welcome! Use the buttons below to look around."
	}
	if t.Menu == "" {
		t.Menu = "Menu:\n• /id — show your ID\n• /start — back to the greeting"
	}
	if t.Info == "" {
		t.Info = "This bot greets newcomers and keeps the community informed."
	}
	return t
}

// Callback payloads for the greeting keyboard.
const (
	cbOpenMenu = "open_menu"
	cbOpenInfo = "open_info"
	cbBackHome = "back_home"
)

func homeKeyboard() kit.InlineKeyboard {
	return kit.InlineKeyboard{
		{{Text: "📋 Menu", Data: cbOpenMenu}, {Text: "ℹ️ Info", Data: cbOpenInfo}},
	}
}

func backKeyboard() kit.InlineKeyboard {
	return kit.InlineKeyboard{
		{{Text: "⬅️ Back", Data: cbBackHome}},
	}
}

// view is what a callback transition renders: new body text plus the
// keyboard to attach.
type view struct {
	Text     string
	Keyboard kit.InlineKeyboard
}

// viewFor maps callback data to the next view. ok is false for payloads
// we did not issue (stale keyboards from old bot versions).
func (b *Bot) viewFor(data string) (view, bool) {
	texts := b.snapshotTexts()
	switch data {
	case cbOpenMenu:
		return view{Text: texts.Menu, Keyboard: backKeyboard()}, true
	case cbOpenInfo:
		return view{Text: texts.Info, Keyboard: backKeyboard()}, true
	case cbBackHome:
		return view{Text: texts.Welcome, Keyboard: homeKeyboard()}, true
	default:
		return view{}, false
	}
}

// applyView edits the message behind the pressed button. A greeting that
// went out as a photo has its caption edited; a text greeting has its
// text edited. Mixing the two up is a Telegram bad-request.
func (b *Bot) applyView(ctx context.Context, cb *kit.Callback, v view) error {
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	opt := &kit.SendOptions{Keyboard: v.Keyboard, DisablePreview: true}
	if cb.MessageHasPhoto {
		return b.ad.EditCaption(ctx, ref, v.Text, opt)
	}
	return b.ad.EditText(ctx, ref, v.Text, opt)
}

// sendGreeting delivers the /start greeting: photo with caption when a
// photo URL is configured, plain text otherwise. A failed photo send
// falls back to text so a dead URL never silences the greeting.
func (b *Bot) sendGreeting(ctx context.Context, chatID int64) error {
	texts := b.snapshotTexts()
	to := kit.ChatTarget{ChatID: chatID}
	opt := &kit.SendOptions{Keyboard: homeKeyboard(), DisablePreview: true}

	if texts.PhotoURL != "" {
		_, err := b.ad.SendPhoto(ctx, to, texts.PhotoURL, texts.Welcome, opt)
		if err == nil {
			return nil
		}
		b.log.Warn("greeting photo failed, falling back to text", logx.Err(err))
	}
	_, err := b.ad.SendText(ctx, to, texts.Welcome, opt)
	return err
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		b.log.Debug("reply failed", logx.Err(err))
	}
}

func (b *Bot) replyf(ctx context.Context, chatID int64, format string, args ...any) {
	b.reply(ctx, chatID, fmt.Sprintf(format, args...))
}
