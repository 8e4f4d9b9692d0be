package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "welcomebot/internal/transport"
	"welcomebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter bridges telebot to the platform-neutral transport types.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged on Stop() to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: a.convertMessage(m)})
		return nil
	}
	// OnText carries commands and plain text; OnMedia covers photos,
	// documents and the rest (flood guard and group cleanup see them too).
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnMedia, onMessage)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || cb.Sender == nil {
			return nil
		}
		up := kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:              cb.ID,
				From:            convertSender(cb.Sender),
				ChatID:          m.Chat.ID,
				MessageID:       m.ID,
				Data:            strings.TrimPrefix(strings.TrimSpace(cb.Data), "\f"),
				MessageHasPhoto: m.Photo != nil,
			},
		}
		a.sendUpdate(up)
		return nil
	})
}

func (a *Adapter) convertMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:      m.ID,
		ChatID:  m.Chat.ID,
		From:    convertSender(m.Sender),
		Text:    m.Text,
		IsGroup: m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
	out.Command, out.Args = parseCommand(m.Text, a.bot.Me.Username)
	if r := m.ReplyTo; r != nil {
		ref := &kit.ReplyRef{MessageID: r.ID, Text: r.Text, Caption: r.Caption}
		if r.Document != nil {
			ref.Document = &kit.Document{
				FileID:   r.Document.FileID,
				UniqueID: r.Document.UniqueID,
				FileName: r.Document.FileName,
			}
		}
		out.ReplyTo = ref
	}
	return out
}

func convertSender(u *tele.User) kit.Sender {
	return kit.Sender{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

// parseCommand extracts "/cmd arg1 arg2" into ("cmd", ["arg1","arg2"]).
// A "@BotName" suffix on the command is stripped only when it matches us.
func parseCommand(text, me string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		if me != "" && !strings.EqualFold(cmd[at+1:], me) {
			return "", nil // addressed to another bot
		}
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil
	}
	return strings.ToLower(cmd), fields[1:]
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.runMu.Unlock()

	// Anti-conflict: a stale webhook blocks getUpdates polling.
	if err := a.bot.RemoveWebhook(true); err != nil {
		a.log.Warn("webhook reset failed", logx.Err(err))
	}

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	go func() {
		a.log.Info("polling started", logx.String("bot", a.bot.Me.Username))
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
	}
	// telebot Stop is expected to be fast; run it async just in case.
	done := make(chan struct{})
	go func() {
		a.bot.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOptions(opt))
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, photoURL, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	p := &tele.Photo{File: tele.FromURL(photoURL), Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, p, sendOptions(opt))
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendDocument(ctx context.Context, to kit.ChatTarget, path, caption string) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	d := &tele.Document{File: tele.FromDisk(path), FileName: fileBase(path), Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, d)
	if err != nil {
		return kit.MessageRef{}, classify(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Edit(editable(ref), text, sendOptions(opt))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) EditCaption(ctx context.Context, ref kit.MessageRef, caption string, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.EditCaption(editable(ref), caption, sendOptions(opt))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Copy(ctx context.Context, to kit.ChatTarget, src kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Copy(&tele.Chat{ID: to.ChatID}, editable(src), &tele.SendOptions{Protected: true})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, ref kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.Delete(editable(ref)); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text, ShowAlert: alert})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Download(ctx context.Context, fileID, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := a.bot.FileByID(fileID)
	if err != nil {
		return classify(err)
	}
	if err := a.bot.Download(&f, dst); err != nil {
		return classify(err)
	}
	return nil
}

func sendOptions(opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		Protected:             opt.Protected,
	}
	if len(opt.Keyboard) > 0 {
		so.ReplyMarkup = inlineMarkup(opt.Keyboard)
	}
	return so
}

// inlineMarkup converts the neutral keyboard to telebot's. Data-only
// buttons: telebot sends Data verbatim as callback_data when Unique is
// empty, which pairs with the "\f" trim on receive.
func inlineMarkup(kb kit.InlineKeyboard) *tele.ReplyMarkup {
	rows := make([][]tele.InlineButton, 0, len(kb))
	for _, r := range kb {
		row := make([]tele.InlineButton, 0, len(r))
		for _, b := range r {
			row = append(row, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		rows = append(rows, row)
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

func editable(ref kit.MessageRef) tele.Editable {
	return &tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
}

func fileBase(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
