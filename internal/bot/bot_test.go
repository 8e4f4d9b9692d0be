package bot_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"welcomebot/internal/backup"
	"welcomebot/internal/bot"
	"welcomebot/internal/broadcast"
	"welcomebot/internal/flood"
	"welcomebot/internal/store"
	kit "welcomebot/internal/transport"
	"welcomebot/pkg/logx"
)

type sent struct {
	To   int64
	Text string
	Opt  *kit.SendOptions
}

type edited struct {
	Ref  kit.MessageRef
	Text string
	Opt  *kit.SendOptions
}

type answered struct {
	ID    string
	Text  string
	Alert bool
}

// fakeAdapter records outbound traffic and can fail selected calls.
type fakeAdapter struct {
	mu           sync.Mutex
	texts        []sent
	photos       []sent
	docs         []sent
	edits        []edited
	captionEdits []edited
	deleted      []kit.MessageRef
	answers      []answered
	copies       []int64

	photoErr    error
	downloadSrc string // file copied into dst by Download
	nextID      int
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) ref(chatID int64) kit.MessageRef {
	f.nextID++
	return kit.MessageRef{ChatID: chatID, MessageID: f.nextID}
}

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sent{To: to.ChatID, Text: text, Opt: opt})
	return f.ref(to.ChatID), nil
}

func (f *fakeAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, photoURL, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.photoErr != nil {
		return kit.MessageRef{}, f.photoErr
	}
	f.photos = append(f.photos, sent{To: to.ChatID, Text: caption, Opt: opt})
	return f.ref(to.ChatID), nil
}

func (f *fakeAdapter) SendDocument(ctx context.Context, to kit.ChatTarget, path, caption string) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, sent{To: to.ChatID, Text: path + "|" + caption})
	return f.ref(to.ChatID), nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edited{Ref: ref, Text: text, Opt: opt})
	return nil
}

func (f *fakeAdapter) EditCaption(ctx context.Context, ref kit.MessageRef, caption string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captionEdits = append(f.captionEdits, edited{Ref: ref, Text: caption, Opt: opt})
	return nil
}

func (f *fakeAdapter) Copy(ctx context.Context, to kit.ChatTarget, src kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, to.ChatID)
	return nil
}

func (f *fakeAdapter) Delete(ctx context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answered{ID: callbackID, Text: text, Alert: alert})
	return nil
}

func (f *fakeAdapter) Download(ctx context.Context, fileID, dst string) error {
	src, err := os.Open(f.downloadSrc)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

func (f *fakeAdapter) sentTexts() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.texts...)
}

func (f *fakeAdapter) lastText() (sent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return sent{}, false
	}
	return f.texts[len(f.texts)-1], true
}

const adminID = int64(100)

type fixture struct {
	bot   *bot.Bot
	ad    *fakeAdapter
	store *store.Store
}

func newFixture(t *testing.T, admins ...int64) *fixture {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "users.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ad := &fakeAdapter{}
	engine := broadcast.New(broadcast.Config{SendDelay: time.Millisecond, RetrySlack: time.Millisecond}, ad, logx.Nop())
	mgr, err := backup.New(s, backup.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("backup manager: %v", err)
	}
	b := bot.New(ad, s, engine, mgr, nil, bot.Config{AdminIDs: admins}, logx.Nop())
	return &fixture{bot: b, ad: ad, store: s}
}

func command(from int64, text string) kit.Update {
	fields := strings.Fields(text)
	m := &kit.Message{ID: 1, ChatID: from, From: kit.Sender{ID: from, Username: "u"}, Text: text}
	if strings.HasPrefix(text, "/") {
		m.Command = strings.TrimPrefix(fields[0], "/")
		m.Args = fields[1:]
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: m}
}

func TestIDCommandAnswersEveryone(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.HandleUpdate(context.Background(), command(55, "/id"))

	got, ok := fx.ad.lastText()
	if !ok || !strings.Contains(got.Text, "55") {
		t.Fatalf("no ID reply: %+v", fx.ad.sentTexts())
	}
}

func TestAdminCommandsFailClosed(t *testing.T) {
	// No allowlist configured: nobody is an admin, not even by accident.
	fx := newFixture(t)
	fx.bot.HandleUpdate(context.Background(), command(55, "/status"))

	if n := len(fx.ad.sentTexts()); n != 0 {
		t.Errorf("non-admin got %d replies to /status, want silence", n)
	}
}

func TestStatusForAdmin(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.HandleUpdate(context.Background(), command(adminID, "/status"))

	got, ok := fx.ad.lastText()
	if !ok || !strings.Contains(got.Text, "Users: 1") {
		t.Errorf("status missing user count: %+v", got)
	}
}

func TestStartRegistersAndGreets(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.HandleUpdate(context.Background(), command(7, "/start"))

	n, err := fx.store.Count(context.Background())
	if err != nil || n != 1 {
		t.Errorf("user not registered: n=%d err=%v", n, err)
	}
	got, ok := fx.ad.lastText()
	if !ok {
		t.Fatal("no greeting sent")
	}
	if len(got.Opt.Keyboard) == 0 {
		t.Error("greeting has no keyboard")
	}
}

func TestGreetingFallsBackToTextWhenPhotoFails(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.Apply(bot.Config{AdminIDs: []int64{adminID}, Texts: bot.Texts{PhotoURL: "https://example.com/x.jpg", Welcome: "hi there"}})
	fx.ad.photoErr = &kit.DeliveryError{Kind: kit.DeliveryBadRequest, Err: os.ErrNotExist}

	fx.bot.HandleUpdate(context.Background(), command(7, "/start"))

	if len(fx.ad.photos) != 0 {
		t.Errorf("photo should have failed: %+v", fx.ad.photos)
	}
	got, ok := fx.ad.lastText()
	if !ok || got.Text != "hi there" {
		t.Errorf("fallback text not sent: %+v", got)
	}
}

func TestGreetingUsesPhotoWhenConfigured(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.Apply(bot.Config{AdminIDs: []int64{adminID}, Texts: bot.Texts{PhotoURL: "https://example.com/x.jpg", Welcome: "hi"}})

	fx.bot.HandleUpdate(context.Background(), command(7, "/start"))

	if len(fx.ad.photos) != 1 {
		t.Fatalf("photo not sent: %+v", fx.ad.photos)
	}
	if len(fx.ad.sentTexts()) != 0 {
		t.Errorf("unexpected text alongside photo: %+v", fx.ad.sentTexts())
	}
}

func TestCallbackEditsCaptionOnPhotoMessage(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.Apply(bot.Config{AdminIDs: []int64{adminID}, Texts: bot.Texts{Menu: "the menu"}})

	cb := &kit.Callback{ID: "cb1", From: kit.Sender{ID: 7}, ChatID: 7, MessageID: 33, Data: "open_menu", MessageHasPhoto: true}
	fx.bot.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: cb})

	if len(fx.ad.captionEdits) != 1 || fx.ad.captionEdits[0].Text != "the menu" {
		t.Errorf("caption not edited: %+v", fx.ad.captionEdits)
	}
	if len(fx.ad.edits) != 0 {
		t.Errorf("text edit on a photo message: %+v", fx.ad.edits)
	}
	if len(fx.ad.answers) != 1 || fx.ad.answers[0].Alert {
		t.Errorf("callback not answered quietly: %+v", fx.ad.answers)
	}
}

func TestCallbackEditsTextOnTextMessage(t *testing.T) {
	fx := newFixture(t, adminID)

	cb := &kit.Callback{ID: "cb2", From: kit.Sender{ID: 7}, ChatID: 7, MessageID: 34, Data: "back_home"}
	fx.bot.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: cb})

	if len(fx.ad.edits) != 1 {
		t.Fatalf("text not edited: %+v", fx.ad.edits)
	}
	if len(fx.ad.edits[0].Opt.Keyboard) == 0 {
		t.Error("home view lost its keyboard")
	}
}

func TestUnknownCallbackGetsAlert(t *testing.T) {
	fx := newFixture(t, adminID)

	cb := &kit.Callback{ID: "cb3", From: kit.Sender{ID: 7}, ChatID: 7, MessageID: 35, Data: "old_button"}
	fx.bot.HandleUpdate(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: cb})

	if len(fx.ad.answers) != 1 || !fx.ad.answers[0].Alert {
		t.Errorf("stale payload should alert: %+v", fx.ad.answers)
	}
	if len(fx.ad.edits)+len(fx.ad.captionEdits) != 0 {
		t.Error("stale payload edited the message")
	}
}

func TestGroupMessageFromNonAdminIsDeleted(t *testing.T) {
	fx := newFixture(t, adminID)

	up := command(55, "whatever")
	up.Message.ChatID = -1009
	up.Message.IsGroup = true
	fx.bot.HandleUpdate(context.Background(), up)

	if len(fx.ad.deleted) != 1 || fx.ad.deleted[0].ChatID != -1009 {
		t.Errorf("group message not deleted: %+v", fx.ad.deleted)
	}
	// Group chatter must not pollute the user table.
	if n, _ := fx.store.Count(context.Background()); n != 0 {
		t.Errorf("group sender registered: %d users", n)
	}
}

func TestGroupMessageFromAdminIsKept(t *testing.T) {
	fx := newFixture(t, adminID)

	up := command(adminID, "announcement")
	up.Message.ChatID = -1009
	up.Message.IsGroup = true
	fx.bot.HandleUpdate(context.Background(), up)

	if len(fx.ad.deleted) != 0 {
		t.Errorf("admin group message deleted: %+v", fx.ad.deleted)
	}
}

func TestFloodWarnsOnPlainTextOnly(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.Apply(bot.Config{AdminIDs: []int64{adminID}, Flood: flood.Config{MaxMessages: 2, Window: 10 * time.Second}})

	ctx := context.Background()
	fx.bot.HandleUpdate(ctx, command(7, "hello"))
	fx.bot.HandleUpdate(ctx, command(7, "hello"))
	fx.bot.HandleUpdate(ctx, command(7, "hello"))

	got, ok := fx.ad.lastText()
	if !ok || !strings.Contains(got.Text, "Slow down") {
		t.Fatalf("no flood warning: %+v", fx.ad.sentTexts())
	}

	// Commands are not counted and stay usable right after the warning.
	fx.bot.HandleUpdate(ctx, command(7, "/id"))
	got, ok = fx.ad.lastText()
	if !ok || !strings.Contains(got.Text, "Your ID") {
		t.Errorf("command swallowed by flood counter: %+v", got)
	}
}

func TestUsersExportSendsCSV(t *testing.T) {
	fx := newFixture(t, adminID)
	ctx := context.Background()
	if err := fx.store.Upsert(ctx, store.Identity{ID: 1, Username: "bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fx.bot.HandleUpdate(ctx, command(adminID, "/users"))

	// The admin's own /users message registers them too.
	if len(fx.ad.docs) != 1 || !strings.Contains(fx.ad.docs[0].Text, "2 registered users") {
		t.Errorf("csv export not sent: %+v", fx.ad.docs)
	}
}

func TestRecentListsLatestUsers(t *testing.T) {
	fx := newFixture(t, adminID)
	ctx := context.Background()
	if err := fx.store.Upsert(ctx, store.Identity{ID: 1, Username: "old_timer"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := fx.store.Upsert(ctx, store.Identity{ID: 2, Username: "newcomer"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fx.bot.HandleUpdate(ctx, command(adminID, "/recent 2"))

	got, ok := fx.ad.lastText()
	if !ok || !strings.Contains(got.Text, "newcomer") {
		t.Fatalf("recent listing missing users: %+v", got)
	}
}

func TestBackupCommandSendsSnapshot(t *testing.T) {
	fx := newFixture(t, adminID)
	ctx := context.Background()

	fx.bot.HandleUpdate(ctx, command(adminID, "/backup"))

	if len(fx.ad.docs) != 1 || !strings.Contains(fx.ad.docs[0].Text, "backup_") {
		t.Errorf("snapshot not sent: %+v", fx.ad.docs)
	}
}

func TestRestoreMergesUploadedSnapshot(t *testing.T) {
	fx := newFixture(t, adminID)
	ctx := context.Background()

	// Build a snapshot to "upload".
	snapStore, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "snap.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	if err := snapStore.Upsert(ctx, store.Identity{ID: 777, Username: "imported"}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	snapPath := snapStore.Path()
	snapStore.Close()
	fx.ad.downloadSrc = snapPath

	up := command(adminID, "/restore_db")
	up.Message.ReplyTo = &kit.ReplyRef{
		MessageID: 9,
		Document:  &kit.Document{FileID: "f1", UniqueID: "u1", FileName: "snap.db"},
	}
	fx.bot.HandleUpdate(ctx, up)

	got, ok := fx.ad.lastText()
	if !ok || !strings.Contains(got.Text, "Merged") {
		t.Fatalf("no merge confirmation: %+v", fx.ad.sentTexts())
	}
	users, err := fx.store.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	found := false
	for _, u := range users {
		if u.ID == 777 && u.Username == "imported" {
			found = true
		}
	}
	if !found {
		t.Errorf("imported user missing: %+v", users)
	}
}

func TestRestoreWithoutReplyExplainsUsage(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.HandleUpdate(context.Background(), command(adminID, "/restore_db"))

	got, ok := fx.ad.lastText()
	if !ok || !strings.Contains(got.Text, "Reply to an uploaded") {
		t.Errorf("no usage hint: %+v", got)
	}
}

func TestBroadcastDeliversToAllUsers(t *testing.T) {
	fx := newFixture(t, adminID)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		if err := fx.store.Upsert(ctx, store.Identity{ID: id}); err != nil {
			t.Fatalf("seed user %d: %v", id, err)
		}
	}

	fx.bot.HandleUpdate(ctx, command(adminID, "/broadcast hello everyone"))

	waitFor(t, func() bool {
		n := 0
		for _, s := range fx.ad.sentTexts() {
			if s.Text == "hello everyone" {
				n++
			}
		}
		return n == 4 // 3 seeded users + the admin (registered by the command)
	})
}

func TestBroadcastStopWithoutJob(t *testing.T) {
	fx := newFixture(t, adminID)
	fx.bot.HandleUpdate(context.Background(), command(adminID, "/broadcast_stop"))

	got, ok := fx.ad.lastText()
	if !ok || !strings.Contains(got.Text, "No broadcast") {
		t.Errorf("unexpected reply: %+v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
