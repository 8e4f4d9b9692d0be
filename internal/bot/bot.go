// Package bot is the command surface: it turns transport updates into
// store, broadcast and backup operations.
package bot

import (
	"context"
	"sync"
	"time"

	"welcomebot/internal/backup"
	"welcomebot/internal/broadcast"
	"welcomebot/internal/flood"
	"welcomebot/internal/store"
	kit "welcomebot/internal/transport"
	"welcomebot/pkg/logx"
)

type Config struct {
	AdminIDs []int64
	Texts    Texts
	Flood    flood.Config
}

type Bot struct {
	ad       kit.Adapter
	store    *store.Store
	engine   *broadcast.Engine
	backups  *backup.Manager
	schedule *backup.Service
	guard    *flood.Guard
	log      logx.Logger

	startedAt time.Time

	mu     sync.RWMutex
	admins map[int64]struct{}
	texts  Texts
}

func New(ad kit.Adapter, st *store.Store, engine *broadcast.Engine, backups *backup.Manager, schedule *backup.Service, cfg Config, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		ad:        ad,
		store:     st,
		engine:    engine,
		backups:   backups,
		schedule:  schedule,
		guard:     flood.New(cfg.Flood),
		log:       log,
		startedAt: time.Now(),
		admins:    make(map[int64]struct{}),
		texts:     cfg.Texts.withDefaults(),
	}
	b.setAdmins(cfg.AdminIDs)
	return b
}

// SetSchedule attaches the backup schedule for /status reporting.
// Call before the first update is handled.
func (b *Bot) SetSchedule(s *backup.Service) { b.schedule = s }

// Apply swaps the hot-reloadable parts of the config.
func (b *Bot) Apply(cfg Config) {
	b.mu.Lock()
	b.texts = cfg.Texts.withDefaults()
	b.mu.Unlock()
	b.setAdmins(cfg.AdminIDs)
	b.guard.Apply(cfg.Flood)
}

func (b *Bot) setAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	b.mu.Lock()
	b.admins = m
	b.mu.Unlock()
	if len(m) == 0 {
		// Fail closed: with no allowlist, nobody is an admin. /id exists
		// so operators can find their own ID and fix the config.
		b.log.Warn("admin allowlist is empty, all admin commands disabled")
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.admins[userID]
	return ok
}

func (b *Bot) snapshotTexts() Texts {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.texts
}

// HandleUpdate processes one inbound update. ctx should be the app
// lifetime context: long work started here (broadcasts) inherits it and
// dies with the process, not with the update.
func (b *Bot) HandleUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			b.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			b.handleCallback(ctx, up.Callback)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *kit.Message) {
	admin := b.isAdmin(m.From.ID)

	// Groups are kept clean: only admins may post. Everything else is
	// removed and otherwise ignored.
	if m.IsGroup {
		if !admin {
			if err := b.ad.Delete(ctx, kit.MessageRef{ChatID: m.ChatID, MessageID: m.ID}); err != nil {
				b.log.Debug("group message delete failed", logx.Err(err))
			}
		}
		return
	}

	if err := b.store.Upsert(ctx, store.Identity{
		ID:        m.From.ID,
		Username:  m.From.Username,
		FirstName: m.From.FirstName,
		LastName:  m.From.LastName,
	}); err != nil {
		b.log.Error("user upsert failed", logx.Int64("user_id", m.From.ID), logx.Err(err))
	}

	// Only plain chatter counts toward the flood limit; commands are
	// never swallowed by earlier text spam.
	if !admin && m.Command == "" && b.guard.Observe(m.From.ID) == flood.Warn {
		b.reply(ctx, m.ChatID, "⚠️ Slow down, you are sending messages too fast.")
		return
	}

	switch m.Command {
	case "":
		// Plain text in private chat; nothing to do.
	case "start":
		if err := b.sendGreeting(ctx, m.ChatID); err != nil {
			b.log.Error("greeting failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
		}
	case "id":
		b.replyf(ctx, m.ChatID, "Your ID: %d\nChat ID: %d", m.From.ID, m.ChatID)
	default:
		if !admin {
			return
		}
		b.handleAdminCommand(ctx, m)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *kit.Callback) {
	v, ok := b.viewFor(cb.Data)
	if !ok {
		if err := b.ad.AnswerCallback(ctx, cb.ID, "This button is no longer active.", true); err != nil {
			b.log.Debug("callback answer failed", logx.Err(err))
		}
		return
	}
	if err := b.applyView(ctx, cb, v); err != nil {
		b.log.Debug("view edit failed", logx.String("data", cb.Data), logx.Err(err))
	}
	// Always answer, or the client shows a spinner forever.
	if err := b.ad.AnswerCallback(ctx, cb.ID, "", false); err != nil {
		b.log.Debug("callback answer failed", logx.Err(err))
	}
}
