package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"welcomebot/internal/broadcast"
	"welcomebot/internal/store"
	kit "welcomebot/internal/transport"
	"welcomebot/pkg/logx"
)

const helpText = `Admin commands:
/status - uptime, users, broadcast and backup state
/diag - database diagnostics
/users - user count + CSV export
/recent [n] - most recently seen users
/backup - snapshot the database now
/backup_zip - snapshot as a zip archive
/restore_db - reply to an uploaded .db to merge it
/broadcast <text> - send text to everyone (or reply to a message to copy it)
/broadcast_stop - cancel the running broadcast
/id - show your ID`

func (b *Bot) handleAdminCommand(ctx context.Context, m *kit.Message) {
	switch m.Command {
	case "help":
		b.reply(ctx, m.ChatID, helpText)
	case "status":
		b.cmdStatus(ctx, m)
	case "diag":
		b.cmdDiag(ctx, m)
	case "users", "utenti":
		b.cmdUsers(ctx, m)
	case "recent":
		b.cmdRecent(ctx, m)
	case "backup":
		b.cmdBackup(ctx, m, false)
	case "backup_zip":
		b.cmdBackup(ctx, m, true)
	case "restore_db":
		b.cmdRestore(ctx, m)
	case "broadcast":
		b.cmdBroadcast(ctx, m)
	case "broadcast_stop":
		b.cmdBroadcastStop(ctx, m)
	default:
		b.reply(ctx, m.ChatID, "Unknown command. /help lists what I can do.")
	}
}

func (b *Bot) cmdStatus(ctx context.Context, m *kit.Message) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🟢 Up %s\n", time.Since(b.startedAt).Round(time.Second))

	if n, err := b.store.Count(ctx); err == nil {
		fmt.Fprintf(&sb, "👥 Users: %d\n", n)
	} else {
		fmt.Fprintf(&sb, "👥 Users: error (%v)\n", err)
	}

	snap := b.engine.Snapshot()
	if b.engine.Running() {
		fmt.Fprintf(&sb, "📣 Broadcast: running, %d/%d sent\n", snap.Sent, snap.Total)
	} else {
		fmt.Fprintf(&sb, "📣 Broadcast: %s\n", snap.Status)
	}

	if b.schedule != nil {
		if next := b.schedule.Next(); !next.IsZero() {
			fmt.Fprintf(&sb, "💾 Next backup: %s", next.UTC().Format("2006-01-02 15:04 MST"))
		} else {
			sb.WriteString("💾 Backup schedule: stopped")
		}
	}
	b.reply(ctx, m.ChatID, sb.String())
}

func (b *Bot) cmdDiag(ctx context.Context, m *kit.Message) {
	st := b.store.FileStats()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Database: %s\n", st.Path)
	fmt.Fprintf(&sb, "Exists: %v, valid: %v", st.Exists, st.Valid)
	if st.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", st.Reason)
	}
	fmt.Fprintf(&sb, "\nSize: %d bytes\n", st.SizeBytes)
	fmt.Fprintf(&sb, "Users table: %v, rows: %d\n", st.HasTable, st.Rows)

	if names, err := b.backups.List(); err == nil {
		fmt.Fprintf(&sb, "Snapshots on disk: %d", len(names))
		if len(names) > 0 {
			fmt.Fprintf(&sb, " (latest %s)", names[0])
		}
	}
	b.reply(ctx, m.ChatID, sb.String())
}

func (b *Bot) cmdRecent(ctx context.Context, m *kit.Message) {
	n := 10
	if len(m.Args) > 0 {
		if v, err := strconv.Atoi(m.Args[0]); err == nil && v > 0 && v <= 50 {
			n = v
		}
	}
	recent, err := b.store.Recent(ctx, n)
	if err != nil {
		b.replyf(ctx, m.ChatID, "❌ Could not read users: %v", err)
		return
	}
	if len(recent) == 0 {
		b.reply(ctx, m.ChatID, "No registered users yet.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d seen:", len(recent))
	for _, u := range recent {
		name := u.Username
		if name == "" {
			name = fmt.Sprintf("id:%d", u.ID)
		}
		fmt.Fprintf(&sb, "\n• %s (%s)", name, u.LastSeen.UTC().Format("2006-01-02 15:04"))
	}
	b.reply(ctx, m.ChatID, sb.String())
}

func (b *Bot) cmdUsers(ctx context.Context, m *kit.Message) {
	users, err := b.store.All(ctx)
	if err != nil {
		b.replyf(ctx, m.ChatID, "❌ Could not read users: %v", err)
		return
	}
	if len(users) == 0 {
		b.reply(ctx, m.ChatID, "No registered users yet.")
		return
	}

	f, err := os.CreateTemp("", "users-*.csv")
	if err != nil {
		b.replyf(ctx, m.ChatID, "❌ Export failed: %v", err)
		return
	}
	path := f.Name()
	defer os.Remove(path)

	err = store.WriteCSV(f, users)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.replyf(ctx, m.ChatID, "❌ Export failed: %v", err)
		return
	}

	caption := fmt.Sprintf("👥 %d registered users", len(users))
	if _, err := b.ad.SendDocument(ctx, kit.ChatTarget{ChatID: m.ChatID}, path, caption); err != nil {
		b.replyf(ctx, m.ChatID, "❌ Could not send export: %v", err)
	}
}

func (b *Bot) cmdBackup(ctx context.Context, m *kit.Message, zipped bool) {
	var (
		path string
		err  error
	)
	if zipped {
		path, err = b.backups.ZipSnapshot(ctx)
	} else {
		path, err = b.backups.SnapshotNow(ctx)
	}
	if err != nil {
		b.replyf(ctx, m.ChatID, "❌ Backup failed: %v", err)
		return
	}

	if _, err := b.ad.SendDocument(ctx, kit.ChatTarget{ChatID: m.ChatID}, path, "💾 Database snapshot"); err != nil {
		b.replyf(ctx, m.ChatID, "Snapshot written to %s but sending failed: %v", path, err)
	}

	if rep, err := b.backups.Prune(time.Now()); err == nil && len(rep.Removed) > 0 {
		b.replyf(ctx, m.ChatID, "🧹 Pruned %d expired snapshot(s)", len(rep.Removed))
	}
}

func (b *Bot) cmdRestore(ctx context.Context, m *kit.Message) {
	if m.ReplyTo == nil || m.ReplyTo.Document == nil {
		b.reply(ctx, m.ChatID, "Reply to an uploaded .db file with /restore_db to merge it.")
		return
	}
	doc := m.ReplyTo.Document

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("restore_%d_%s", m.From.ID, doc.UniqueID))
	defer os.Remove(tmp) // temp upload never outlives the command

	if err := b.ad.Download(ctx, doc.FileID, tmp); err != nil {
		b.replyf(ctx, m.ChatID, "❌ Download failed: %v", err)
		return
	}
	if err := store.ValidateFile(tmp); err != nil {
		b.replyf(ctx, m.ChatID, "❌ Not a usable SQLite database: %v", err)
		return
	}

	res, err := b.store.MergeSnapshot(ctx, tmp)
	if err != nil {
		b.replyf(ctx, m.ChatID, "❌ Merge failed, live data untouched: %v", err)
		return
	}
	b.replyf(ctx, m.ChatID,
		"✅ Merged %s snapshot %q\nRows imported: %d\nUsers before: %d, after: %d",
		res.Schema, doc.FileName, res.Imported, res.Before, res.After)
	b.log.Info("snapshot merged",
		logx.Int64("admin", m.From.ID),
		logx.String("schema", res.Schema.String()),
		logx.Int("imported", res.Imported))
}

func (b *Bot) cmdBroadcast(ctx context.Context, m *kit.Message) {
	var payload broadcast.Payload
	switch {
	case len(m.Args) > 0:
		payload.Text = strings.Join(m.Args, " ")
	case m.ReplyTo != nil:
		payload.Copy = &kit.MessageRef{ChatID: m.ChatID, MessageID: m.ReplyTo.MessageID}
	default:
		b.reply(ctx, m.ChatID, "Usage: /broadcast <text>, or reply to a message with /broadcast to copy it.")
		return
	}

	if b.engine.Running() {
		b.reply(ctx, m.ChatID, "A broadcast is already running. /broadcast_stop cancels it.")
		return
	}

	users, err := b.store.All(ctx)
	if err != nil {
		b.replyf(ctx, m.ChatID, "❌ Could not load recipients: %v", err)
		return
	}
	recipients := make([]kit.ChatTarget, 0, len(users))
	for _, u := range users {
		recipients = append(recipients, kit.ChatTarget{ChatID: u.ID})
	}
	if len(recipients) == 0 {
		b.reply(ctx, m.ChatID, "Nobody to broadcast to yet.")
		return
	}

	status, err := b.ad.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
		fmt.Sprintf("📣 Broadcasting to %d users…", len(recipients)), nil)
	if err != nil {
		b.log.Warn("broadcast status message failed", logx.Err(err))
	}
	progress := func(rep broadcast.Report) error {
		if status.MessageID == 0 {
			return nil
		}
		return b.ad.EditText(ctx, status, renderProgress(rep), nil)
	}

	go func() {
		if _, err := b.engine.Run(ctx, payload, recipients, progress); err != nil {
			if errors.Is(err, broadcast.ErrBusy) {
				b.reply(ctx, m.ChatID, "A broadcast is already running.")
				return
			}
			b.replyf(ctx, m.ChatID, "❌ Broadcast failed to start: %v", err)
		}
	}()
}

func (b *Bot) cmdBroadcastStop(ctx context.Context, m *kit.Message) {
	if !b.engine.Running() {
		b.reply(ctx, m.ChatID, "No broadcast is running.")
		return
	}
	b.engine.Cancel()
	b.reply(ctx, m.ChatID, "🛑 Stopping after the current recipient…")
}

func renderProgress(rep broadcast.Report) string {
	var sb strings.Builder
	switch rep.Status {
	case broadcast.StatusCompleted:
		sb.WriteString("✅ Broadcast finished\n")
	case broadcast.StatusCancelled:
		sb.WriteString("🛑 Broadcast cancelled\n")
	default:
		sb.WriteString("📣 Broadcast running…\n")
	}
	fmt.Fprintf(&sb, "%d/%d processed: %d sent, %d blocked, %d failed",
		rep.Attempted(), rep.Total, rep.Sent, rep.Blocked, rep.Failed)
	return sb.String()
}

// DeliverSnapshot sends a scheduled snapshot to every admin. One failed
// delivery never blocks the others.
func (b *Bot) DeliverSnapshot(ctx context.Context, path string) {
	b.mu.RLock()
	admins := make([]int64, 0, len(b.admins))
	for id := range b.admins {
		admins = append(admins, id)
	}
	b.mu.RUnlock()

	for _, id := range admins {
		_, err := b.ad.SendDocument(ctx, kit.ChatTarget{ChatID: id}, path, "💾 Scheduled database snapshot")
		if err != nil {
			b.log.Warn("snapshot delivery failed", logx.Int64("admin", id), logx.Err(err))
			b.replyf(ctx, id, "Scheduled backup ran but the file could not be sent: %v", err)
		}
	}
}
