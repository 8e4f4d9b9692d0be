// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"welcomebot/internal/backup"
	"welcomebot/internal/bot"
	"welcomebot/internal/broadcast"
	"welcomebot/internal/config"
	"welcomebot/internal/flood"
	"welcomebot/internal/store"
	kit "welcomebot/internal/transport"
	"welcomebot/internal/transport/telegram"
	"welcomebot/pkg/logx"
)

const updateBuffer = 64

type App struct {
	cfgPath string
}

func New(cfgPath string) *App {
	return &App{cfgPath: cfgPath}
}

// Run starts everything and blocks until ctx is cancelled. Startup
// errors are fatal; after that the bot rides out transient failures.
func (a *App) Run(ctx context.Context) error {
	mgr := config.NewManager(a.cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	defer logSvc.Close()
	log.Info("starting", logx.String("config", a.cfgPath))

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.ParseDuration(cfg.Storage.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("component", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.ParseDuration(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	engine := broadcast.New(broadcast.Config{}, ad, log.With(logx.String("component", "broadcast")))

	backups, err := backup.New(st, backup.Config{Dir: cfg.Backup.Dir},
		log.With(logx.String("component", "backup")))
	if err != nil {
		return err
	}

	b := bot.New(ad, st, engine, backups, nil, botConfig(cfg), log.With(logx.String("component", "bot")))

	hour, min := config.ParseHHMM(cfg.Backup.DailyAt)
	sched := backup.NewService(backups, hour, min, b.DeliverSnapshot,
		log.With(logx.String("component", "backup")))
	b.SetSchedule(sched)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop(context.Background())

	updates := make(chan kit.Update, updateBuffer)
	if err := ad.Start(ctx, updates); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ad.Stop(stopCtx)
	}()

	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	reloads := mgr.Subscribe(1)
	defer mgr.Unsubscribe(reloads)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }()
	log.Info("ready")

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case next := <-reloads:
			if next == nil {
				continue
			}
			applyReload(next, logSvc, b, sched, log)
		case up := <-updates:
			// Updates are handled inline; anything long-running (the
			// broadcast loop) forks its own goroutine off ctx.
			b.HandleUpdate(ctx, up)
		}
	}
}

// applyReload pushes the hot-reloadable config sections into the
// running services. Token and storage path changes need a restart.
func applyReload(cfg *config.Config, logSvc *logx.Service, b *bot.Bot, sched *backup.Service, log logx.Logger) {
	logSvc.Apply(logConfig(cfg))
	b.Apply(botConfig(cfg))
	hour, min := config.ParseHHMM(cfg.Backup.DailyAt)
	sched.Apply(hour, min)
	log.Info("config applied (token and storage changes take effect on restart)")
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func botConfig(cfg *config.Config) bot.Config {
	return bot.Config{
		AdminIDs: cfg.Telegram.AdminIDs,
		Texts: bot.Texts{
			PhotoURL: cfg.Texts.PhotoURL,
			Welcome:  config.ResolveText(cfg.Texts.Welcome, ""),
			Menu:     config.ResolveText(cfg.Texts.Menu, ""),
			Info:     config.ResolveText(cfg.Texts.Info, ""),
		},
		Flood: flood.Config{
			MaxMessages: cfg.Flood.MaxMessages,
			Window:      config.ParseDuration(cfg.Flood.Window, flood.DefaultWindow),
		},
	}
}
