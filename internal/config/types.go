package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Texts    TextsConfig    `json:"texts"`
	Storage  StorageConfig  `json:"storage"`
	Backup   BackupConfig   `json:"backup"`
	Flood    FloodConfig    `json:"flood"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminIDs is the administrator allowlist. An empty list means nobody
	// passes the admin check (fail-closed; see /id for finding your own ID).
	AdminIDs []int64 `json:"admin_ids"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// TextsConfig holds the user-facing copy. Values starting with "file://"
// are read from the named file at load time, so long texts can live
// outside the config.
type TextsConfig struct {
	PhotoURL string `json:"photo_url,omitempty"`
	Welcome  string `json:"welcome,omitempty"`
	Menu     string `json:"menu,omitempty"`
	Info     string `json:"info,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type BackupConfig struct {
	Dir string `json:"dir"`
	// DailyAt is "HH:MM" in UTC; invalid or empty values fall back to 03:00.
	DailyAt string `json:"daily_at,omitempty"`
}

type FloodConfig struct {
	// MaxMessages within Window before the user is warned once.
	MaxMessages int    `json:"max_messages,omitempty"`
	Window      string `json:"window,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate checks the startup-critical fields. Only the token is fatal;
// everything else has a workable default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.Backup.Dir) == "" {
		return fmt.Errorf("backup.dir is required")
	}
	return nil
}

// ParseDuration parses a Go duration string, returning def on empty or
// invalid input.
func ParseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// ParseHHMM parses "HH:MM"; invalid input falls back to 03:00 like the
// backup default.
func ParseHHMM(s string) (hour, min int) {
	hour, min = 3, 0
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return hour, min
	}
	var h, m int
	if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &h, &m); err != nil {
		return hour, min
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return hour, min
	}
	return h, m
}

// ResolveText expands the optional "file://" indirection and the literal
// "\n" escapes that survive flat config values.
func ResolveText(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	v = strings.ReplaceAll(v, `\n`, "\n")
	if path, ok := strings.CutPrefix(v, "file://"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return def
		}
		return string(b)
	}
	return v
}
