package broadcast

import (
	"context"
	"errors"
	"time"

	kit "welcomebot/internal/transport"
)

var (
	// ErrBusy is returned when a job is already running; the engine drives
	// one fan-out at a time.
	ErrBusy = errors.New("broadcast already running")
	// ErrNoRecipients is returned for an empty recipient set.
	ErrNoRecipients = errors.New("no recipients")
)

// Payload is what gets delivered to every recipient: either literal text
// or an existing message to duplicate.
type Payload struct {
	Text string
	Copy *kit.MessageRef // when set, Copy wins over Text
}

// Preview is a short human-readable form for progress messages.
func (p Payload) Preview() string {
	if p.Copy != nil {
		return "(copied message)"
	}
	if len(p.Text) > 120 {
		return p.Text[:120] + "…"
	}
	return p.Text
}

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Report is the accounting snapshot of a job. At all times
// Sent+Blocked+Failed <= Total, with equality on normal completion.
type Report struct {
	Status  Status
	Total   int
	Sent    int
	Blocked int
	Failed  int
}

// Attempted is how many recipients have a recorded outcome.
func (r Report) Attempted() int { return r.Sent + r.Blocked + r.Failed }

// Sender is the outbound capability the engine needs; satisfied by the
// transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	Copy(ctx context.Context, to kit.ChatTarget, src kit.MessageRef) error
}

// ProgressFunc receives periodic snapshots and the final report.
// Errors from progress emission are swallowed; progress is best-effort.
type ProgressFunc func(Report) error

type Config struct {
	// SendDelay is the deliberate pause between recipients (aggregate
	// rate-limit headroom, not error backoff).
	SendDelay time.Duration
	// ProgressEvery emits a progress snapshot each time this many
	// recipients have been processed.
	ProgressEvery int
	// RetrySlack is added on top of the platform's retry-after window.
	RetrySlack time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendDelay <= 0 {
		c.SendDelay = 80 * time.Millisecond
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 200
	}
	if c.RetrySlack <= 0 {
		c.RetrySlack = time.Second
	}
	return c
}
