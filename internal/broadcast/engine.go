package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "welcomebot/internal/transport"
	"welcomebot/pkg/logx"
)

// Engine drives one sequential fan-out at a time.
//
// State machine: IDLE -> RUNNING -> {COMPLETED | CANCELLED} -> IDLE.
// Cancellation is cooperative: the flag is checked before every delivery
// attempt, so cancel latency is bounded by one delivery-plus-delay cycle
// (or the rate-limit backoff ceiling while asleep).
type Engine struct {
	cfg    Config
	sender Sender
	log    logx.Logger

	mu      sync.Mutex
	running bool
	report  Report

	cancelled atomic.Bool
}

func New(cfg Config, sender Sender, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg.withDefaults(), sender: sender, log: log}
}

// Running reports whether a job is in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Snapshot returns the current accounting state (of the running job, or
// the last finished one).
func (e *Engine) Snapshot() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report
}

// Cancel requests a cooperative stop. No-op when idle; it never
// interrupts an attempt already in flight.
func (e *Engine) Cancel() {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		e.cancelled.Store(true)
		e.log.Info("broadcast cancel requested")
	}
}

// Run delivers payload to every recipient in order and blocks until the
// job finishes or is cancelled. The caller decides the goroutine; cancel
// and status commands stay responsive because they only touch the flag
// and the snapshot.
//
// progress may be nil. It receives a snapshot every cfg.ProgressEvery
// recipients; emission failures are ignored. The final report is returned
// (and also pushed to progress).
func (e *Engine) Run(ctx context.Context, payload Payload, recipients []kit.ChatTarget, progress ProgressFunc) (Report, error) {
	if len(recipients) == 0 {
		return Report{}, ErrNoRecipients
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return Report{}, ErrBusy
	}
	e.running = true
	e.cancelled.Store(false)
	e.report = Report{Status: StatusRunning, Total: len(recipients)}
	e.mu.Unlock()

	start := time.Now()
	e.log.Info("broadcast started",
		logx.Int("total", len(recipients)),
		logx.Bool("copy", payload.Copy != nil),
		logx.String("preview", payload.Preview()))

	// One send per SendDelay: a deliberate throttle, not error backoff.
	limiter := rate.NewLimiter(rate.Every(e.cfg.SendDelay), 1)

	status := StatusCompleted
	for i, to := range recipients {
		if e.cancelled.Load() || ctx.Err() != nil {
			status = StatusCancelled
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			status = StatusCancelled
			break
		}

		outcome := e.deliver(ctx, payload, to)
		if outcome == outcomeCancelled {
			status = StatusCancelled
			break
		}

		e.mu.Lock()
		switch outcome {
		case outcomeSent:
			e.report.Sent++
		case outcomeBlocked:
			e.report.Blocked++
		case outcomeFailed:
			e.report.Failed++
		}
		snap := e.report
		e.mu.Unlock()

		if progress != nil && (i+1)%e.cfg.ProgressEvery == 0 {
			if err := progress(snap); err != nil {
				e.log.Debug("progress emit failed", logx.Err(err))
			}
		}
	}

	e.mu.Lock()
	e.report.Status = status
	final := e.report
	e.running = false
	e.mu.Unlock()

	if progress != nil {
		if err := progress(final); err != nil {
			e.log.Debug("final report emit failed", logx.Err(err))
		}
	}
	e.log.Info("broadcast finished",
		logx.String("status", status.String()),
		logx.Int("total", final.Total),
		logx.Int("sent", final.Sent),
		logx.Int("blocked", final.Blocked),
		logx.Int("failed", final.Failed),
		logx.Duration("took", time.Since(start)))
	return final, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeBlocked
	outcomeFailed
	outcomeCancelled
)

// deliver makes one attempt, plus at most one retry after a rate-limit
// signal (suspending the whole loop for retry-after + slack first).
func (e *Engine) deliver(ctx context.Context, payload Payload, to kit.ChatTarget) outcome {
	err := e.sendOne(ctx, payload, to)
	if err == nil {
		return outcomeSent
	}
	if kit.IsBlocked(err) {
		return outcomeBlocked
	}
	after, limited := kit.RetryAfter(err)
	if !limited {
		e.log.Debug("broadcast send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		return outcomeFailed
	}

	wait := after + e.cfg.RetrySlack
	e.log.Warn("rate limited, suspending broadcast",
		logx.Int64("chat_id", to.ChatID), logx.Duration("wait", wait))
	// The retry is an attempt of its own: a cancel issued during the
	// backoff window stops the job without retrying.
	if !e.sleep(ctx, wait) || e.cancelled.Load() {
		return outcomeCancelled
	}

	// Single retry; a second rate-limit signal is not retried again.
	err = e.sendOne(ctx, payload, to)
	switch {
	case err == nil:
		return outcomeSent
	case kit.IsBlocked(err):
		return outcomeBlocked
	default:
		e.log.Debug("broadcast retry failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		return outcomeFailed
	}
}

func (e *Engine) sendOne(ctx context.Context, payload Payload, to kit.ChatTarget) error {
	if payload.Copy != nil {
		return e.sender.Copy(ctx, to, *payload.Copy)
	}
	_, err := e.sender.SendText(ctx, to, payload.Text, &kit.SendOptions{
		Protected:      true,
		DisablePreview: true,
	})
	return err
}

// sleep waits for d, returning false if the context was cancelled first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}
