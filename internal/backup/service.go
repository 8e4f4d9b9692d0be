package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"welcomebot/pkg/logx"
)

// DeliverFunc hands a finished snapshot to whoever wants it (the bot
// sends it to each admin). Delivery failures are the receiver's problem;
// the schedule is not affected.
type DeliverFunc func(ctx context.Context, snapshotPath string)

// Service runs the daily snapshot-and-prune job. The schedule is a
// single HH:MM wall time, evaluated in UTC.
type Service struct {
	mgr     *Manager
	deliver DeliverFunc
	log     logx.Logger

	mu    sync.Mutex
	c     *cron.Cron
	entry cron.EntryID
	hour  int
	min   int
}

func NewService(mgr *Manager, hour, min int, deliver DeliverFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{mgr: mgr, deliver: deliver, log: log, hour: hour, min: min}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.c = cron.New(cron.WithLocation(time.UTC))
	id, err := s.c.AddFunc(cronSpec(s.hour, s.min), s.runJob)
	if err != nil {
		s.c = nil
		return fmt.Errorf("backup: schedule: %w", err)
	}
	s.entry = id
	s.c.Start()
	s.log.Info("backup schedule started",
		logx.String("daily_at", fmt.Sprintf("%02d:%02d UTC", s.hour, s.min)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply reschedules the daily trigger. No-op if the time is unchanged.
func (s *Service) Apply(hour, min int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hour == s.hour && min == s.min {
		return
	}
	s.hour, s.min = hour, min
	if s.c == nil {
		return
	}
	s.c.Remove(s.entry)
	id, err := s.c.AddFunc(cronSpec(hour, min), s.runJob)
	if err != nil {
		s.log.Error("reschedule failed", logx.Err(err))
		return
	}
	s.entry = id
	s.log.Info("backup rescheduled",
		logx.String("daily_at", fmt.Sprintf("%02d:%02d UTC", hour, min)))
}

// Next reports when the job fires next; zero when the service is stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) runJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	path, err := s.mgr.SnapshotNow(ctx)
	if err != nil {
		s.log.Error("scheduled snapshot failed", logx.Err(err))
		return
	}
	if _, err := s.mgr.Prune(time.Now()); err != nil {
		s.log.Error("prune failed", logx.Err(err))
	}
	if s.deliver != nil {
		s.deliver(ctx, path)
	}
}

func cronSpec(hour, min int) string {
	return fmt.Sprintf("%d %d * * *", min, hour)
}
