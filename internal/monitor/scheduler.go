package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tracyhatemice/mailalert/internal/format"
	"github.com/tracyhatemice/mailalert/internal/notify"
)

// Cycler runs one poll cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (Result, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Interval separates the end of one cycle from the start of the next.
	Interval time.Duration
	// Backoff replaces Interval after a failed cycle.
	Backoff time.Duration
	// Sleep waits between cycles; it must return early when ctx is done.
	Sleep notify.SleepFunc
	// Notices, if set, receives failure and recovery notices.
	Notices notify.Channel
	Now     func() time.Time
	Logger  *slog.Logger
}

// Status is a snapshot of scheduler progress.
type Status struct {
	Running             bool
	Cycles              int
	LastResult          Result
	LastSuccess         time.Time
	ConsecutiveFailures int
}

// Scheduler runs cycles one at a time, either once or until stopped.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	backoff  time.Duration
	sleep    notify.SleepFunc
	notices  notify.Channel
	now      func() time.Time
	logger   *slog.Logger

	runMu sync.Mutex // serializes cycles

	mu     sync.RWMutex
	status Status
}

// NewScheduler creates a Scheduler.
func NewScheduler(c Cycler, o SchedulerOptions) *Scheduler {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Backoff <= 0 {
		o.Backoff = o.Interval
	}
	if o.Sleep == nil {
		o.Sleep = notify.Sleep
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Scheduler{
		cycler:   c,
		interval: o.Interval,
		backoff:  o.Backoff,
		sleep:    o.Sleep,
		notices:  o.Notices,
		now:      o.Now,
		logger:   o.Logger,
	}
}

// Status returns the latest snapshot. It is safe for concurrent use.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RunOnce runs exactly one cycle. Cancelling ctx does not interrupt it;
// the cycle is bounded by the controller's cycle timeout instead.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	return s.cycle(context.WithoutCancel(ctx))
}

// Run starts a cycle immediately and then one per interval until ctx is
// done. Cancellation is observed between cycles; a cycle in flight runs to
// completion. Cycle failures never end Run.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	s.logger.Info("scheduler started", "interval", s.interval, "backoff", s.backoff)
	for {
		if ctx.Err() != nil {
			break
		}
		_, err := s.cycle(context.WithoutCancel(ctx))

		wait := s.interval
		if err != nil {
			wait = s.backoff
		}
		if ctx.Err() != nil {
			break
		}
		s.logger.Debug("waiting for next cycle", "wait", wait)
		if err := s.sleep(ctx, wait); err != nil {
			break
		}
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Running = v
}

func (s *Scheduler) cycle(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	res, err := s.cycler.RunCycle(ctx)

	s.mu.Lock()
	s.status.Cycles++
	s.status.LastResult = res
	prevFailures := s.status.ConsecutiveFailures
	if err != nil {
		s.status.ConsecutiveFailures++
	} else {
		s.status.ConsecutiveFailures = 0
		s.status.LastSuccess = res.Finished
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("poll cycle failed", res.LogAttrs()...)
		if prevFailures == 0 {
			s.notify(ctx, format.CycleFailure(s.now(), err, s.backoff))
		}
		return res, err
	}

	if res.Listed > 0 || res.Delivered > 0 {
		s.logger.Info("poll cycle finished", res.LogAttrs()...)
	} else {
		s.logger.Debug("poll cycle finished", res.LogAttrs()...)
	}
	if prevFailures > 0 {
		s.notify(ctx, format.Recovery(s.now(), prevFailures))
	}
	return res, nil
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.notices == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := s.notices.Send(nctx, text); err != nil {
		s.logger.Warn("lifecycle notice not sent", "error", err)
	}
}
