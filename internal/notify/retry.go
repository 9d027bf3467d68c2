package notify

import (
	"context"
	"log/slog"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type retrying struct {
	inner    Channel
	attempts int
	delay    time.Duration
	sleep    SleepFunc
	logger   *slog.Logger
}

// WithRetry re-sends transient failures up to attempts times in total,
// waiting delay between tries. Rejections are returned immediately.
func WithRetry(ch Channel, attempts int, delay time.Duration, sleep SleepFunc, logger *slog.Logger) Channel {
	if attempts < 1 {
		attempts = 1
	}
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{inner: ch, attempts: attempts, delay: delay, sleep: sleep, logger: logger}
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Send(ctx context.Context, payload string) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.inner.Send(ctx, payload)
		if err == nil || IsRejected(err) {
			return err
		}
		if attempt == r.attempts {
			break
		}
		r.logger.Warn("send failed, retrying",
			"channel", r.inner.Name(), "attempt", attempt, "max", r.attempts, "delay", r.delay, "error", err)
		if serr := r.sleep(ctx, r.delay); serr != nil {
			break
		}
	}
	return err
}

func (r *retrying) Check(ctx context.Context) error { return Check(ctx, r.inner) }
