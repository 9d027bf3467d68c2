package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracyhatemice/mailalert/internal/format"
	"github.com/tracyhatemice/mailalert/internal/notify"
)

// Lifecycle sends service start, stop and test-run notices. A nil
// Channel or a false Enabled turns every method into a no-op.
type Lifecycle struct {
	Channel notify.Channel
	Enabled bool
	Now     func() time.Time
	Logger  *slog.Logger
}

func (l Lifecycle) send(ctx context.Context, kind, text string) error {
	if !l.Enabled || l.Channel == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	err := l.Channel.Send(ctx, text)
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err != nil {
		logger.Warn("lifecycle notice not sent", "notice", kind, "error", err)
		return err
	}
	logger.Info("lifecycle notice sent", "notice", kind)
	return nil
}

func (l Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Lifecycle) Startup(ctx context.Context, info format.StartupInfo) error {
	info.Time = l.now()
	return l.send(ctx, "startup", format.Startup(info))
}

func (l Lifecycle) Shutdown(ctx context.Context) error {
	return l.send(ctx, "shutdown", format.Shutdown(l.now()))
}

func (l Lifecycle) TestRun(ctx context.Context) error {
	return l.send(ctx, "test_run", format.TestRun(l.now()))
}
