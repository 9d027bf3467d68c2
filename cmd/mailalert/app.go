package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tracyhatemice/mailalert/internal/config"
	"github.com/tracyhatemice/mailalert/internal/dedup"
	"github.com/tracyhatemice/mailalert/internal/filter"
	"github.com/tracyhatemice/mailalert/internal/format"
	"github.com/tracyhatemice/mailalert/internal/keepalive"
	"github.com/tracyhatemice/mailalert/internal/monitor"
	"github.com/tracyhatemice/mailalert/internal/notify"
	"github.com/tracyhatemice/mailalert/internal/receiver"
)

// app holds the wired components for one invocation.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	tracker    dedup.Tracker
	channel    notify.Channel
	controller *monitor.Controller
	scheduler  *monitor.Scheduler
	lifecycle  monitor.Lifecycle
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	recv, err := newReceiver(cfg, logger)
	if err != nil {
		return nil, err
	}

	senders, err := filter.New(cfg.MonitoredSenders(), filter.Mode(cfg.SenderMatch))
	if err != nil {
		return nil, fmt.Errorf("build sender filter: %w", err)
	}

	ch, err := newChannel(cfg, logger)
	if err != nil {
		return nil, err
	}

	tracker, err := dedup.Open(cfg.Tracker.GetBackend(), cfg.Tracker.GetPath())
	if err != nil {
		return nil, fmt.Errorf("open delivery tracker: %w", err)
	}
	count, err := tracker.Count(context.Background())
	if err != nil {
		_ = tracker.Close()
		return nil, fmt.Errorf("count delivered ids: %w", err)
	}
	logger.Info("loaded delivery tracker",
		"backend", cfg.Tracker.GetBackend(),
		"path", cfg.Tracker.GetPath(),
		"delivered", count,
		"created", tracker.Created(),
	)

	maxLen := cfg.Notifier.MaxLength
	if maxLen == 0 {
		maxLen = notify.DefaultMaxLength(cfg.Notifier.GetType())
	}

	ctrl := monitor.NewController(monitor.Options{
		Receiver: recv,
		Folder:   cfg.Mailbox.GetFolder(),
		Filter:   senders,
		Formatter: format.Formatter{
			MaxLength:   maxLen,
			MaxSegments: cfg.Notifier.GetMaxSegments(),
			Location:    time.Local,
		},
		Channel:      ch,
		Tracker:      tracker,
		CycleTimeout: cfg.Poll.CycleTimeout(),
		Logger:       logger,
	})

	var notices notify.Channel
	if cfg.Notifier.Lifecycle() {
		notices = ch
	}
	sched := monitor.NewScheduler(ctrl, monitor.SchedulerOptions{
		Interval: cfg.Poll.Interval(),
		Backoff:  cfg.Poll.Backoff(),
		Notices:  notices,
		Logger:   logger,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		tracker:    tracker,
		channel:    ch,
		controller: ctrl,
		scheduler:  sched,
		lifecycle: monitor.Lifecycle{
			Channel: ch,
			Enabled: cfg.Notifier.Lifecycle(),
			Logger:  logger,
		},
	}, nil
}

func (a *app) close() {
	if err := a.tracker.Close(); err != nil {
		a.logger.Warn("close delivery tracker", "error", err)
	}
}

func newReceiver(cfg *config.Config, logger *slog.Logger) (receiver.Receiver, error) {
	m := cfg.Mailbox
	recv, err := receiver.New(m.GetProtocol(), receiver.Options{
		Host:               m.Host,
		Port:               m.GetPort(),
		Username:           m.Username,
		Password:           m.Password,
		UseTLS:             m.TLS(),
		InsecureSkipVerify: m.InsecureSkipVerify,
		LookbackDays:       m.GetLookbackDays(),
		Timeout:            m.Timeout(),
		DeleteAfterRead:    m.DeleteAfterRead,
		Path:               m.Path,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create receiver: %w", err)
	}
	return recv, nil
}

func newChannel(cfg *config.Config, logger *slog.Logger) (notify.Channel, error) {
	n := cfg.Notifier
	var ch notify.Channel
	switch n.GetType() {
	case notify.TypeTelegram:
		ch = notify.NewTelegram(notify.TelegramConfig{
			Token:   n.Telegram.BotToken,
			ChatID:  n.Telegram.ChatID,
			APIURL:  n.Telegram.APIURL,
			Timeout: n.Timeout(),
		})
	case notify.TypeSlack:
		ch = notify.NewSlack(notify.SlackConfig{
			Token:   n.Slack.Token,
			Channel: n.Slack.Channel,
			APIURL:  n.Slack.APIURL,
			Timeout: n.Timeout(),
		})
	case notify.TypeSMTP:
		ch = notify.NewSMTP(notify.SMTPConfig{
			Host:     n.SMTP.Host,
			Port:     n.SMTP.Port,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
			UseTLS:   n.SMTP.UseTLS,
			From:     n.SMTP.From,
			To:       n.SMTP.To,
			Timeout:  n.Timeout(),
		}, logger)
	case notify.TypeDesktop:
		ch = notify.NewDesktop()
	default:
		return nil, fmt.Errorf("unsupported notifier type %q", n.GetType())
	}

	ch = notify.WithRetry(ch, n.GetRetries(), n.RetryDelay(), notify.Sleep, logger)
	if n.Breaker.On() {
		ch = notify.WithBreaker(ch, notify.BreakerSettings{
			MaxFailures: uint32(n.Breaker.GetMaxFailures()),
			OpenTimeout: n.Breaker.OpenTimeout(),
		}, logger)
	}
	return ch, nil
}

// seedFirstRun records the current unread messages when the tracker store
// was just created. A failed seed removes the new store so the next start
// tries again instead of notifying the whole backlog.
func (a *app) seedFirstRun(ctx context.Context) error {
	if !a.tracker.Created() || !a.cfg.Tracker.Seed() {
		return nil
	}
	a.logger.Info("first run, recording existing unread messages")
	if _, err := a.controller.Seed(ctx); err != nil {
		_ = a.tracker.Close()
		removeStore(a.cfg.Tracker.GetPath())
		return fmt.Errorf("seed delivery tracker: %w", err)
	}
	return nil
}

func removeStore(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove tracker store", "path", p, "error", err)
		}
	}
}

func (a *app) startupInfo() format.StartupInfo {
	mailbox := a.cfg.Mailbox.Username
	if a.cfg.Mailbox.GetProtocol() == receiver.ProtocolMbox {
		mailbox = a.cfg.Mailbox.Path
	}
	return format.StartupInfo{
		Mailbox:   mailbox,
		Interval:  a.cfg.Poll.Interval(),
		Senders:   a.cfg.MonitoredSenders(),
		KeepAlive: a.cfg.KeepAlive.On(),
	}
}

// run is the continuous mode.
func (a *app) run(ctx context.Context) error {
	if err := a.seedFirstRun(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	if a.cfg.KeepAlive.On() {
		ka := keepalive.New(keepalive.Options{
			Port:         a.cfg.KeepAlive.GetPort(),
			ExternalURL:  a.cfg.KeepAlive.ExternalURL,
			PingInterval: a.cfg.KeepAlive.PingInterval(),
			Status:       a.scheduler.Status,
			Logger:       a.logger,
		})
		go func() {
			defer close(done)
			if err := ka.Run(ctx); err != nil {
				a.logger.Error("keep-alive server failed", "error", err)
			}
		}()
	} else {
		close(done)
	}

	if err := notify.Check(ctx, a.channel); err != nil {
		a.logger.Warn("notification channel check failed", "channel", a.channel.Name(), "error", err)
	}
	if err := a.lifecycle.Startup(ctx, a.startupInfo()); err != nil {
		a.logger.Warn("startup notice not sent", "error", err)
	}

	err := a.scheduler.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := a.lifecycle.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown notice not sent", "error", err)
	}
	<-done
	return err
}

// once runs a single cycle after a test-run notice.
func (a *app) once(ctx context.Context) (monitor.Result, error) {
	if err := a.seedFirstRun(ctx); err != nil {
		return monitor.Result{}, err
	}
	if err := a.lifecycle.TestRun(ctx); err != nil {
		a.logger.Warn("test-run notice not sent", "error", err)
	}
	return a.scheduler.RunOnce(ctx)
}

// testNotification verifies the channel and sends a startup notice.
func (a *app) testNotification(ctx context.Context) error {
	if err := notify.Check(ctx, a.channel); err != nil {
		return fmt.Errorf("check %s channel: %w", a.channel.Name(), err)
	}
	l := a.lifecycle
	l.Enabled = true
	if err := l.Startup(ctx, a.startupInfo()); err != nil {
		return fmt.Errorf("send test notification: %w", err)
	}
	return nil
}
