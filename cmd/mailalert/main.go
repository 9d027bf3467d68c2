package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracyhatemice/mailalert/internal/config"
	"github.com/tracyhatemice/mailalert/internal/dedup"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the mailbox continuously and send alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(ctx context.Context, a *app) error {
				return a.run(ctx)
			})
		},
	}

	root := &cobra.Command{
		Use:           "mailalert",
		Short:         "Send chat alerts for new email from monitored senders",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "path to a .env file with environment overrides")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run exactly one poll cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(ctx context.Context, a *app) error {
				res, err := a.once(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "listed=%d delivered=%d skipped=%d already_delivered=%d rejected=%d failed=%d\n",
					res.Listed, res.Delivered, res.Skipped, res.AlreadyDelivered, res.Rejected, res.Failed)
				return err
			})
		},
	}

	testCmd := &cobra.Command{
		Use:   "test-notification",
		Short: "Verify the notification channel and send a startup notice",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(ctx context.Context, a *app) error {
				if err := a.testNotification(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "test notification sent via %s\n", a.channel.Name())
				return nil
			})
		},
	}

	var noSeed bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the delivery tracker and record current unread messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(ctx context.Context, a *app) error {
				if noSeed {
					fmt.Fprintf(cmd.OutOrStdout(), "tracker ready at %s\n", a.cfg.Tracker.GetPath())
					return nil
				}
				n, err := a.controller.Seed(ctx)
				if err != nil {
					return fmt.Errorf("seed delivery tracker: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %d unread message(s) in %s\n", n, a.cfg.Tracker.GetPath())
				return nil
			})
		},
	}
	initCmd.Flags().BoolVar(&noSeed, "no-seed", false, "create the tracker without recording unread messages")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget every delivered message id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(g, func(ctx context.Context, cfg *config.Config, t dedup.Tracker) error {
				if err := t.Reset(ctx); err != nil {
					return fmt.Errorf("reset delivery tracker: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", cfg.Tracker.GetPath())
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show how many message ids are tracked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTracker(g, func(ctx context.Context, cfg *config.Config, t dedup.Tracker) error {
				n, err := t.Count(ctx)
				if err != nil {
					return fmt.Errorf("count delivered ids: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s tracker %s: %d delivered id(s)\n",
					cfg.Tracker.GetBackend(), cfg.Tracker.GetPath(), n)
				return nil
			})
		},
	}

	root.AddCommand(runCmd, onceCmd, testCmd, initCmd, resetCmd, statusCmd)
	return root
}

// load reads the configuration and installs the default logger.
func load(g globalFlags) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(g.configPath, g.envFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}

func withApp(g globalFlags, fn func(context.Context, *app) error) error {
	cfg, logger, cleanup, err := load(g)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(logger)
	defer cancel()
	return fn(ctx, a)
}

func withTracker(g globalFlags, fn func(context.Context, *config.Config, dedup.Tracker) error) error {
	cfg, _, cleanup, err := load(g)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	t, err := dedup.Open(cfg.Tracker.GetBackend(), cfg.Tracker.GetPath())
	if err != nil {
		return fmt.Errorf("open delivery tracker: %w", err)
	}
	defer t.Close()
	return fn(context.Background(), cfg, t)
}

// signalContext is cancelled on the first SIGINT or SIGTERM. A second
// signal exits immediately.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		logger.Info("shutting down, waiting for the current cycle to finish...")
		cancel()

		<-sigs
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func setupLogger(level, logFile string) (*slog.Logger, func() error, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	cleanup := func() error { return nil }

	if logFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), cleanup, nil
	}
	if dir := filepath.Dir(logFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cleanup, err
		}
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, err
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
	return slog.New(handler), file.Close, nil
}
