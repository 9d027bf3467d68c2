package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/subosito/gotenv"
	"go.yaml.in/yaml/v4"
)

// KeyringPrefix marks a value to be read from the OS keyring.
const KeyringPrefix = "keyring:"

// Config is the top-level application configuration.
type Config struct {
	LogLevel       string    `yaml:"log_level"`
	LogFile        string    `yaml:"log_file"`
	Mailbox        Mailbox   `yaml:"mailbox"`
	Senders        []string  `yaml:"senders"`
	SenderMatch    string    `yaml:"sender_match"` // "exact" or "substring"
	Poll           Poll      `yaml:"poll"`
	Notifier       Notifier  `yaml:"notifier"`
	Tracker        Tracker   `yaml:"tracker"`
	KeepAlive      KeepAlive `yaml:"keep_alive"`
	KeyringService string    `yaml:"keyring_service"`
}

// Mailbox describes the monitored mail account.
type Mailbox struct {
	Protocol           string `yaml:"protocol"` // "imap", "pop3" or "mbox"
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	UseTLS             *bool  `yaml:"use_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Folder             string `yaml:"folder"`
	LookbackDays       int    `yaml:"lookback_days"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	DeleteAfterRead    bool   `yaml:"delete_after_read"`
	Path               string `yaml:"path"`
}

// Poll holds the scheduling intervals.
type Poll struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	BackoffSeconds      int `yaml:"backoff_seconds"`
	CycleTimeoutSeconds int `yaml:"cycle_timeout_seconds"`
}

// Notifier selects and configures the notification channel.
type Notifier struct {
	Type              string   `yaml:"type"`
	TimeoutSeconds    int      `yaml:"timeout_seconds"`
	Retries           int      `yaml:"retries"`
	RetryDelaySeconds int      `yaml:"retry_delay_seconds"`
	MaxLength         int      `yaml:"max_length"`
	MaxSegments       int      `yaml:"max_segments"`
	LifecycleNotices  *bool    `yaml:"lifecycle_notices"`
	Breaker           Breaker  `yaml:"breaker"`
	Telegram          Telegram `yaml:"telegram"`
	Slack             Slack    `yaml:"slack"`
	SMTP              SMTP     `yaml:"smtp"`
}

type Breaker struct {
	Enabled     *bool `yaml:"enabled"`
	MaxFailures int   `yaml:"max_failures"`
	OpenSeconds int   `yaml:"open_seconds"`
}

type Telegram struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIURL   string `yaml:"api_url"`
}

type Slack struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
	APIURL  string `yaml:"api_url"`
}

// SMTP holds the outgoing mail server configuration.
type SMTP struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	UseTLS   bool     `yaml:"use_tls"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Tracker configures the delivered-id store.
type Tracker struct {
	Backend        string `yaml:"backend"` // "file" or "sqlite"
	Path           string `yaml:"path"`
	SeedOnFirstRun *bool  `yaml:"seed_on_first_run"`
}

// KeepAlive configures the HTTP keep-alive responder.
type KeepAlive struct {
	Enabled             *bool  `yaml:"enabled"`
	Port                int    `yaml:"port"`
	ExternalURL         string `yaml:"external_url"`
	PingIntervalSeconds int    `yaml:"ping_interval_seconds"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(n) * time.Second
}

// GetProtocol returns the mailbox protocol, defaulting to "imap".
func (m *Mailbox) GetProtocol() string {
	if m.Protocol == "" {
		return "imap"
	}
	return m.Protocol
}

// TLS reports whether the mailbox connection uses implicit TLS. It defaults to true.
func (m *Mailbox) TLS() bool { return boolOr(m.UseTLS, true) }

// GetPort returns the mailbox port, defaulting to the protocol's well-known port.
func (m *Mailbox) GetPort() int {
	if m.Port > 0 {
		return m.Port
	}
	switch {
	case m.GetProtocol() == "pop3" && m.TLS():
		return 995
	case m.GetProtocol() == "pop3":
		return 110
	case m.TLS():
		return 993
	default:
		return 143
	}
}

// GetFolder returns the IMAP folder name, defaulting to "INBOX".
func (m *Mailbox) GetFolder() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}

// GetLookbackDays returns the search window in days, defaulting to 1.
func (m *Mailbox) GetLookbackDays() int {
	if m.LookbackDays <= 0 {
		return 1
	}
	return m.LookbackDays
}

func (m *Mailbox) Timeout() time.Duration { return seconds(m.TimeoutSeconds, 30) }

// Interval is the wait between cycles, defaulting to 15 seconds.
func (p *Poll) Interval() time.Duration { return seconds(p.IntervalSeconds, 15) }

// Backoff is the wait after a failed cycle, defaulting to 60 seconds.
func (p *Poll) Backoff() time.Duration { return seconds(p.BackoffSeconds, 60) }

func (p *Poll) CycleTimeout() time.Duration { return seconds(p.CycleTimeoutSeconds, 300) }

// GetType returns the channel type, defaulting to "telegram".
func (n *Notifier) GetType() string {
	if n.Type == "" {
		return "telegram"
	}
	return n.Type
}

func (n *Notifier) Timeout() time.Duration { return seconds(n.TimeoutSeconds, 30) }

// GetRetries returns the number of send attempts, defaulting to 3.
func (n *Notifier) GetRetries() int {
	if n.Retries <= 0 {
		return 3
	}
	return n.Retries
}

func (n *Notifier) RetryDelay() time.Duration { return seconds(n.RetryDelaySeconds, 5) }

// GetMaxSegments returns the payload limit per message, defaulting to 1.
func (n *Notifier) GetMaxSegments() int {
	if n.MaxSegments <= 0 {
		return 1
	}
	return n.MaxSegments
}

func (n *Notifier) Lifecycle() bool { return boolOr(n.LifecycleNotices, true) }

func (b *Breaker) On() bool { return boolOr(b.Enabled, true) }

func (b *Breaker) GetMaxFailures() int {
	if b.MaxFailures <= 0 {
		return 5
	}
	return b.MaxFailures
}

func (b *Breaker) OpenTimeout() time.Duration { return seconds(b.OpenSeconds, 60) }

// GetBackend returns the tracker backend, defaulting to "file".
func (t *Tracker) GetBackend() string {
	if t.Backend == "" {
		return "file"
	}
	return t.Backend
}

// GetPath returns the tracker location, defaulting by backend.
func (t *Tracker) GetPath() string {
	if t.Path != "" {
		return t.Path
	}
	if t.GetBackend() == "sqlite" {
		return "data/delivered.db"
	}
	return "data/delivered.log"
}

func (t *Tracker) Seed() bool { return boolOr(t.SeedOnFirstRun, true) }

func (k *KeepAlive) On() bool { return boolOr(k.Enabled, true) }

// GetPort returns the listen port, defaulting to 10000.
func (k *KeepAlive) GetPort() int {
	if k.Port <= 0 {
		return 10000
	}
	return k.Port
}

func (k *KeepAlive) PingInterval() time.Duration { return seconds(k.PingIntervalSeconds, 840) }

// MonitoredSenders returns the non-blank sender entries.
func (c *Config) MonitoredSenders() []string {
	out := make([]string, 0, len(c.Senders))
	for _, s := range c.Senders {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Loader reads configuration. Its zero value uses the process environment
// and the OS keyring.
type Loader struct {
	// Getenv looks up environment variables; os.Getenv when nil.
	Getenv func(string) string
	// Keyring resolves keyring: secrets; opened on demand when nil.
	Keyring keyring.Keyring
}

// Load reads path (optional) and envFile (optional) with the default Loader.
func Load(path, envFile string) (*Config, error) {
	return Loader{}.Load(path, envFile)
}

// Load reads and validates the configuration. Values come from the YAML file
// at path, then variables in envFile, then the environment. Variables already
// set in the environment win over envFile.
func (l Loader) Load(path, envFile string) (*Config, error) {
	cfg := &Config{
		LogLevel:       "info",
		KeyringService: "mailalert",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	dotenv := gotenv.Env{}
	if envFile != "" {
		env, err := gotenv.Read(envFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read env file: %w", err)
		default:
			dotenv = env
		}
	}

	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	lookup := func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.resolveSecrets(l.Keyring); err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) string) error {
	set := func(dst *string, key string) {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.Mailbox.Username, "EMAIL_USER")
	set(&c.Mailbox.Password, "EMAIL_PASSWORD")
	set(&c.Mailbox.Host, "IMAP_SERVER")
	set(&c.Notifier.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	set(&c.Notifier.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	set(&c.Notifier.Slack.Token, "SLACK_TOKEN")
	set(&c.Notifier.Slack.Channel, "SLACK_CHANNEL")
	set(&c.KeepAlive.ExternalURL, "RENDER_EXTERNAL_URL")

	if v := lookup("MONITORED_SENDERS"); v != "" {
		c.Senders = strings.Split(v, ",")
	}
	if v := lookup("CHECK_INTERVAL_MINUTES"); v != "" {
		minutes, err := strconv.ParseFloat(v, 64)
		if err != nil || minutes <= 0 {
			return fmt.Errorf("CHECK_INTERVAL_MINUTES: invalid value %q", v)
		}
		c.Poll.IntervalSeconds = max(1, int(math.Round(minutes*60)))
	}
	if v := lookup("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("PORT: invalid value %q", v)
		}
		c.KeepAlive.Port = port
	}
	return nil
}

func (c *Config) resolveSecrets(kr keyring.Keyring) error {
	secrets := []struct {
		name string
		dst  *string
	}{
		{"mailbox.password", &c.Mailbox.Password},
		{"notifier.telegram.bot_token", &c.Notifier.Telegram.BotToken},
		{"notifier.slack.token", &c.Notifier.Slack.Token},
		{"notifier.smtp.password", &c.Notifier.SMTP.Password},
	}
	for _, s := range secrets {
		key, ok := strings.CutPrefix(*s.dst, KeyringPrefix)
		if !ok {
			continue
		}
		if kr == nil {
			var err error
			kr, err = keyring.Open(keyring.Config{ServiceName: c.KeyringService})
			if err != nil {
				return fmt.Errorf("open keyring: %w", err)
			}
		}
		item, err := kr.Get(key)
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%s: key %q not found in keyring %q", s.name, key, c.KeyringService)
		}
		if err != nil {
			return fmt.Errorf("%s: read keyring: %w", s.name, err)
		}
		*s.dst = string(item.Data)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error")
	}

	m := &c.Mailbox
	switch m.GetProtocol() {
	case "imap", "pop3":
		if m.Host == "" {
			return fmt.Errorf("mailbox.host is required")
		}
		if m.Username == "" || m.Password == "" {
			return fmt.Errorf("mailbox.username and mailbox.password are required")
		}
		if m.GetProtocol() == "imap" && !strings.Contains(m.Username, "@") {
			return fmt.Errorf("mailbox.username must be an email address")
		}
	case "mbox":
		if m.Path == "" {
			return fmt.Errorf("mailbox.path is required for mbox")
		}
	default:
		return fmt.Errorf("mailbox.protocol must be imap, pop3 or mbox")
	}

	if len(c.MonitoredSenders()) == 0 {
		return fmt.Errorf("at least one monitored sender is required")
	}
	switch c.SenderMatch {
	case "", "exact", "substring":
	default:
		return fmt.Errorf("sender_match must be exact or substring")
	}

	n := &c.Notifier
	switch n.GetType() {
	case "telegram":
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("notifier.telegram.bot_token and chat_id are required")
		}
	case "slack":
		if n.Slack.Token == "" || n.Slack.Channel == "" {
			return fmt.Errorf("notifier.slack.token and channel are required")
		}
	case "smtp":
		if n.SMTP.Host == "" {
			return fmt.Errorf("notifier.smtp.host is required")
		}
		if len(n.SMTP.To) == 0 {
			return fmt.Errorf("notifier.smtp.to is required")
		}
	case "desktop":
	default:
		return fmt.Errorf("notifier.type must be telegram, slack, smtp or desktop")
	}
	if n.MaxLength != 0 && n.MaxLength < 200 {
		return fmt.Errorf("notifier.max_length must be at least 200")
	}

	switch c.Tracker.GetBackend() {
	case "file", "sqlite":
	default:
		return fmt.Errorf("tracker.backend must be file or sqlite")
	}
	return nil
}
