package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inbox = `From ops@example.com Mon Jan  1 00:00:00 2024
Message-Id: <first@example.com>
From: Ops <ops@example.com>
Subject: disk full
Date: Mon, 01 Jan 2024 00:00:00 +0000

/var is at 99%

From news@example.com Mon Jan  1 00:01:00 2024
Message-Id: <second@example.com>
From: news@example.com
Subject: weekly digest

not monitored

From ops@example.com Mon Jan  1 00:02:00 2024
Message-Id: <third@example.com>
From: ops@example.com
Subject: disk ok
Status: RO

already read
`

type fakeTelegram struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTelegram) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			var body struct {
				Text string `json:"text"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.mu.Lock()
			f.sent = append(f.sent, body.Text)
			f.mu.Unlock()
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	})
}

func (f *fakeTelegram) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func setup(t *testing.T, seed bool) (string, *fakeTelegram) {
	t.Helper()
	for _, k := range []string{"EMAIL_USER", "EMAIL_PASSWORD", "IMAP_SERVER", "TELEGRAM_BOT_TOKEN",
		"TELEGRAM_CHAT_ID", "MONITORED_SENDERS", "CHECK_INTERVAL_MINUTES", "PORT", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	tg := &fakeTelegram{}
	srv := httptest.NewServer(tg.handler(t))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	mbox := filepath.Join(dir, "inbox.mbox")
	require.NoError(t, os.WriteFile(mbox, []byte(inbox), 0o644))

	cfg := fmt.Sprintf(`
log_level: error
mailbox:
  protocol: mbox
  path: %s
senders: [ops@example.com]
notifier:
  type: telegram
  retries: 1
  telegram: {bot_token: "1:x", chat_id: "7", api_url: %q}
tracker:
  path: %s
  seed_on_first_run: %t
keep_alive:
  enabled: false
`, mbox, srv.URL, filepath.Join(dir, "delivered.log"), seed)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, tg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestOnceStatusReset(t *testing.T) {
	cfg, tg := setup(t, false)
	flags := []string{"--config", cfg, "--env-file", filepath.Join(t.TempDir(), "none.env")}

	out, err := execute(t, append([]string{"once"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "listed=2 delivered=1 skipped=1")

	sent := tg.messages()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "Test Run")
	assert.Contains(t, sent[1], "disk full")
	assert.Contains(t, sent[1], "/var is at 99%")

	out, err = execute(t, append([]string{"status"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, ": 1 delivered id(s)")

	out, err = execute(t, append([]string{"once"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "delivered=0")
	assert.Len(t, tg.messages(), 3)

	_, err = execute(t, append([]string{"reset"}, flags...)...)
	require.NoError(t, err)
	out, err = execute(t, append([]string{"status"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, ": 0 delivered id(s)")
}

func TestFirstRunSeeds(t *testing.T) {
	cfg, tg := setup(t, true)

	out, err := execute(t, "once", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "delivered=0")
	assert.Contains(t, out, "already_delivered=2")
	assert.Len(t, tg.messages(), 1)
}

func TestInit(t *testing.T) {
	cfg, _ := setup(t, false)

	out, err := execute(t, "init", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "recorded 2 unread message(s)")

	out, err = execute(t, "init", "--no-seed", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "tracker ready")
}

func TestTestNotification(t *testing.T) {
	cfg, tg := setup(t, false)

	out, err := execute(t, "test-notification", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "sent via telegram")
	require.Len(t, tg.messages(), 1)
	assert.Contains(t, tg.messages()[0], "ops@example.com")
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mailbox: {protocol: smoke}\n"), 0o600))

	_, err := execute(t, "status", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate config")
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mailalert.log")
	logger, cleanup, err := setupLogger("debug", path)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello k=v")
}
