package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTelegramAPIURL is the public Bot API endpoint.
const DefaultTelegramAPIURL = "https://api.telegram.org"

// TelegramConfig configures a Telegram channel.
type TelegramConfig struct {
	Token   string
	ChatID  string
	APIURL  string
	Timeout time.Duration
}

// Telegram sends payloads through the Bot API sendMessage method.
type Telegram struct {
	token  string
	chatID string
	apiURL string
	client *http.Client
}

// NewTelegram creates a Telegram channel.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultTelegramAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Telegram{
		token:  cfg.Token,
		chatID: cfg.ChatID,
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *Telegram) Name() string { return TypeTelegram }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Descriptions Telegram returns for a payload it will never accept.
var telegramRejections = []string{
	"message is too long",
	"message text is empty",
	"text must be non-empty",
	"can't parse entities",
}

func (t *Telegram) Send(ctx context.Context, payload string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     payload,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return Rejected(t.Name(), fmt.Errorf("encode payload: %w", err))
	}

	resp, status, err := t.call(ctx, http.MethodPost, "sendMessage", body)
	if err != nil {
		return Transient(t.Name(), err)
	}
	if status/100 == 2 && resp.OK {
		return nil
	}

	err = fmt.Errorf("sendMessage: status %d: %s", status, resp.Description)
	if status == http.StatusRequestEntityTooLarge {
		return Rejected(t.Name(), err)
	}
	if status == http.StatusBadRequest {
		desc := strings.ToLower(resp.Description)
		for _, r := range telegramRejections {
			if strings.Contains(desc, r) {
				return Rejected(t.Name(), err)
			}
		}
	}
	return Transient(t.Name(), err)
}

// Check calls getMe to verify connectivity and the bot token.
func (t *Telegram) Check(ctx context.Context) error {
	resp, status, err := t.call(ctx, http.MethodGet, "getMe", nil)
	if err != nil {
		return err
	}
	if status/100 != 2 || !resp.OK {
		return fmt.Errorf("telegram getMe: status %d: %s", status, resp.Description)
	}
	return nil
}

func (t *Telegram) call(ctx context.Context, method, apiMethod string, body []byte) (telegramResponse, int, error) {
	var out telegramResponse

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.token, apiMethod)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return out, 0, t.redact(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := t.client.Do(req)
	if err != nil {
		return out, 0, t.redact(err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return out, res.StatusCode, fmt.Errorf("read %s response: %w", apiMethod, err)
	}
	if err := json.Unmarshal(data, &out); err != nil && res.StatusCode/100 == 2 {
		return out, res.StatusCode, fmt.Errorf("decode %s response: %w", apiMethod, err)
	}
	if out.Description == "" && res.StatusCode/100 != 2 {
		out.Description = http.StatusText(res.StatusCode)
	}
	return out, res.StatusCode, nil
}

// redact keeps the bot token out of logged errors.
func (t *Telegram) redact(err error) error {
	var uerr *url.Error
	if t.token != "" && errors.As(err, &uerr) {
		uerr.URL = strings.ReplaceAll(uerr.URL, t.token, "<token>")
	}
	return err
}
