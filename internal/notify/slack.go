package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackConfig configures a Slack channel.
type SlackConfig struct {
	Token   string
	Channel string
	APIURL  string // override for tests; must point at the Web API root
	Timeout time.Duration
}

// Slack posts payloads with chat.postMessage.
type Slack struct {
	api     *slack.Client
	channel string
}

// NewSlack creates a Slack channel.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: cfg.Timeout})}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(cfg.APIURL, "/")+"/"))
	}
	return &Slack{api: slack.New(cfg.Token, opts...), channel: cfg.Channel}
}

func (s *Slack) Name() string { return TypeSlack }

// Slack error codes that will recur for the same payload.
var slackRejections = map[string]bool{
	"msg_too_long":         true,
	"no_text":              true,
	"invalid_blocks":       true,
	"too_many_attachments": true,
}

func (s *Slack) Send(ctx context.Context, payload string) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(payload, false))
	if err == nil {
		return nil
	}

	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) && slackRejections[resp.Err] {
		return Rejected(s.Name(), fmt.Errorf("chat.postMessage: %w", err))
	}
	return Transient(s.Name(), fmt.Errorf("chat.postMessage: %w", err))
}

// Check calls auth.test.
func (s *Slack) Check(ctx context.Context) error {
	if _, err := s.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	return nil
}
