package receiver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	pop3client "github.com/knadh/go-pop3"
)

// POP3Receiver reads a mailbox over POP3 or POP3S. POP3 has no read flag,
// so every message on the server is listed and the delivery tracker alone
// suppresses repeats. With DeleteAfterRead, MarkRead deletes the message
// when the session ends.
type POP3Receiver struct {
	opts   Options
	logger *slog.Logger
}

// NewPOP3 creates a new POP3 receiver.
func NewPOP3(opts Options, logger *slog.Logger) *POP3Receiver {
	if opts.Port == 0 {
		opts.Port = 995
		if !opts.UseTLS {
			opts.Port = 110
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &POP3Receiver{opts: opts, logger: logger}
}

func (r *POP3Receiver) Name() string {
	return fmt.Sprintf("pop3://%s@%s", r.opts.Username, r.opts.Host)
}

// pop3Dialer bounds every exchange on the connection it dials: the
// connection gets a deadline of now+timeout and is closed when ctx ends.
type pop3Dialer struct {
	ctx     context.Context
	timeout time.Duration
	conn    net.Conn
	stop    func() bool
}

func (d *pop3Dialer) Dial(network, address string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(d.ctx, network, address)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(d.timeout))
	d.conn = conn
	d.stop = context.AfterFunc(d.ctx, func() { _ = conn.Close() })
	return conn, nil
}

func (r *POP3Receiver) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dialer := &pop3Dialer{ctx: ctx, timeout: r.opts.Timeout}
	client := pop3client.New(pop3client.Opt{
		Host:          r.opts.Host,
		Port:          r.opts.Port,
		DialTimeout:   r.opts.Timeout,
		Dialer:        dialer,
		TLSEnabled:    r.opts.UseTLS,
		TLSSkipVerify: r.opts.InsecureSkipVerify,
	})
	conn, err := client.NewConn()
	if dialer.stop != nil {
		defer dialer.stop()
	}
	if err != nil {
		if dialer.conn != nil {
			_ = dialer.conn.Close()
		}
		return nil, fmt.Errorf("pop3 connect %s:%d: %w", r.opts.Host, r.opts.Port, err)
	}
	if err := conn.Auth(r.opts.Username, r.opts.Password); err != nil {
		_ = dialer.conn.Close()
		return nil, fmt.Errorf("pop3 auth %s: %w", r.opts.Username, err)
	}
	_ = dialer.conn.SetDeadline(time.Time{})
	return &pop3Session{
		conn:    conn,
		raw:     dialer.conn,
		timeout: r.opts.Timeout,
		logger:  r.logger,
		delete:  r.opts.DeleteAfterRead,
		nums:    make(map[string]int),
	}, nil
}

type pop3Session struct {
	conn    *pop3client.Conn
	raw     net.Conn
	timeout time.Duration
	logger  *slog.Logger
	delete  bool
	nums    map[string]int // id -> message number for this session
}

// guard gives one command a deadline and aborts it when ctx ends.
func (s *pop3Session) guard(ctx context.Context) func() {
	_ = s.raw.SetDeadline(time.Now().Add(s.timeout))
	stop := context.AfterFunc(ctx, func() { _ = s.raw.Close() })
	return func() {
		stop()
		_ = s.raw.SetDeadline(time.Time{})
	}
}

const pop3Prefix = "pop3:"

func (s *pop3Session) ListUnread(ctx context.Context, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.guard(ctx)()

	msgs, err := s.conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}
	slices.SortFunc(msgs, func(a, b pop3client.MessageID) int { return a.ID - b.ID })

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		uid := strings.TrimSpace(m.UID)
		if uid == "" {
			continue
		}
		id := pop3Prefix + uid
		s.nums[id] = m.ID
		ids = append(ids, id)
	}
	s.logger.Debug("pop3 messages", "count", len(ids))
	return ids, nil
}

func (s *pop3Session) num(id string) (int, error) {
	n, ok := s.nums[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return n, nil
}

func (s *pop3Session) Fetch(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.num(id)
	if err != nil {
		return nil, err
	}
	defer s.guard(ctx)()
	buf, err := s.conn.RetrRaw(n)
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %s: %w", id, err)
	}
	raw := buf.Bytes()
	return &Message{ID: id, Date: headerDate(raw), Content: raw}, nil
}

// FetchHeader uses TOP with no body lines.
func (s *pop3Session) FetchHeader(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.num(id)
	if err != nil {
		return nil, err
	}
	defer s.guard(ctx)()
	entity, err := s.conn.Top(n, 0)
	if err != nil {
		return nil, fmt.Errorf("pop3 top %s: %w", id, err)
	}
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, entity.Header.Header); err != nil {
		return nil, fmt.Errorf("pop3 top %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

func (s *pop3Session) MarkRead(ctx context.Context, id string) error {
	if !s.delete {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.num(id)
	if err != nil {
		return err
	}
	defer s.guard(ctx)()
	if err := s.conn.Dele(n); err != nil {
		return fmt.Errorf("pop3 dele %s: %w", id, err)
	}
	return nil
}

// Close ends the session with QUIT, which commits pending deletions.
func (s *pop3Session) Close() error {
	_ = s.raw.SetDeadline(time.Now().Add(s.timeout))
	err := s.conn.Quit()
	_ = s.raw.Close()
	return err
}
