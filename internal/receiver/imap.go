package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPReceiver reads a mailbox over IMAP or IMAPS. Message ids have the
// form "<folder>:<uidvalidity>:<uid>".
type IMAPReceiver struct {
	opts   Options
	logger *slog.Logger
}

// NewIMAP creates a new IMAP receiver.
func NewIMAP(opts Options, logger *slog.Logger) *IMAPReceiver {
	if opts.Port == 0 {
		opts.Port = 993
		if !opts.UseTLS {
			opts.Port = 143
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPReceiver{opts: opts, logger: logger}
}

func (r *IMAPReceiver) Name() string {
	return fmt.Sprintf("imap://%s@%s", r.opts.Username, r.opts.Host)
}

func (r *IMAPReceiver) Connect(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))

	dialer := &net.Dialer{Timeout: r.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}
	if r.opts.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         r.opts.Host,
			InsecureSkipVerify: r.opts.InsecureSkipVerify,
		})
		hctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("imap tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	client := imapclient.New(conn, nil)
	sess := &imapSession{
		client:       client,
		conn:         conn,
		timeout:      r.opts.Timeout,
		logger:       r.logger,
		lookbackDays: r.opts.LookbackDays,
	}
	release := sess.watch(ctx)
	err = client.Login(r.opts.Username, r.opts.Password).Wait()
	release()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login %s: %w", r.opts.Username, err)
	}

	r.logger.Debug("imap connection established", "address", addr, "user", r.opts.Username, "tls", r.opts.UseTLS)
	return sess, nil
}

type imapSession struct {
	client       *imapclient.Client
	conn         net.Conn
	timeout      time.Duration
	logger       *slog.Logger
	lookbackDays int

	folder      string
	uidValidity uint32
}

// watch bounds one command: the connection gets a deadline of
// now+timeout and is closed if ctx ends while the command is in flight.
// The returned func clears both so the idle connection survives between
// commands.
func (s *imapSession) watch(ctx context.Context) func() {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	return func() {
		stop()
		_ = s.conn.SetDeadline(time.Time{})
	}
}

func (s *imapSession) selectFolder(folder string) error {
	if folder == s.folder {
		return nil
	}
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap select %s: %w", folder, err)
	}
	s.folder = folder
	s.uidValidity = data.UIDValidity
	return nil
}

func (s *imapSession) ListUnread(ctx context.Context, folder string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.watch(ctx)()

	s.folder = ""
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	if s.lookbackDays > 0 {
		criteria.Since = time.Now().AddDate(0, 0, -s.lookbackDays)
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	uids := data.AllUIDs()
	slices.Sort(uids)
	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = formatIMAPID(folder, s.uidValidity, uid)
	}
	s.logger.Debug("imap unread messages", "folder", folder, "count", len(ids))
	return ids, nil
}

func (s *imapSession) resolve(id string) (imap.UID, error) {
	folder, validity, uid, err := parseIMAPID(id)
	if err != nil {
		return 0, err
	}
	if err := s.selectFolder(folder); err != nil {
		return 0, err
	}
	if validity != s.uidValidity {
		return 0, fmt.Errorf("%w: %s: uidvalidity changed to %d", ErrUnknownMessage, id, s.uidValidity)
	}
	return uid, nil
}

func (s *imapSession) Fetch(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.watch(ctx)()

	uid, err := s.resolve(id)
	if err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	bufs, err := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", id, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	content := bufs[0].FindBodySection(section)
	if len(content) == 0 {
		return nil, fmt.Errorf("imap fetch %s: empty body", id)
	}
	date := bufs[0].InternalDate
	if date.IsZero() {
		date = headerDate(content)
	}
	return &Message{ID: id, Date: date, Content: content}, nil
}

// FetchHeader peeks at BODY[HEADER] only.
func (s *imapSession) FetchHeader(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.watch(ctx)()

	uid, err := s.resolve(id)
	if err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	bufs, err := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch header %s: %w", id, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return bufs[0].FindBodySection(section), nil
}

func (s *imapSession) MarkRead(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.watch(ctx)()

	uid, err := s.resolve(id)
	if err != nil {
		return err
	}
	err = s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("imap store \\Seen %s: %w", id, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "error", err)
	}
	return s.client.Close()
}

func formatIMAPID(folder string, validity uint32, uid imap.UID) string {
	return fmt.Sprintf("%s:%d:%d", folder, validity, uid)
}

// parseIMAPID splits from the right since folder names may contain ':'.
func parseIMAPID(id string) (folder string, validity uint32, uid imap.UID, err error) {
	j := strings.LastIndexByte(id, ':')
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrUnknownMessage, id)
	}
	i := strings.LastIndexByte(id[:j], ':')
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrUnknownMessage, id)
	}
	v, err := strconv.ParseUint(id[i+1:j], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrUnknownMessage, id)
	}
	u, err := strconv.ParseUint(id[j+1:], 10, 32)
	if err != nil || u == 0 {
		return "", 0, 0, fmt.Errorf("%w: %q", ErrUnknownMessage, id)
	}
	return id[:i], uint32(v), imap.UID(u), nil
}
