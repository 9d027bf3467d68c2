// Package receiver gives the poll cycle uniform access to a mailbox,
// whatever protocol serves it.
package receiver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ErrUnknownMessage is returned for an id the session cannot resolve.
var ErrUnknownMessage = errors.New("unknown message id")

// Message is a fetched mailbox message.
type Message struct {
	ID      string    // stable mailbox id, see Session.ListUnread
	Date    time.Time // server receive time, or the Date header
	Content []byte    // raw RFC 5322 message bytes
}

// Receiver opens sessions against one mailbox.
type Receiver interface {
	// Name identifies the mailbox in logs and notices.
	Name() string

	Connect(ctx context.Context) (Session, error)
}

// Session is one authenticated connection. It is not safe for concurrent use.
type Session interface {
	// ListUnread returns ids of unread messages in folder, oldest first.
	ListUnread(ctx context.Context, folder string) ([]string, error)

	// Fetch returns the message without changing its read state.
	Fetch(ctx context.Context, id string) (*Message, error)

	// MarkRead flags the message as read.
	MarkRead(ctx context.Context, id string) error

	Close() error
}

// HeaderFetcher is implemented by sessions that can read the header block
// of a message without downloading its body.
type HeaderFetcher interface {
	FetchHeader(ctx context.Context, id string) ([]byte, error)
}

// Protocol names accepted by New.
const (
	ProtocolIMAP = "imap"
	ProtocolPOP3 = "pop3"
	ProtocolMbox = "mbox"
)

// Options configures a Receiver.
type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	LookbackDays       int
	Timeout            time.Duration
	DeleteAfterRead    bool   // pop3
	Path               string // mbox
}

// New returns the receiver for protocol.
func New(protocol string, opts Options, logger *slog.Logger) (Receiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch protocol {
	case ProtocolIMAP, "":
		return NewIMAP(opts, logger), nil
	case ProtocolPOP3:
		return NewPOP3(opts, logger), nil
	case ProtocolMbox:
		return NewMbox(opts.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported mailbox protocol %q", protocol)
	}
}

// readHeader parses the header block of raw. Malformed trailing lines are
// tolerated so that ids and dates survive damaged messages.
func readHeader(raw []byte) mail.Header {
	h, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	return mail.Header{Header: message.Header{Header: h}}
}

// headerBlock returns raw up to and including the blank line that ends
// the header, or all of raw when there is no body.
func headerBlock(raw []byte) []byte {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			return raw[:i+len(sep)]
		}
	}
	return raw
}

func headerDate(raw []byte) time.Time {
	h := readHeader(raw)
	date, err := h.Date()
	if err != nil {
		return time.Time{}
	}
	return date
}
