package receiver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"
)

// MboxReceiver replays a local mbox file as a mailbox. A message is
// unread unless its Status header contains 'R'. Read marks are kept in
// memory only; the file is never written.
type MboxReceiver struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	read map[string]bool
}

// NewMbox creates a receiver for the mbox file at path.
func NewMbox(path string, logger *slog.Logger) (*MboxReceiver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MboxReceiver{path: path, logger: logger, read: make(map[string]bool)}, nil
}

func (r *MboxReceiver) Name() string { return "mbox://" + r.path }

// Connect loads the file. Every session sees the file as it is at connect time.
func (r *MboxReceiver) Connect(ctx context.Context) (Session, error) {
	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	s := &mboxSession{recv: r, byID: make(map[string]*mboxEntry)}
	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mbox message %d: %w", idx, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("mbox message %d read: %w", idx, err)
		}
		s.add(raw)
	}
	r.logger.Debug("mbox loaded", "path", r.path, "messages", len(s.order))
	return s, nil
}

func (r *MboxReceiver) isRead(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read[id]
}

func (r *MboxReceiver) markRead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read[id] = true
}

type mboxEntry struct {
	raw        []byte
	statusRead bool // Status header carries R
}

type mboxSession struct {
	recv  *MboxReceiver
	order []string
	byID  map[string]*mboxEntry
}

func (s *mboxSession) add(raw []byte) {
	h := readHeader(raw)
	id := strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	if id == "" {
		sum := sha256.Sum256(raw)
		id = "sha256:" + hex.EncodeToString(sum[:])
	}
	base := id
	for n := 2; s.byID[id] != nil; n++ {
		id = fmt.Sprintf("%s#%d", base, n)
	}
	s.byID[id] = &mboxEntry{
		raw:        raw,
		statusRead: strings.ContainsRune(h.Get("Status"), 'R'),
	}
	s.order = append(s.order, id)
}

func (s *mboxSession) ListUnread(ctx context.Context, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range s.order {
		if s.byID[id].statusRead || s.recv.isRead(id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *mboxSession) Fetch(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return &Message{ID: id, Date: headerDate(e.raw), Content: bytes.Clone(e.raw)}, nil
}

func (s *mboxSession) FetchHeader(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return bytes.Clone(headerBlock(e.raw)), nil
}

func (s *mboxSession) MarkRead(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	s.recv.markRead(id)
	return nil
}

func (s *mboxSession) Close() error { return nil }
