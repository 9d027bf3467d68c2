package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tracyhatemice/mailalert/internal/dedup"
	"github.com/tracyhatemice/mailalert/internal/notify"
	"github.com/tracyhatemice/mailalert/internal/receiver"
)

// fakeMailbox is an in-memory mailbox shared by all its sessions.
type fakeMailbox struct {
	mu          sync.Mutex
	order       []string
	raw         map[string]string
	read        map[string]bool
	connectErr  error
	listErr     error
	fetchErr    map[string]error
	markReadErr error
	connects    int
	closes      int
	ops         []string
	beforeFetch func(ctx context.Context)
	headers     bool // sessions implement receiver.HeaderFetcher
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		raw:      make(map[string]string),
		read:     make(map[string]bool),
		fetchErr: make(map[string]error),
	}
}

func (m *fakeMailbox) add(id, from, subject, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, id)
	m.raw[id] = fmt.Sprintf("From: %s\r\nSubject: %s\r\nDate: Mon, 01 Jan 2024 10:00:00 +0000\r\nContent-Type: text/plain\r\n\r\n%s\r\n", from, subject, body)
}

func (m *fakeMailbox) isRead(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read[id]
}

func (m *fakeMailbox) Name() string { return "fake" }

func (m *fakeMailbox) Connect(ctx context.Context) (receiver.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	if m.headers {
		return &fakeHeaderSession{fakeSession{m: m}}, nil
	}
	return &fakeSession{m: m}, nil
}

type fakeSession struct{ m *fakeMailbox }

type fakeHeaderSession struct{ fakeSession }

func (s *fakeHeaderSession) FetchHeader(ctx context.Context, id string) ([]byte, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.ops = append(s.m.ops, "header:"+id)
	raw, ok := s.m.raw[id]
	if !ok {
		return nil, receiver.ErrUnknownMessage
	}
	head, _, _ := strings.Cut(raw, "\r\n\r\n")
	return []byte(head + "\r\n\r\n"), nil
}

func (s *fakeSession) ListUnread(ctx context.Context, _ string) ([]string, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.listErr != nil {
		return nil, s.m.listErr
	}
	var ids []string
	for _, id := range s.m.order {
		if !s.m.read[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeSession) Fetch(ctx context.Context, id string) (*receiver.Message, error) {
	if s.m.beforeFetch != nil {
		s.m.beforeFetch(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.ops = append(s.m.ops, "fetch:"+id)
	if err := s.m.fetchErr[id]; err != nil {
		return nil, err
	}
	raw, ok := s.m.raw[id]
	if !ok {
		return nil, receiver.ErrUnknownMessage
	}
	return &receiver.Message{ID: id, Content: []byte(raw), Date: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}, nil
}

func (s *fakeSession) MarkRead(ctx context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.ops = append(s.m.ops, "read:"+id)
	if s.m.markReadErr != nil {
		return s.m.markReadErr
	}
	s.m.read[id] = true
	return nil
}

func (s *fakeSession) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.closes++
	return nil
}

// fakeChannel records payloads; errs are returned in order, then nil.
type fakeChannel struct {
	mu   sync.Mutex
	sent []string
	errs []error
	fail func(payload string) error
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) Send(ctx context.Context, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(payload); err != nil {
			return err
		}
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return err
		}
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeChannel) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// faultyTracker wraps a real tracker and injects errors.
type faultyTracker struct {
	dedup.Tracker
	isErr     error
	recordErr error
	recorded  []string
	ops       *fakeMailbox
}

func (t *faultyTracker) IsDelivered(ctx context.Context, id string) (bool, error) {
	if t.isErr != nil {
		return false, t.isErr
	}
	return t.Tracker.IsDelivered(ctx, id)
}

func (t *faultyTracker) RecordDelivered(ctx context.Context, id string) error {
	if t.recordErr != nil {
		return t.recordErr
	}
	if t.ops != nil {
		t.ops.mu.Lock()
		t.ops.ops = append(t.ops.ops, "record:"+id)
		t.ops.mu.Unlock()
	}
	t.recorded = append(t.recorded, id)
	return t.Tracker.RecordDelivered(ctx, id)
}

var (
	errNetwork = errors.New("network unreachable")
	transient  = notify.Transient("fake", errNetwork)
	rejected   = notify.Rejected("fake", errors.New("message is too long"))
)
