package receiver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMbox = `From ops@example.com Mon Jan  1 00:00:00 2024
Message-Id: <first@example.com>
From: ops@example.com
Subject: one
Date: Mon, 01 Jan 2024 00:00:00 +0000

first body

From old@example.com Mon Jan  1 00:01:00 2024
Message-Id: <second@example.com>
From: old@example.com
Subject: two
Status: RO

already read

From ops@example.com Mon Jan  1 00:02:00 2024
From: ops@example.com
Subject: three

no message id
`

func writeMbox(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	require.NoError(t, os.WriteFile(path, []byte(testMbox), 0o644))
	return path
}

func TestMboxSession(t *testing.T) {
	ctx := context.Background()
	r, err := New(ProtocolMbox, Options{Path: writeMbox(t)}, nil)
	require.NoError(t, err)

	s, err := r.Connect(ctx)
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.ListUnread(ctx, "INBOX")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "first@example.com", ids[0])
	assert.Contains(t, ids[1], "sha256:")

	msg, err := s.Fetch(ctx, ids[0])
	require.NoError(t, err)
	assert.Contains(t, string(msg.Content), "first body")
	assert.Equal(t, 2024, msg.Date.Year())

	require.NoError(t, s.MarkRead(ctx, ids[0]))

	again, err := r.Connect(ctx)
	require.NoError(t, err)
	ids, err = again.ListUnread(ctx, "INBOX")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestMboxFetchHeader(t *testing.T) {
	ctx := context.Background()
	r, err := NewMbox(writeMbox(t), nil)
	require.NoError(t, err)
	s, err := r.Connect(ctx)
	require.NoError(t, err)

	hf, ok := s.(HeaderFetcher)
	require.True(t, ok)
	head, err := hf.FetchHeader(ctx, "first@example.com")
	require.NoError(t, err)
	assert.Contains(t, string(head), "Subject: one")
	assert.NotContains(t, string(head), "first body")
}

func TestHeaderBlock(t *testing.T) {
	assert.Equal(t, "A: 1\r\n\r\n", string(headerBlock([]byte("A: 1\r\n\r\nbody\r\n"))))
	assert.Equal(t, "A: 1\n\n", string(headerBlock([]byte("A: 1\n\nbody\n"))))
	assert.Equal(t, "A: 1\n", string(headerBlock([]byte("A: 1\n"))))
}

func TestMboxUnknownID(t *testing.T) {
	ctx := context.Background()
	r, err := NewMbox(writeMbox(t), nil)
	require.NoError(t, err)
	s, err := r.Connect(ctx)
	require.NoError(t, err)

	_, err = s.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.ErrorIs(t, s.MarkRead(ctx, "missing"), ErrUnknownMessage)
}

func TestMboxMissingFile(t *testing.T) {
	r, err := NewMbox(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	_, err = r.Connect(context.Background())
	assert.Error(t, err)

	_, err = NewMbox(" ", nil)
	assert.Error(t, err)
}

func TestIMAPIDRoundTrip(t *testing.T) {
	id := formatIMAPID("Work:Alerts", 42, imap.UID(7))
	assert.Equal(t, "Work:Alerts:42:7", id)

	folder, validity, uid, err := parseIMAPID(id)
	require.NoError(t, err)
	assert.Equal(t, "Work:Alerts", folder)
	assert.Equal(t, uint32(42), validity)
	assert.Equal(t, imap.UID(7), uid)

	for _, bad := range []string{"", "INBOX", "INBOX:1", "INBOX:x:1", "INBOX:1:0", ":1:2"} {
		_, _, _, err := parseIMAPID(bad)
		assert.ErrorIs(t, err, ErrUnknownMessage, bad)
	}
}

func TestNewUnknownProtocol(t *testing.T) {
	_, err := New("exchange", Options{}, nil)
	assert.Error(t, err)
}

func TestReceiverNames(t *testing.T) {
	assert.Equal(t, "imap://me@mail.example.com", NewIMAP(Options{Host: "mail.example.com", Username: "me"}, nil).Name())
	assert.Equal(t, "pop3://me@mail.example.com", NewPOP3(Options{Host: "mail.example.com", Username: "me"}, nil).Name())
}

// silentServer accepts connections and never writes to them.
func silentServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func connectReturns(t *testing.T, r Receiver, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		s, err := r.Connect(ctx)
		if s != nil {
			_ = s.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return against a silent server")
		return nil
	}
}

func TestConnectSilentServerTimesOut(t *testing.T) {
	host, port := silentServer(t)
	opts := Options{Host: host, Port: port, Username: "me@example.com", Password: "pw", Timeout: 300 * time.Millisecond}

	for name, r := range map[string]Receiver{
		"pop3": NewPOP3(opts, nil),
		"imap": NewIMAP(opts, nil),
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, connectReturns(t, r, context.Background()))
		})
	}
}

func TestConnectSilentServerHonoursContext(t *testing.T) {
	host, port := silentServer(t)
	opts := Options{Host: host, Port: port, Username: "me@example.com", Password: "pw", Timeout: time.Minute}

	for name, r := range map[string]Receiver{
		"pop3": NewPOP3(opts, nil),
		"imap": NewIMAP(opts, nil),
	} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			assert.Error(t, connectReturns(t, r, ctx))
		})
	}
}
