package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailalert/internal/format"
)

type scriptedCycler struct {
	mu       sync.Mutex
	results  []error
	calls    int
	ctxs     []context.Context
	onCycle  func(n int)
	inFlight bool
	overlap  bool
}

func (c *scriptedCycler) RunCycle(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.inFlight {
		c.overlap = true
	}
	c.inFlight = true
	c.calls++
	n := c.calls
	c.ctxs = append(c.ctxs, ctx)
	var err error
	if len(c.results) > 0 {
		err, c.results = c.results[0], c.results[1:]
	}
	c.mu.Unlock()

	if c.onCycle != nil {
		c.onCycle(n)
	}

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	res := Result{ID: "c", Finished: time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC), State: StateDone}
	if err != nil {
		res.State = StateFailed
		res.Err = err
	}
	return res, err
}

func TestScheduler_RunOnce(t *testing.T) {
	c := &scriptedCycler{}
	s := NewScheduler(c, SchedulerOptions{Interval: time.Hour})

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, 1, s.Status().Cycles)
	assert.False(t, s.Status().Running)
}

func TestScheduler_RunStopsBetweenCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration

	c := &scriptedCycler{
		results: []error{nil, errors.New("imap down"), nil},
		onCycle: func(n int) {
			if n == 3 {
				cancel()
			}
		},
	}
	s := NewScheduler(c, SchedulerOptions{
		Interval: 15 * time.Second,
		Backoff:  time.Minute,
		Sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return ctx.Err()
		},
	})

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 3, c.calls)
	assert.Equal(t, []time.Duration{15 * time.Second, time.Minute}, waits)
	assert.False(t, c.overlap)

	// The cycle that observed cancellation still ran with a live context.
	assert.NoError(t, c.ctxs[2].Err())
	assert.False(t, s.Status().Running)
}

func TestScheduler_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &scriptedCycler{}
	s := NewScheduler(c, SchedulerOptions{Sleep: func(context.Context, time.Duration) error { return nil }})

	require.NoError(t, s.Run(ctx))
	assert.Zero(t, c.calls)
}

func TestScheduler_StatusAndNotices(t *testing.T) {
	notices := &fakeChannel{}
	boom := errors.New("login failed")
	c := &scriptedCycler{results: []error{boom, boom, nil, nil}}
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	s := NewScheduler(c, SchedulerOptions{
		Interval: time.Second,
		Backoff:  time.Minute,
		Notices:  notices,
		Now:      func() time.Time { return now },
	})
	ctx := context.Background()

	_, err := s.RunOnce(ctx)
	require.Error(t, err)
	_, err = s.RunOnce(ctx)
	require.Error(t, err)

	st := s.Status()
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.True(t, st.LastSuccess.IsZero())
	assert.ErrorIs(t, st.LastResult.Err, boom)

	_, err = s.RunOnce(ctx)
	require.NoError(t, err)
	_, err = s.RunOnce(ctx)
	require.NoError(t, err)

	st = s.Status()
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, 4, st.Cycles)
	assert.False(t, st.LastSuccess.IsZero())

	sent := notices.payloads()
	require.Len(t, sent, 2, "one failure notice per streak and one recovery notice")
	assert.Equal(t, format.CycleFailure(now, boom, time.Minute), sent[0])
	assert.Equal(t, format.Recovery(now, 2), sent[1])
}

func TestScheduler_NoticeFailureIsNotFatal(t *testing.T) {
	notices := &fakeChannel{errs: []error{transient}}
	c := &scriptedCycler{results: []error{errors.New("x")}}
	s := NewScheduler(c, SchedulerOptions{Notices: notices})

	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Empty(t, notices.payloads())
}

func TestLifecycle(t *testing.T) {
	ch := &fakeChannel{}
	at := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	l := Lifecycle{Channel: ch, Enabled: true, Now: func() time.Time { return at }}
	ctx := context.Background()

	require.NoError(t, l.Startup(ctx, format.StartupInfo{Mailbox: "me@example.com", Senders: []string{"a@b.c"}}))
	require.NoError(t, l.TestRun(ctx))
	require.NoError(t, l.Shutdown(ctx))

	sent := ch.payloads()
	require.Len(t, sent, 3)
	assert.Contains(t, sent[0], "2024-03-04 05:06:07")
	assert.Equal(t, format.TestRun(at), sent[1])
	assert.Equal(t, format.Shutdown(at), sent[2])

	off := Lifecycle{Channel: ch}
	require.NoError(t, off.Startup(ctx, format.StartupInfo{}))
	assert.Len(t, ch.payloads(), 3)
}
