// Package monitor runs the poll-and-deliver cycle and schedules it.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tracyhatemice/mailalert/internal/dedup"
	"github.com/tracyhatemice/mailalert/internal/extract"
	"github.com/tracyhatemice/mailalert/internal/filter"
	"github.com/tracyhatemice/mailalert/internal/format"
	"github.com/tracyhatemice/mailalert/internal/notify"
	"github.com/tracyhatemice/mailalert/internal/receiver"
)

const commitTimeout = 30 * time.Second

// Options wires a Controller.
type Options struct {
	Receiver     receiver.Receiver
	Folder       string
	Filter       *filter.Filter
	Formatter    format.Formatter
	Channel      notify.Channel
	Tracker      dedup.Tracker
	CycleTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Controller executes poll cycles. A Controller must not run two cycles at
// once; the Scheduler serializes them.
type Controller struct {
	recv         receiver.Receiver
	folder       string
	filter       *filter.Filter
	formatter    format.Formatter
	channel      notify.Channel
	tracker      dedup.Tracker
	cycleTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewController creates a Controller.
func NewController(o Options) *Controller {
	if o.Folder == "" {
		o.Folder = "INBOX"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Controller{
		recv:         o.Receiver,
		folder:       o.Folder,
		filter:       o.Filter,
		formatter:    o.Formatter,
		channel:      o.Channel,
		tracker:      o.Tracker,
		cycleTimeout: o.CycleTimeout,
		now:          o.Now,
		logger:       o.Logger,
	}
}

// Result summarizes one cycle.
type Result struct {
	ID               string
	Started          time.Time
	Finished         time.Time
	Listed           int
	AlreadyDelivered int
	Skipped          int
	Delivered        int
	Partial          int
	Rejected         int
	Failed           int
	FetchFailed      int
	Degraded         int
	MarkReadFailed   int
	State            State
	Err              error
}

// LogAttrs returns the result as slog key/value pairs.
func (r Result) LogAttrs() []any {
	attrs := []any{
		"cycle", r.ID,
		"duration", r.Finished.Sub(r.Started).Round(time.Millisecond),
		"listed", r.Listed,
		"delivered", r.Delivered,
		"skipped", r.Skipped,
		"already_delivered", r.AlreadyDelivered,
	}
	for _, kv := range []struct {
		k string
		v int
	}{
		{"partial", r.Partial},
		{"rejected", r.Rejected},
		{"failed", r.Failed},
		{"fetch_failed", r.FetchFailed},
		{"degraded", r.Degraded},
		{"mark_read_failed", r.MarkReadFailed},
	} {
		if kv.v > 0 {
			attrs = append(attrs, kv.k, kv.v)
		}
	}
	if r.Err != nil {
		attrs = append(attrs, "state", r.State, "error", r.Err)
	}
	return attrs
}

// RunCycle performs one poll cycle. A non-nil error is always a
// *CycleError; per-message failures are counted in the Result instead.
func (c *Controller) RunCycle(ctx context.Context) (Result, error) {
	res := Result{ID: uuid.NewString(), Started: c.now(), State: StateConnecting}
	logger := c.logger.With("cycle", res.ID)

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if c.cycleTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, c.cycleTimeout)
	}
	defer cancel()

	fail := func(state State, kind, err error) (Result, error) {
		if cctx.Err() != nil {
			kind = abortKind(cctx)
		}
		cerr := &CycleError{State: state, Kind: kind, Err: err}
		res.State = StateFailed
		res.Err = cerr
		res.Finished = c.now()
		return res, cerr
	}

	sess, err := c.recv.Connect(cctx)
	if err != nil {
		return fail(StateConnecting, ErrConnection, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("mailbox disconnect failed", "error", err)
		}
	}()

	res.State = StateListing
	ids, err := sess.ListUnread(cctx, c.folder)
	if err != nil {
		return fail(StateListing, ErrListing, err)
	}
	res.Listed = len(ids)
	if len(ids) > 0 {
		logger.Debug("unread messages listed", "count", len(ids))
	}

	for _, id := range ids {
		if err := cctx.Err(); err != nil {
			return fail(res.State, abortKind(cctx), err)
		}
		if cerr := c.process(cctx, sess, id, &res, logger.With("msg_id", id)); cerr != nil {
			return fail(cerr.State, cerr.Kind, cerr.Err)
		}
	}

	res.State = StateDone
	res.Finished = c.now()
	return res, nil
}

// abortKind classifies a cycle stopped by its context: only a passed
// deadline is a timeout.
func abortKind(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrCycleTimeout
	}
	return ErrCycleAborted
}

// peekHeader returns the header block of id for filtering. Sessions that
// cannot fetch headers alone return the whole message, which is handed
// back so it is not downloaded twice.
func peekHeader(ctx context.Context, sess receiver.Session, id string) ([]byte, *receiver.Message, error) {
	if hf, ok := sess.(receiver.HeaderFetcher); ok {
		head, err := hf.FetchHeader(ctx, id)
		return head, nil, err
	}
	msg, err := sess.Fetch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return msg.Content, msg, nil
}

func (c *Controller) fetchFailed(ctx context.Context, err error, res *Result, logger *slog.Logger) *CycleError {
	if ctx.Err() != nil {
		return &CycleError{State: res.State, Kind: abortKind(ctx), Err: err}
	}
	res.FetchFailed++
	logger.Warn("fetch failed, skipping", "error", err)
	return nil
}

// process handles one candidate. It returns non-nil only when the whole
// cycle must abort.
func (c *Controller) process(ctx context.Context, sess receiver.Session, id string, res *Result, logger *slog.Logger) *CycleError {
	res.State = StateFiltering
	delivered, err := c.tracker.IsDelivered(ctx, id)
	if err != nil {
		return &CycleError{State: StateFiltering, Kind: ErrTrackerStore, Err: err}
	}
	if delivered {
		// Rejected alerts and failed mark-reads stay unread on purpose.
		res.AlreadyDelivered++
		return nil
	}

	head, msg, err := peekHeader(ctx, sess, id)
	if err != nil {
		return c.fetchFailed(ctx, err, res, logger)
	}

	hdr, herr := extract.Envelope(head)
	if !c.filter.Allows(hdr.Sender()) {
		res.Skipped++
		if herr != nil {
			logger.Debug("skipping message with unreadable header", "error", herr)
		} else {
			logger.Debug("sender not monitored", "from", hdr.Sender())
		}
		return nil
	}
	if msg == nil {
		if msg, err = sess.Fetch(ctx, id); err != nil {
			return c.fetchFailed(ctx, err, res, logger)
		}
	}

	res.State = StateExtracting
	content := extract.Extract(msg.Content)
	if content.Degraded {
		res.Degraded++
		logger.Warn("message body could not be decoded", "error", content.Err)
	}

	res.State = StateFormatting
	date := content.Date
	if date.IsZero() {
		date = msg.Date
	}
	payloads := c.formatter.Format(format.Alert{
		Sender:   content.From,
		Subject:  content.Subject,
		Body:     content.Body,
		Date:     date,
		Degraded: content.Degraded,
	}, c.now())

	res.State = StateDelivering
	sent, derr := c.deliver(ctx, payloads)
	rejected := notify.IsRejected(derr)
	switch {
	case derr == nil:
	case rejected:
		res.Rejected++
		logger.Error("notification rejected by channel", "from", content.From, "subject", content.Subject, "error", derr)
		c.sendFallback(ctx, content, logger)
	case sent > 0:
		// Part of the alert went out; committing avoids repeating it.
		res.Partial++
		logger.Warn("notification partially delivered", "sent", sent, "total", len(payloads), "error", derr)
	default:
		res.Failed++
		logger.Warn("notification failed, leaving message unread for retry", "error", derr)
		return nil
	}

	res.State = StateCommitting
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := c.tracker.RecordDelivered(commitCtx, id); err != nil {
		return &CycleError{State: StateCommitting, Kind: ErrTrackerStore, Err: err}
	}
	if derr == nil {
		res.Delivered++
		logger.Info("notification delivered", "from", content.From, "subject", content.Subject, "segments", len(payloads))
	}
	if rejected {
		return nil
	}
	if err := sess.MarkRead(commitCtx, id); err != nil {
		res.MarkReadFailed++
		logger.Warn("mark read failed", "error", err)
	}
	return nil
}

func (c *Controller) deliver(ctx context.Context, payloads []string) (int, error) {
	for i, p := range payloads {
		if err := c.channel.Send(ctx, p); err != nil {
			return i, err
		}
	}
	return len(payloads), nil
}

func (c *Controller) sendFallback(ctx context.Context, content extract.Content, logger *slog.Logger) {
	notice := format.DeliveryFailure(content.From, content.Subject)
	if err := c.channel.Send(ctx, notice); err != nil {
		logger.Warn("delivery failure notice not sent", "error", err)
	}
}

// Seed records every currently unread message as delivered without
// notifying. It returns the number of newly recorded ids.
func (c *Controller) Seed(ctx context.Context) (int, error) {
	sess, err := c.recv.Connect(ctx)
	if err != nil {
		return 0, &CycleError{State: StateConnecting, Kind: ErrConnection, Err: err}
	}
	defer sess.Close()

	ids, err := sess.ListUnread(ctx, c.folder)
	if err != nil {
		return 0, &CycleError{State: StateListing, Kind: ErrListing, Err: err}
	}

	n := 0
	for _, id := range ids {
		delivered, err := c.tracker.IsDelivered(ctx, id)
		if err != nil {
			return n, &CycleError{State: StateCommitting, Kind: ErrTrackerStore, Err: err}
		}
		if delivered {
			continue
		}
		if err := c.tracker.RecordDelivered(ctx, id); err != nil {
			return n, &CycleError{State: StateCommitting, Kind: ErrTrackerStore, Err: err}
		}
		n++
	}
	c.logger.Info("seeded delivery tracker", "recorded", n, "unread", len(ids))
	return n, nil
}
