package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures WithBreaker.
type BreakerSettings struct {
	// MaxFailures consecutive transient failures open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial send.
	OpenTimeout time.Duration
}

type breaking struct {
	inner Channel
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker stops calling ch after repeated transient failures. While
// the breaker is open, Send fails fast with a transient error. Rejections
// do not count as failures.
func WithBreaker(ch Channel, s BreakerSettings, logger *slog.Logger) Channel {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &breaking{
		inner: ch,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ch.Name(),
			MaxRequests: 1,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("notification circuit breaker state changed",
					"channel", name, "from", from.String(), "to", to.String())
			},
			IsSuccessful: func(err error) bool {
				return err == nil || IsRejected(err)
			},
		}),
	}
}

func (b *breaking) Name() string { return b.inner.Name() }

func (b *breaking) Send(ctx context.Context, payload string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Send(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient(b.inner.Name(), err)
	}
	return err
}

func (b *breaking) Check(ctx context.Context) error { return Check(ctx, b.inner) }
