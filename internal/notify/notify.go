// Package notify delivers notification payloads to a messaging endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Delivery outcome kinds. Every error returned by a Channel matches exactly
// one of them with errors.Is.
var (
	// ErrTransient means the payload may succeed if sent again later.
	ErrTransient = errors.New("transient delivery failure")
	// ErrRejected means the endpoint refused this payload and will refuse
	// it again.
	ErrRejected = errors.New("payload rejected")
)

// Channel sends plain-text payloads to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, payload string) error
}

// Checker is implemented by channels that can verify their endpoint is
// reachable and the credentials are accepted without sending anything.
type Checker interface {
	Check(ctx context.Context) error
}

// DeliveryError is the error type returned by the channels in this package.
type DeliveryError struct {
	Channel   string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "rejected"
	}
	return fmt.Sprintf("%s delivery (%s): %v", e.Channel, kind, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Permanent {
		return []error{ErrRejected, e.Err}
	}
	return []error{ErrTransient, e.Err}
}

// Transient wraps err as a retryable delivery failure.
func Transient(channel string, err error) error {
	return &DeliveryError{Channel: channel, Err: err}
}

// Rejected wraps err as a permanent refusal of the payload.
func Rejected(channel string, err error) error {
	return &DeliveryError{Channel: channel, Permanent: true, Err: err}
}

// IsRejected reports whether err is a permanent rejection. Errors that do
// not come from this package are treated as transient.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Check runs ch's Checker if it has one.
func Check(ctx context.Context, ch Channel) error {
	if c, ok := ch.(Checker); ok {
		return c.Check(ctx)
	}
	return nil
}

// Channel types.
const (
	TypeTelegram = "telegram"
	TypeSlack    = "slack"
	TypeSMTP     = "smtp"
	TypeDesktop  = "desktop"
)

// DefaultMaxLength returns the payload bound for a channel type.
func DefaultMaxLength(channelType string) int {
	switch channelType {
	case TypeSlack:
		return 3900
	case TypeSMTP:
		return 100000
	case TypeDesktop:
		return 500
	default:
		return 4000
	}
}
