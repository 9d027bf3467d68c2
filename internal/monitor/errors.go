package monitor

import (
	"errors"
	"fmt"
)

// State is a poll cycle state.
type State string

const (
	StateConnecting    State = "connecting"
	StateListing       State = "listing"
	StateFiltering     State = "filtering"
	StateExtracting    State = "extracting"
	StateFormatting    State = "formatting"
	StateDelivering    State = "delivering"
	StateCommitting    State = "committing"
	StateDisconnecting State = "disconnecting"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Cycle failure kinds, matched with errors.Is on a *CycleError.
var (
	ErrConnection   = errors.New("mailbox connection failed")
	ErrListing      = errors.New("mailbox listing failed")
	ErrTrackerStore = errors.New("delivery tracker failed")
	ErrCycleTimeout = errors.New("poll cycle timed out")
	ErrCycleAborted = errors.New("poll cycle cancelled")
)

// CycleError aborts a poll cycle. State is where the cycle was when it
// failed; Kind is one of the Err* kinds above.
type CycleError struct {
	State State
	Kind  error
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v (while %s): %v", e.Kind, e.State, e.Err)
}

func (e *CycleError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
