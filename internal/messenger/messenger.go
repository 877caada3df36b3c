package messenger

import (
	"context"
	"errors"
)

// ErrTargetNotFound reports that the delivery channel has no usable
// chat/session for the requested target. Callers treat it as an operational
// condition (the action is skipped), not a delivery failure worth retrying.
var ErrTargetNotFound = errors.New("messenger: target not found")

// Content is one renderable message: text plus an optional image reference.
type Content struct {
	Text      string
	ImagePath string
}

// Adapter is the single delivery channel behind the dispatch loop.
//
// Contract:
//   - Ready reports whether the target can receive a message right now.
//     It returns ErrTargetNotFound (possibly wrapped) when the target is
//     unknown to the channel.
//   - Deliver performs one delivery attempt. Any non-nil error is a
//     retryable delivery failure.
//   - Both methods are invoked only from the dispatch loop, never
//     concurrently. Implementations own a single exclusive session and must
//     not be shared across loops.
type Adapter interface {
	Ready(ctx context.Context, target string) error
	Deliver(ctx context.Context, target string, c Content) error
}
