// Package dispatch implements the broadcast dispatch engine.
//
// A broadcast request names a set of whitelisted targets and a message. The
// engine turns each admitted request into one Action per target, assigns every
// action a randomized-but-spaced send time inside the request's window, and
// inserts the batch into a shared send queue. A single dispatch loop drains
// the queue in scheduled-time order, subjecting each action to a per-target
// dedupe interval, a sliding-window rate limit, and retry with exponential
// backoff around the messenger adapter.
//
// Admission control
//
// Requests are screened before any action exists: targets outside the
// whitelist reject the whole request, and live delivery is refused unless the
// safety fuse is armed. Dry-run requests are scheduled normally but delivery
// is simulated and no dedupe or rate-limit state is touched.
//
// Concurrency
//
// Multiple producers may submit requests concurrently; conflict resolution
// runs under the queue mutex so minimum spacing holds across the union of all
// pending actions, not per request. Exactly one consumer drains the queue, so
// dedupe and rate-limit state need no locking of their own.
package dispatch
