// Package storage provides the persistence layer behind the dispatcher.
//
// It currently supports:
//   - Per-target last-sent timestamps (dedupe state that survives restarts)
//   - An append-only log of settled actions
package storage
