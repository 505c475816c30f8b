// Package storage persists tasks for taskbell.
//
// It currently supports:
//   - The task list (load on open, write-through on every mutation)
//   - An audit log of task mutations
//   - Optional notifier dedup state (to survive restarts)
//
// Reminder runtime state (pending or alerting entries) is never persisted.
package storage
