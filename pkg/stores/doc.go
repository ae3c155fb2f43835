// Package stores provides the persistence layer for Marquee.
// It includes a SQLite-based store with embedded migrations that keeps
// policies, catalog items, evaluation snapshots, activation runs, the
// durable job queue, short-lived locks, run events and the audit log.
package stores
