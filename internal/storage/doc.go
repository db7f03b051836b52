// Package storage persists jobs, the append-only execution history, the
// lifecycle audit trail and per-job key-value data.
//
// Two drivers exist:
//   - file: JSON Lines files, atomic temp+rename rewrites for the job table
//   - sqlite: modernc.org/sqlite (pure Go), WAL mode, single connection
//
// The file driver's writer lock is per process. Run the CLI against a live
// server only with the sqlite driver, which locks across processes.
package storage
