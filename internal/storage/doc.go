// Package storage persists jobs and their execution history.
//
// It currently supports:
//   - "sqlite": a SQLite database file (modernc.org/sqlite, pure Go)
//   - "memory": process-local maps, for tests and throwaway runs
//
// Every multi-row change (run start, run finish, cascade delete) is applied
// in a single transaction.
package storage
