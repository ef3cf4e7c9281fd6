// Package storage keeps the task history: one CycleRecord per cycle that
// fetched a task.
//
// Drivers:
//   - "memory": bounded in-process ring (default, lost on restart)
//   - "file": the same ring backed by a JSON Lines journal
//   - "sqlite": a SQLite table (modernc.org/sqlite, no cgo)
package storage
