// Package storage persists the callback retry log so batches that failed to
// reach a coordinator survive an agent restart.
//
// Drivers:
//   - "file": dependency-free JSON Lines journal + periodic snapshot
//   - "sqlite": single-file SQLite database (modernc.org/sqlite, no cgo)
//   - "redis": shared Redis instance (hash + sorted set per key prefix)
package storage
