// Package storage is the delivery journal: an append-only record of every
// resolved dispatch attempt plus the alert dedup map.
//
// Drivers:
//   - "file": JSON Lines journal with a dedup snapshot
//   - "sqlite": single SQLite database (modernc.org/sqlite, no cgo)
package storage
