// Package storage persists check results.
//
// Drivers:
//   - file: append-only JSON lines, replayed into memory at open
//   - sqlite: single SQLite database file (pure Go driver)
//   - redis: one hash per address plus a set of checked addresses
//
// Every driver keeps the latest result per address. Checked reports the
// addresses whose latest result is not an error, so failed lookups are
// retried by the next scan.
package storage
