// Package sqlite implements store.Store on database/sql with the pure-Go
// modernc.org/sqlite driver. Suitable for embedded deployments, CLI
// tools, and single-process simulations that still need the queue to
// survive a crash.
//
// Timestamps are stored as integer unix nanoseconds so range queries
// compare numerically. The database runs in WAL mode with a single
// write connection; conditional updates carry the same version guard
// as the Postgres backend.
package sqlite
