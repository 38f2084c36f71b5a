// Package postgres implements store.Store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED claims, version-guarded conditional updates,
// row-lock schedule firing, embedded SQL migrations.
package postgres
