// Package storage persists tasks, categories, recipient bindings, scheduled
// jobs, delivery dedup state and the audit log on database/sql.
//
// Two dialects are supported: SQLite (modernc.org/sqlite, single writer)
// and PostgreSQL (pgx stdlib driver). The schema is applied with goose from
// embedded per-dialect migrations. Timestamps are stored as UTC unix
// milliseconds.
package storage
