// Package storage persists channels, streams, chats, delivered messages and
// per-chat delivery backoff.
//
// One SQL implementation serves both drivers:
//   - "sqlite": modernc.org/sqlite, a single database file
//   - "postgres": jackc/pgx through database/sql
//
// Backoff records can live in the same database or in Redis.
package storage
