// Package storage provides the durable backends behind the cache and the
// subscription store.
//
// Drivers:
//   - "file": JSON Lines journal plus periodic snapshot, no database needed
//   - "sqlite": embedded SQLite database (modernc.org/sqlite)
//   - "postgres": PostgreSQL through a pgx pool
//
// SQL schemas are applied with goose from embedded migrations on open.
package storage
