// Package database provides PostgreSQL connection pool management.
//
// A collector holds up to two pools:
//   - Ticks: the wide per-day tick tables written by the persistence writer
//   - Tokens: the broker token table, opened only when the access token is
//     read from the database instead of config
package database
