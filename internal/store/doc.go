// Package store provides the SQLite-backed durable store for post and
// user records.
//
// A Store is one database file holding two namespaces, posts and users,
// reached through Posts and Users. Each namespace has its own table and
// indexes; they share the writer.
//
// # Write discipline
//
// All writes go through a single writer mutex per Store, and the
// connection pool is limited to one connection, so SQLite never sees two
// writers. Reads share the same connection; WAL mode keeps them from
// blocking behind a long write at the file level.
//
// # Modes
//
//   - Volatile: tables are dropped and recreated on open.
//   - Persistent: tables are kept across restarts and trimmed to
//     Options.MaxRecords, newest writes first.
//
// # Payload encoding
//
// Records are JSON (goccy/go-json) compressed with zstd. The columns next
// to the payload (author, reply target, screen name) exist only for
// indexed lookups.
//
// # Failure policy
//
// Open failing is fatal to the caller. A closed store turns writes into
// STORE_UNAVAILABLE errors and reads into empty results. A failed write is
// logged and returned; it never panics.
package store
