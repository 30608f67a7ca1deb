// Package sqlitepool provides the SQLite connection pool used by the
// canvault audit store.
//
// It wraps zombiezen.com/go/sqlite with capture-duty defaults: WAL
// journal mode so the backup reader and the query CLI never block the
// ingest writer, NORMAL synchronous for process-crash durability
// without fsync-per-commit overhead on an SD card or eMMC, and a busy
// timeout so a long-running backup does not surface SQLITE_BUSY to the
// write path.
//
// The pool is built on zombiezen's sqlitex.Pool. Callers [Pool.Take] a
// connection, perform work, and [Pool.Put] it back. Connections are
// NOT safe for concurrent use — each goroutine must hold its own
// connection for the duration of its work.
//
// # Pragmas
//
// Every connection is initialized with:
//
//   - journal_mode=WAL: concurrent readers, single writer. The frame
//     ingest writer is never blocked by the query CLI or a snapshot.
//   - synchronous=NORMAL: committed batches survive process crashes.
//     Not durable across power loss, which is acceptable: a capture
//     gap at power loss is recorded by the decoder's sequence numbers
//     either way.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock
//     instead of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: frames reference sessions by id but the store
//     manages that relationship explicitly; cascades are unwanted in
//     an append-only log.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - temp_store=MEMORY: temp indexes in memory.
//
// This package is intentionally thin. The store writes SQL directly,
// uses sqlitex.Execute for cached statements, and manages transactions
// with sqlitex.ImmediateTransaction.
package sqlitepool
