// Package storage persists captured frames and session records to
// SQLite. The DurableSink buffers accepted frames and commits them in
// batches, bounded by count or elapsed time, so sustained bus traffic
// amortizes the per-transaction cost without letting frames sit
// unwritten for long. Periodic backups snapshot the database into
// compressed archives without blocking the writer.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/lib/clock"
	"github.com/canvault/canvault/lib/sqlitepool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS frames (
		session_id TEXT NOT NULL,
		channel    TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		wall_time  INTEGER NOT NULL,
		mono_time  INTEGER NOT NULL,
		arb_id     INTEGER NOT NULL,
		payload    BLOB,
		dir        INTEGER NOT NULL,
		flags      INTEGER NOT NULL,
		drop_count INTEGER NOT NULL,
		PRIMARY KEY (session_id, channel, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_frames_time ON frames(wall_time);
	CREATE INDEX IF NOT EXISTS idx_frames_arb ON frames(channel, arb_id, seq);

	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		channel       TEXT NOT NULL,
		bitrate       INTEGER NOT NULL,
		started_at    INTEGER NOT NULL,
		ended_at      INTEGER,
		restart_count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

// Store manages the SQLite capture database: the frames table keyed
// by (session, channel, seq) and the sessions audit table. The write
// path is WriteFrames, called by the DurableSink with whole batches.
// The read path serves the query CLI and never blocks the writer
// (WAL).
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a capture store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides timestamps for backup naming.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenStore opens the capture database, creating the file and schema
// if needed.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	store := &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}
	if err := store.init(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	return store, nil
}

func (s *Store) init() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// WriteFrames inserts a batch of frames in a single IMMEDIATE
// transaction.
func (s *Store) WriteFrames(ctx context.Context, sessionID string, frames []canlink.Frame) (err error) {
	if len(frames) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: write frames: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for i := range frames {
		if err = s.insertFrame(conn, sessionID, &frames[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertFrame(conn *sqlite.Conn, sessionID string, frame *canlink.Frame) error {
	err := sqlitex.Execute(conn, `INSERT INTO frames
		(session_id, channel, seq, wall_time, mono_time, arb_id,
		 payload, dir, flags, drop_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			sessionID,
			frame.Channel,
			int64(frame.Seq),
			frame.Time.UnixNano(),
			frame.Mono,
			int64(frame.ID),
			frame.Data,
			int(frame.Dir),
			int(frame.Flags),
			int64(frame.DropCount),
		},
	})
	if err != nil {
		return fmt.Errorf("storage: insert frame %s/%d: %w", frame.Channel, frame.Seq, err)
	}
	return nil
}

// RecordSession upserts a session audit row. Called when a session
// opens (ended_at NULL) and again when it closes.
func (s *Store) RecordSession(ctx context.Context, session *canlink.Session) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: record session: %w", err)
	}
	defer s.pool.Put(conn)

	var endedAt any
	if at, ended := session.EndedAt(); ended {
		endedAt = at.UnixNano()
	}

	err = sqlitex.Execute(conn, `INSERT INTO sessions
		(id, channel, bitrate, started_at, ended_at, restart_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ended_at = excluded.ended_at`, &sqlitex.ExecOptions{
		Args: []any{
			session.ID,
			session.Channel,
			session.Bitrate,
			session.StartedAt.UnixNano(),
			endedAt,
			session.RestartCount,
		},
	})
	if err != nil {
		return fmt.Errorf("storage: record session %s: %w", session.ID, err)
	}
	return nil
}

// FrameCount returns the total number of stored frames, gap markers
// included.
func (s *Store) FrameCount(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: frame count: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM frames`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("storage: frame count: %w", err)
	}
	return count, nil
}

// classify maps a SQLite failure onto the sink error taxonomy. Full
// storage is transient (degraded, retry when space returns);
// corruption is fatal for the sink.
func classify(err error) (fatal bool) {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultCorrupt, sqlite.ResultNotADB:
		return true
	}
	return false
}

// sessionEndTime converts a nullable ended_at column value.
func sessionEndTime(stmt *sqlite.Stmt, col int) time.Time {
	if stmt.ColumnIsNull(col) {
		return time.Time{}
	}
	return time.Unix(0, stmt.ColumnInt64(col)).UTC()
}
