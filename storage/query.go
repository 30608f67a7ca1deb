package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/canvault/canvault/canlink"
)

// StoredFrame is a frame row read back from the capture store.
type StoredFrame struct {
	canlink.Frame
	SessionID string
}

// FrameFilter narrows a RecentFrames query. Zero values mean no
// filtering on that field.
type FrameFilter struct {
	Channel string

	// ArbID filters on the arbitration id when HasArbID is set
	// (zero is a valid id).
	ArbID    uint32
	HasArbID bool

	// Limit caps the result size. Defaults to 100.
	Limit int
}

// RecentFrames returns stored frames, newest first.
func (s *Store) RecentFrames(ctx context.Context, filter FrameFilter) ([]StoredFrame, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: recent frames: %w", err)
	}
	defer s.pool.Put(conn)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []any
	if filter.Channel != "" {
		conditions = append(conditions, "channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.HasArbID {
		conditions = append(conditions, "arb_id = ?")
		args = append(args, int64(filter.ArbID))
	}

	query := `SELECT session_id, channel, seq, wall_time, mono_time,
		arb_id, payload, dir, flags, drop_count FROM frames`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY wall_time DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	var frames []StoredFrame
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			frames = append(frames, scanFrame(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: recent frames: %w", err)
	}
	return frames, nil
}

func scanFrame(stmt *sqlite.Stmt) StoredFrame {
	// Columns: session_id(0), channel(1), seq(2), wall_time(3),
	// mono_time(4), arb_id(5), payload(6), dir(7), flags(8),
	// drop_count(9)
	var payload []byte
	if stmt.ColumnLen(6) > 0 {
		payload = make([]byte, stmt.ColumnLen(6))
		stmt.ColumnBytes(6, payload)
	}
	return StoredFrame{
		Frame: canlink.Frame{
			Channel:   stmt.ColumnText(1),
			Seq:       uint64(stmt.ColumnInt64(2)),
			Time:      time.Unix(0, stmt.ColumnInt64(3)).UTC(),
			Mono:      stmt.ColumnInt64(4),
			ID:        uint32(stmt.ColumnInt64(5)),
			Data:      payload,
			Dir:       canlink.Direction(stmt.ColumnInt(7)),
			Flags:     canlink.FrameFlags(stmt.ColumnInt(8)),
			DropCount: uint32(stmt.ColumnInt64(9)),
		},
		SessionID: stmt.ColumnText(0),
	}
}

// SessionRecord is a session audit row. EndedAt is zero for sessions
// that never closed cleanly.
type SessionRecord struct {
	ID           string
	Channel      string
	Bitrate      int
	StartedAt    time.Time
	EndedAt      time.Time
	RestartCount int
}

// Sessions returns session records, newest first. A limit of zero or
// less means 50.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: sessions: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = 50
	}

	var sessions []SessionRecord
	err = sqlitex.Execute(conn, `SELECT id, channel, bitrate, started_at,
		ended_at, restart_count FROM sessions
		ORDER BY started_at DESC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sessions = append(sessions, SessionRecord{
				ID:           stmt.ColumnText(0),
				Channel:      stmt.ColumnText(1),
				Bitrate:      stmt.ColumnInt(2),
				StartedAt:    time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				EndedAt:      sessionEndTime(stmt, 4),
				RestartCount: stmt.ColumnInt(5),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: sessions: %w", err)
	}
	return sessions, nil
}

// GapRecord is one recorded loss event: the gap marker's position and
// how many bus frames were dropped before it.
type GapRecord struct {
	SessionID string
	Channel   string
	Seq       uint64
	Time      time.Time
	DropCount uint32
}

// GapReport returns every recorded loss event for the channel (all
// channels when empty), oldest first, plus the total dropped frame
// count.
func (s *Store) GapReport(ctx context.Context, channel string) ([]GapRecord, uint64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: gap report: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT session_id, channel, seq, wall_time, drop_count
		FROM frames WHERE (flags & ?) != 0`
	args := []any{int(canlink.FlagGap)}
	if channel != "" {
		query += " AND channel = ?"
		args = append(args, channel)
	}
	query += " ORDER BY wall_time ASC, seq ASC"

	var gaps []GapRecord
	var total uint64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record := GapRecord{
				SessionID: stmt.ColumnText(0),
				Channel:   stmt.ColumnText(1),
				Seq:       uint64(stmt.ColumnInt64(2)),
				Time:      time.Unix(0, stmt.ColumnInt64(3)).UTC(),
				DropCount: uint32(stmt.ColumnInt64(4)),
			}
			gaps = append(gaps, record)
			total += uint64(record.DropCount)
			return nil
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: gap report: %w", err)
	}
	return gaps, total, nil
}
