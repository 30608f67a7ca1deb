package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/dispatch"
	"github.com/canvault/canvault/lib/clock"
)

// ErrDiskFull marks a commit that failed because the filesystem or
// database is out of space. The batch stays buffered; the sink is
// degraded, not fatal.
var ErrDiskFull = errors.New("storage: disk full")

// DurableSink writes dispatched frames into the capture store in
// batches. A batch commits when it reaches the configured size or
// when the flush interval elapses, whichever comes first.
//
// Failure handling follows the sink taxonomy: a full disk keeps the
// buffered batch and retries on the next flush tick, reporting the
// sink as degraded; corruption is fatal and unregisters the sink.
type DurableSink struct {
	store  *Store
	clock  clock.Clock
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	backupInterval time.Duration
	backupDir      string
	backupKeep     int

	// OnBackup, when set, is called after each backup attempt with
	// the archive path (empty on failure) and the error, if any.
	onBackup func(path string, err error)

	mu        sync.Mutex
	pending   []canlink.Frame
	sessionID string
}

// DurableSinkConfig holds the parameters for a durable sink.
type DurableSinkConfig struct {
	// Store is the capture store to write into. Required.
	Store *Store

	// BatchSize is the commit threshold. Defaults to 256 frames.
	BatchSize int

	// FlushInterval bounds how long an accepted frame waits before
	// it is durable. Defaults to one second.
	FlushInterval time.Duration

	// BackupInterval enables periodic backups when positive.
	BackupInterval time.Duration

	// BackupDir is where backup archives are written.
	BackupDir string

	// BackupKeep is how many recent archives to retain. Defaults
	// to 5.
	BackupKeep int

	// OnBackup, when set, is called after each backup attempt.
	OnBackup func(path string, err error)

	// Clock drives the flush and backup tickers.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// NewDurableSink creates the sink. Run must be started for timed
// flushes and backups to happen.
func NewDurableSink(cfg DurableSinkConfig) *DurableSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BackupKeep <= 0 {
		cfg.BackupKeep = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &DurableSink{
		store:          cfg.Store,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		batchSize:      cfg.BatchSize,
		flushInterval:  cfg.FlushInterval,
		backupInterval: cfg.BackupInterval,
		backupDir:      cfg.BackupDir,
		backupKeep:     cfg.BackupKeep,
		onBackup:       cfg.OnBackup,
		pending:        make([]canlink.Frame, 0, cfg.BatchSize),
	}
}

func (s *DurableSink) Name() string { return "durable" }

// SetSession records the session and tags subsequently accepted
// frames with its id. Called by the pipeline on session open and
// close.
func (s *DurableSink) SetSession(ctx context.Context, session *canlink.Session) error {
	s.mu.Lock()
	s.sessionID = session.ID
	s.mu.Unlock()
	return s.store.RecordSession(ctx, session)
}

// Accept buffers the frame and commits when the batch is full.
func (s *DurableSink) Accept(ctx context.Context, frame canlink.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The batch outlives the Accept call, so it must own the
	// payload bytes.
	frame.Data = append([]byte(nil), frame.Data...)
	s.pending = append(s.pending, frame)

	if len(s.pending) < s.batchSize {
		return nil
	}
	return s.flushLocked(ctx)
}

// Flush commits any buffered frames immediately.
func (s *DurableSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// flushLocked writes the pending batch. On failure the batch stays
// buffered for the next attempt unless the store is corrupt, which is
// fatal. Caller holds s.mu.
func (s *DurableSink) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	err := s.store.WriteFrames(ctx, s.sessionID, s.pending)
	if err == nil {
		s.pending = s.pending[:0]
		return nil
	}

	if classify(err) {
		return &dispatch.SinkError{Kind: dispatch.SinkFatal, Sink: s.Name(), Err: err}
	}
	if sqlite.ErrCode(err) == sqlite.ResultFull {
		err = fmt.Errorf("%w, %d frames held: %v", ErrDiskFull, len(s.pending), err)
	}
	return &dispatch.SinkError{Kind: dispatch.SinkDegraded, Sink: s.Name(), Err: err}
}

// PendingCount returns how many accepted frames await commit.
func (s *DurableSink) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run drives timed flushes and periodic backups until ctx is
// cancelled, then commits whatever is still buffered.
func (s *DurableSink) Run(ctx context.Context) error {
	flushTicker := s.clock.NewTicker(s.flushInterval)
	defer flushTicker.Stop()

	var backupTick <-chan time.Time
	if s.backupInterval > 0 {
		backupTicker := s.clock.NewTicker(s.backupInterval)
		defer backupTicker.Stop()
		backupTick = backupTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			// Final flush with a fresh context: ctx is already
			// cancelled and the frames are not yet durable.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.Flush(flushCtx)
			cancel()
			if err != nil {
				s.logger.Error("final flush failed", "error", err)
				return err
			}
			return nil

		case <-flushTicker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("timed flush failed", "error", err)
			}

		case <-backupTick:
			path, err := s.store.Backup(ctx, s.backupDir, s.backupKeep)
			if err != nil {
				s.logger.Error("backup failed", "error", err)
			} else {
				s.logger.Info("backup written", "path", path)
			}
			if s.onBackup != nil {
				s.onBackup(path, err)
			}
		}
	}
}
