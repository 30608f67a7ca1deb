package series

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/dispatch"
	"github.com/canvault/canvault/lib/clock"
)

// Backend is the slice of the InfluxDB client the sink depends on.
// Kept small so tests can stand in a fake; NewInfluxBackend adapts a
// real server. EnsureBucket must be idempotent.
type Backend interface {
	WritePoint(ctx context.Context, point *write.Point) error
	EnsureBucket(ctx context.Context, retention time.Duration) error
}

// SeriesSink writes frame points to a time-series backend. Gap
// markers are not points (they carry no signal value); the durable
// store is the loss audit.
//
// Backend outages never stall the pipeline: failed points go into a
// capped in-memory buffer retried by Run under exponential backoff,
// and when the buffer is full the oldest pending point is dropped.
type SeriesSink struct {
	backend   Backend
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	pendingLimit int
	retryBase    time.Duration
	retryMax     time.Duration

	mu          sync.Mutex
	provisioned bool
	pending     []*write.Point
	dropped     uint64
}

// SeriesSinkConfig holds the parameters for a series sink.
type SeriesSinkConfig struct {
	// Backend is the point writer and provisioner. Required; use
	// NewInfluxBackend for a real server.
	Backend Backend

	// Retention is applied when the bucket is first provisioned.
	Retention time.Duration

	// PendingLimit caps the retry buffer. Defaults to 4096 points.
	PendingLimit int

	// RetryBase is the first retry delay. Defaults to one second.
	RetryBase time.Duration

	// RetryMax caps the retry backoff. Defaults to 30 seconds.
	RetryMax time.Duration

	// Clock drives the retry timer.
	Clock clock.Clock

	// Logger receives degradation and recovery messages.
	Logger *slog.Logger
}

// NewSeriesSink creates the sink. Run must be started for pending
// points to be retried.
func NewSeriesSink(cfg SeriesSinkConfig) *SeriesSink {
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 4096
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &SeriesSink{
		backend:      cfg.Backend,
		retention:    cfg.Retention,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		pendingLimit: cfg.PendingLimit,
		retryBase:    cfg.RetryBase,
		retryMax:     cfg.RetryMax,
	}
}

func (s *SeriesSink) Name() string { return "series" }

// Accept converts the frame to a point and writes it, or parks it in
// the retry buffer when the backend is unreachable.
func (s *SeriesSink) Accept(ctx context.Context, frame canlink.Frame) error {
	if frame.IsGap() || frame.Flags&canlink.FlagError != 0 {
		return nil
	}

	if err := s.ensureProvisioned(ctx); err != nil {
		s.park(framePoint(frame))
		return &dispatch.SinkError{Kind: dispatch.SinkDegraded, Sink: s.Name(), Err: err}
	}

	point := framePoint(frame)

	s.mu.Lock()
	queued := len(s.pending) > 0
	s.mu.Unlock()
	if queued {
		// Older points are still waiting; keep series order.
		s.park(point)
		return &dispatch.SinkError{Kind: dispatch.SinkDegraded, Sink: s.Name(),
			Err: errPendingBacklog}
	}

	if err := s.backend.WritePoint(ctx, point); err != nil {
		s.park(point)
		return &dispatch.SinkError{Kind: dispatch.SinkDegraded, Sink: s.Name(), Err: err}
	}
	return nil
}

var errPendingBacklog = backlogError{}

type backlogError struct{}

func (backlogError) Error() string { return "series: pending backlog not yet drained" }

func (s *SeriesSink) ensureProvisioned(ctx context.Context) error {
	s.mu.Lock()
	done := s.provisioned
	s.mu.Unlock()
	if done {
		return nil
	}

	if err := s.backend.EnsureBucket(ctx, s.retention); err != nil {
		return err
	}
	s.mu.Lock()
	s.provisioned = true
	s.mu.Unlock()
	return nil
}

// park buffers a point for retry, evicting the oldest when full.
func (s *SeriesSink) park(point *write.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= s.pendingLimit {
		s.pending = s.pending[1:]
		s.dropped++
	}
	s.pending = append(s.pending, point)
}

// PendingCount returns how many points await retry.
func (s *SeriesSink) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DroppedCount returns how many points the full retry buffer evicted.
func (s *SeriesSink) DroppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run retries the pending buffer until ctx is cancelled. The retry
// delay doubles on consecutive failures up to the configured maximum
// and resets after a successful drain.
func (s *SeriesSink) Run(ctx context.Context) error {
	delay := s.retryBase
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(delay):
		}

		if s.drain(ctx) {
			delay = s.retryBase
		} else {
			delay *= 2
			if delay > s.retryMax {
				delay = s.retryMax
			}
			s.logger.Warn("series backend still unreachable",
				"pending", s.PendingCount(),
				"next_retry", delay,
			)
		}
	}
}

// drain writes pending points oldest first, stopping at the first
// failure. Reports whether the buffer is empty afterwards.
func (s *SeriesSink) drain(ctx context.Context) bool {
	if err := s.ensureProvisioned(ctx); err != nil {
		return false
	}
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return true
		}
		point := s.pending[0]
		s.mu.Unlock()

		if err := s.backend.WritePoint(ctx, point); err != nil {
			return false
		}

		s.mu.Lock()
		// Concurrent parks only append, except when the full buffer
		// evicts the head. Only remove the point actually written.
		if len(s.pending) > 0 && s.pending[0] == point {
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()
	}
}

// framePoint renders a frame as an InfluxDB point: byte0..byte7
// integer fields plus the big-endian composite value of the first
// eight payload bytes, tagged by channel and hex arbitration id.
func framePoint(frame canlink.Frame) *write.Point {
	fields := make(map[string]any, 10)
	for i, b := range frame.Data {
		if i >= len(byteFieldNames) {
			break
		}
		fields[byteFieldNames[i]] = int64(b)
	}
	fields["value"] = int64(compositeValue(frame.Data))
	fields["dlc"] = int64(len(frame.Data))

	tags := map[string]string{
		"channel": frame.Channel,
		"arb_id":  frame.IDString(),
	}
	if frame.Dir == canlink.DirTx {
		tags["dir"] = "tx"
	}
	return write.NewPoint("can_frame", tags, fields, frame.Time)
}

var byteFieldNames = [...]string{
	"byte0", "byte1", "byte2", "byte3", "byte4", "byte5", "byte6", "byte7",
}

// compositeValue reads the first eight payload bytes as a big-endian
// integer, matching how multi-byte signals are usually packed.
func compositeValue(data []byte) uint64 {
	if len(data) >= 8 {
		return binary.BigEndian.Uint64(data[:8])
	}
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}
