package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/dispatch"
)

// Sink streams dispatched frames to one connected peer. A write
// failure is fatal for the sink: the connection is gone and the
// dispatcher should unregister it. The pairing collaborator registers
// a fresh sink for the next connection.
type Sink struct {
	logger *slog.Logger

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	closed bool
}

// NewSink wraps an established peer connection.
func NewSink(conn io.ReadWriteCloser, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sink{conn: conn, logger: logger}
}

func (s *Sink) Name() string { return "relay" }

// Accept writes the frame to the peer.
func (s *Sink) Accept(_ context.Context, frame canlink.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &dispatch.SinkError{Kind: dispatch.SinkFatal, Sink: s.Name(), Err: io.ErrClosedPipe}
	}
	if err := WriteFrame(s.conn, frame); err != nil {
		s.closed = true
		s.conn.Close()
		return &dispatch.SinkError{Kind: dispatch.SinkFatal, Sink: s.Name(), Err: err}
	}
	return nil
}

// Close shuts the connection. Subsequent Accepts fail fatally, which
// unregisters the sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
