package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/canvault/canvault/dispatch"
)

// ServerConfig holds the parameters for a relay listener.
type ServerConfig struct {
	// Listener accepts collaborator connections. The external relay
	// process owns the radio link and pairing; it connects here to
	// receive the frame stream.
	Listener net.Listener

	// Dispatcher is where each connection's sink is registered.
	Dispatcher *dispatch.Dispatcher

	// QueueDepth is the per-connection frame queue depth. Overflow
	// drops the oldest queued frame; a slow radio never stalls
	// capture.
	QueueDepth int

	// Logger receives connection lifecycle messages.
	Logger *slog.Logger
}

// Server accepts collaborator connections and streams captured frames
// to each over the length-prefixed CBOR codec. Every connection gets
// its own sink registration; a dead connection is unregistered by the
// dispatcher's fatal-sink handling without disturbing the others.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a relay server. The caller retains ownership of
// the listener's address; Close releases the listener itself.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Listener == nil {
		return nil, errors.New("relay: Listener is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("relay: Dispatcher is required")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Run accepts connections until ctx is cancelled or the listener
// fails. Returns nil on cancellation.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.cfg.Listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.cfg.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		sink := NewSink(conn, s.logger)
		id, err := s.cfg.Dispatcher.Register(sink, dispatch.Capability{
			QueueDepth: s.cfg.QueueDepth,
			Policy:     dispatch.PolicyDropOldest,
		})
		if err != nil {
			conn.Close()
			s.forget(conn)
			s.logger.Warn("relay connection rejected", "error", err)
			continue
		}
		s.logger.Info("relay connected", "remote", conn.RemoteAddr(), "registration", id)

		// The collaborator never sends application data; a read
		// returning marks the connection dead. Unregister then, in
		// case the write path never observed the failure.
		go func(conn net.Conn, id dispatch.RegistrationID) {
			buf := make([]byte, 1)
			for {
				if _, err := conn.Read(buf); err != nil {
					break
				}
			}
			s.cfg.Dispatcher.Unregister(id)
			sink.Close()
			s.forget(conn)
			s.logger.Info("relay disconnected", "remote", conn.RemoteAddr())
		}(conn, id)
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
