//go:build !linux

package canlink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/canvault/canvault/lib/clock"
)

// SocketCANConfig holds the parameters for a kernel CAN interface.
// SocketCAN is only available on Linux; this stub keeps the rest of
// the pipeline buildable elsewhere (the virtual bus works everywhere).
type SocketCANConfig struct {
	Channel     string
	Bitrate     int
	FD          bool
	ReadTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// SocketCAN is unavailable off Linux; every operation fails.
type SocketCAN struct {
	cfg SocketCANConfig
}

var errUnsupported = errors.New("canlink: socketcan requires linux")

// NewSocketCAN creates a stub link whose Open always fails.
func NewSocketCAN(cfg SocketCANConfig) *SocketCAN {
	return &SocketCAN{cfg: cfg}
}

func (s *SocketCAN) Open(ctx context.Context, restartCount int) (*Session, error) {
	return nil, &ConnectError{Kind: ConnectDeviceNotFound, Channel: s.cfg.Channel, Err: errUnsupported}
}

func (s *SocketCAN) ReadNext(ctx context.Context) (Raw, error) {
	return Raw{}, &LinkError{Kind: LinkDeviceRemoved, Channel: s.cfg.Channel, Err: errUnsupported}
}

func (s *SocketCAN) Send(ctx context.Context, id uint32, data []byte, extended bool) error {
	return errUnsupported
}

func (s *SocketCAN) Close() error { return nil }
