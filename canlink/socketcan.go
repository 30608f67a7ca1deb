//go:build linux

package canlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canvault/canvault/lib/clock"
)

// canErrBusOff is the bus-off bit in an error frame's arbitration id
// class field (CAN_ERR_BUSOFF).
const canErrBusOff = 0x00000040

// readPollInterval bounds how long a blocked read goes without
// checking ctx. Not the read timeout — just the cancellation latency.
const readPollInterval = 500 * time.Millisecond

// SocketCANConfig holds the parameters for a kernel CAN interface.
type SocketCANConfig struct {
	// Channel is the interface name, e.g. "can0".
	Channel string

	// Bitrate is recorded in the session for audit. The interface
	// itself must already be configured (ip link set ... type can).
	Bitrate int

	// FD enables reception and transmission of CAN FD frames.
	FD bool

	// ReadTimeout is how long ReadNext waits for traffic before
	// returning a recoverable timeout LinkError. Zero means wait
	// forever.
	ReadTimeout time.Duration

	// Clock provides session and read timestamps.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// SocketCAN is a BusLink over a Linux CAN_RAW socket. It enables the
// kernel's receive overflow counter (SO_RXQ_OVFL) so the decoder can
// emit gap markers for frames the socket queue dropped, and subscribes
// to error frames so bus-off is observed as a terminal link error
// rather than silence.
type SocketCAN struct {
	cfg    SocketCANConfig
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	fd      int
	open    bool
	session *Session

	// dropped is the cumulative overflow count from ancillary data.
	dropped uint32

	frameSize int
}

// NewSocketCAN creates an unopened kernel CAN link.
func NewSocketCAN(cfg SocketCANConfig) *SocketCAN {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	frameSize := classicFrameSize
	if cfg.FD {
		frameSize = fdFrameSize
	}
	return &SocketCAN{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		fd:        -1,
		frameSize: frameSize,
	}
}

// Open binds a CAN_RAW socket to the configured interface and opens a
// new session record.
func (s *SocketCAN) Open(ctx context.Context, restartCount int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return s.session, nil
	}

	iface, err := net.InterfaceByName(s.cfg.Channel)
	if err != nil {
		return nil, &ConnectError{Kind: ConnectDeviceNotFound, Channel: s.cfg.Channel, Err: err}
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, s.connectError(err)
	}

	// Cumulative dropped-frame counter delivered as ancillary data
	// with every read.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RXQ_OVFL, 1); err != nil {
		unix.Close(fd)
		return nil, s.connectError(fmt.Errorf("enabling SO_RXQ_OVFL: %w", err))
	}

	// Receive error frames so bus-off is visible on the read path.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, int(canEFFMask)); err != nil {
		unix.Close(fd)
		return nil, s.connectError(fmt.Errorf("enabling error frames: %w", err))
	}

	if s.cfg.FD {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(fd)
			return nil, s.connectError(fmt.Errorf("enabling FD frames: %w", err))
		}
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, s.connectError(err)
	}

	s.fd = fd
	s.open = true
	s.dropped = 0
	s.session = NewSession(s.cfg.Channel, s.cfg.Bitrate, s.clock.Now(), restartCount)

	s.logger.Info("can link opened",
		"channel", s.cfg.Channel,
		"bitrate", s.cfg.Bitrate,
		"fd_frames", s.cfg.FD,
		"session", s.session.ID,
	)
	return s.session, nil
}

// connectError maps an errno onto the connect taxonomy.
func (s *SocketCAN) connectError(err error) *ConnectError {
	kind := ConnectDeviceNotFound
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		kind = ConnectPermissionDenied
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		kind = ConnectDeviceNotFound
	}
	return &ConnectError{Kind: kind, Channel: s.cfg.Channel, Err: err}
}

// ReadNext blocks until a frame arrives, the configured read timeout
// elapses, the link fails, or ctx is done.
func (s *SocketCAN) ReadNext(ctx context.Context) (Raw, error) {
	deadline := time.Time{}
	if s.cfg.ReadTimeout > 0 {
		deadline = s.clock.Now().Add(s.cfg.ReadTimeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return Raw{}, err
		}

		s.mu.Lock()
		fd := s.fd
		open := s.open
		s.mu.Unlock()
		if !open {
			return Raw{}, &LinkError{Kind: LinkDeviceRemoved, Channel: s.cfg.Channel, Err: errors.New("link closed")}
		}

		ready, err := s.poll(fd)
		if err != nil {
			return Raw{}, s.linkError(err)
		}
		if !ready {
			if !deadline.IsZero() && !s.clock.Now().Before(deadline) {
				return Raw{}, &LinkError{Kind: LinkTimeout, Channel: s.cfg.Channel}
			}
			continue
		}

		raw, err := s.readFrame(fd)
		if err != nil {
			return Raw{}, err
		}
		return raw, nil
	}
}

// poll waits up to readPollInterval for the socket to become
// readable.
func (s *SocketCAN) poll(fd int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(readPollInterval.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return false, unix.ENODEV
	}
	return true, nil
}

// readFrame reads one frame plus its ancillary overflow counter.
func (s *SocketCAN) readFrame(fd int) (Raw, error) {
	buf := make([]byte, s.frameSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, recvflags, _, err := unix.Recvmsg(fd, buf, oob, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			// Raced another reader; treat as not-ready.
			return Raw{}, &LinkError{Kind: LinkTimeout, Channel: s.cfg.Channel}
		}
		return Raw{}, s.linkError(err)
	}

	s.updateDropped(oob[:oobn])

	// Error frames report controller state. Bus-off ends the session.
	if n >= 4 {
		canID := binary.LittleEndian.Uint32(buf[0:4])
		if canID&canERRFlag != 0 && canID&canErrBusOff != 0 {
			return Raw{}, &LinkError{Kind: LinkBusOff, Channel: s.cfg.Channel}
		}
	}

	return Raw{
		Data:    buf[:n],
		Dropped: s.dropped,
		Tx:      recvflags&unix.MSG_CONFIRM != 0,
	}, nil
}

// updateDropped scans ancillary data for the SO_RXQ_OVFL counter.
func (s *SocketCAN) updateDropped(oob []byte) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, cmsg := range cmsgs {
		if cmsg.Header.Level == unix.SOL_SOCKET && cmsg.Header.Type == unix.SO_RXQ_OVFL && len(cmsg.Data) >= 4 {
			s.dropped = binary.LittleEndian.Uint32(cmsg.Data[0:4])
		}
	}
}

// linkError maps a read errno onto the link taxonomy.
func (s *SocketCAN) linkError(err error) *LinkError {
	kind := LinkDeviceRemoved
	switch {
	case errors.Is(err, unix.ENETDOWN):
		kind = LinkBusOff
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO), errors.Is(err, unix.EBADF):
		kind = LinkDeviceRemoved
	}
	return &LinkError{Kind: kind, Channel: s.cfg.Channel, Err: err}
}

// Send transmits a frame on the bus.
func (s *SocketCAN) Send(ctx context.Context, id uint32, data []byte, extended bool) error {
	maxLength := MaxPayload
	if s.cfg.FD {
		maxLength = MaxPayloadFD
	}
	if len(data) > maxLength {
		return fmt.Errorf("canlink: send %s: payload %d bytes exceeds %d", s.cfg.Channel, len(data), maxLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return &LinkError{Kind: LinkDeviceRemoved, Channel: s.cfg.Channel, Err: errors.New("link closed")}
	}

	buf := EncodeFrame(id, data, extended, s.cfg.FD)
	if _, err := unix.Write(s.fd, buf); err != nil {
		return s.linkError(err)
	}
	return nil
}

// Close disconnects and closes the session record. Idempotent.
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	s.session.CloseAt(s.clock.Now())

	err := unix.Close(s.fd)
	s.fd = -1
	s.logger.Info("can link closed", "channel", s.cfg.Channel, "session", s.session.ID)
	if err != nil {
		return fmt.Errorf("canlink: closing %s: %w", s.cfg.Channel, err)
	}
	return nil
}
