package canlink

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/canvault/canvault/lib/clock"
)

// SocketCAN binary layout constants, shared by the kernel adapter and
// the virtual bus.
const (
	// frameHeaderSize is the fixed header: 4 bytes arbitration id,
	// 1 byte length, 3 bytes padding/flags.
	frameHeaderSize = 8

	// classicFrameSize is a classic can_frame.
	classicFrameSize = 16

	// fdFrameSize is a canfd_frame.
	fdFrameSize = 72

	canEFFFlag uint32 = 0x80000000
	canRTRFlag uint32 = 0x40000000
	canERRFlag uint32 = 0x20000000
	canEFFMask uint32 = 0x1FFFFFFF
	canSFFMask uint32 = 0x000007FF
)

// Decoder converts raw adapter bytes into Frame values for one
// channel. It owns the channel's sequence counter and the gap
// detection state; no other goroutine assigns sequence numbers for
// the channel.
//
// Decoding itself is pure: the same raw bytes always produce the same
// id, payload, and flags. Only the sequence number, timestamps, and
// gap state are stateful.
//
// Decoder is not safe for concurrent use. The supervisor's read loop
// is its only caller.
type Decoder struct {
	channel string
	clock   clock.Clock
	logger  *slog.Logger

	// monoEpoch anchors the monotonic timestamps.
	monoEpoch int64

	seq         uint64
	lastDropped uint32
	decodeErrs  uint64
}

// NewDecoder creates a decoder for the given channel. The sequence
// counter starts at 1.
func NewDecoder(channel string, clk clock.Clock, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Decoder{
		channel:   channel,
		clock:     clk,
		logger:    logger,
		monoEpoch: clk.Now().UnixNano(),
	}
}

// Decode converts one raw adapter read into zero or more frames.
//
// When the adapter's cumulative drop counter advanced since the last
// read, the returned slice starts with a synthetic gap marker
// recording the number of lost frames. The gap marker is emitted even
// when the raw frame itself fails to decode, so adapter loss is never
// silently swallowed by a parse error.
//
// A non-nil error is always a *DecodeError; the caller logs it and
// continues with the next read. Decode errors never end the stream.
func (d *Decoder) Decode(raw Raw) ([]Frame, error) {
	var frames []Frame

	// The adapter counter is cumulative per socket. A value below the
	// last observation means the link was reopened and the counter
	// restarted, in which case the new value is itself the delta.
	var delta uint32
	if raw.Dropped >= d.lastDropped {
		delta = raw.Dropped - d.lastDropped
	} else {
		delta = raw.Dropped
	}
	d.lastDropped = raw.Dropped
	if delta > 0 {
		frames = append(frames, d.gapMarker(delta))
	}

	frame, err := d.decodeOne(raw)
	if err != nil {
		d.decodeErrs++
		return frames, err
	}
	frames = append(frames, frame)
	return frames, nil
}

// DecodeErrorCount returns how many raw frames failed to decode since
// the decoder was created.
func (d *Decoder) DecodeErrorCount() uint64 { return d.decodeErrs }

// gapMarker builds a synthetic frame recording dropped bus frames.
// Gap markers consume a sequence number so that (channel, seq) stays
// dense in the audit store.
func (d *Decoder) gapMarker(dropped uint32) Frame {
	d.seq++
	now := d.clock.Now()
	return Frame{
		Time:      now,
		Mono:      now.UnixNano() - d.monoEpoch,
		Channel:   d.channel,
		Seq:       d.seq,
		Flags:     FlagGap,
		DropCount: dropped,
	}
}

func (d *Decoder) decodeOne(raw Raw) (Frame, error) {
	data := raw.Data

	if len(data) < frameHeaderSize {
		return Frame{}, &DecodeError{
			Kind:    DecodeMalformedHeader,
			Channel: d.channel,
			Detail:  fmt.Sprintf("%d bytes, need at least %d", len(data), frameHeaderSize),
		}
	}

	canID := binary.LittleEndian.Uint32(data[0:4])
	length := int(data[4])

	// Buffers longer than a classic frame carry CAN FD frames.
	fd := len(data) > classicFrameSize
	maxLength := MaxPayload
	if fd {
		maxLength = MaxPayloadFD
	}

	if length > maxLength {
		return Frame{}, &DecodeError{
			Kind:    DecodeInvalidDLC,
			Channel: d.channel,
			Detail:  fmt.Sprintf("declared length %d exceeds %d", length, maxLength),
		}
	}
	if frameHeaderSize+length > len(data) {
		return Frame{}, &DecodeError{
			Kind:    DecodeTruncated,
			Channel: d.channel,
			Detail:  fmt.Sprintf("declared length %d, only %d payload bytes present", length, len(data)-frameHeaderSize),
		}
	}

	var flags FrameFlags
	id := canID & canSFFMask
	if canID&canEFFFlag != 0 {
		flags |= FlagExtended
		id = canID & canEFFMask
	}
	if canID&canERRFlag != 0 {
		flags |= FlagError
		id = canID & canEFFMask
	}
	if fd {
		flags |= FlagFD
	}

	dir := DirRx
	if raw.Tx {
		dir = DirTx
	}

	// Remote transmission requests carry no payload regardless of
	// the declared length.
	payload := make([]byte, 0, length)
	if canID&canRTRFlag == 0 {
		payload = append(payload, data[frameHeaderSize:frameHeaderSize+length]...)
	}

	d.seq++
	now := d.clock.Now()
	return Frame{
		Time:    now,
		Mono:    now.UnixNano() - d.monoEpoch,
		Channel: d.channel,
		Seq:     d.seq,
		ID:      id,
		Data:    payload,
		Dir:     dir,
		Flags:   flags,
	}, nil
}

// EncodeFrame renders an arbitration id and payload into the
// SocketCAN binary layout. The inverse of decoding, used by the
// virtual bus and the transmit path.
func EncodeFrame(id uint32, data []byte, extended, fd bool) []byte {
	size := classicFrameSize
	if fd {
		size = fdFrameSize
	}
	buf := make([]byte, size)

	canID := id
	if extended {
		canID = (id & canEFFMask) | canEFFFlag
	} else {
		canID = id & canSFFMask
	}
	binary.LittleEndian.PutUint32(buf[0:4], canID)
	buf[4] = byte(len(data))
	copy(buf[frameHeaderSize:], data)
	return buf
}
