package canlink

import (
	"fmt"
	"time"
)

// Direction records whether a frame was received from the bus or
// transmitted by this node and looped back.
type Direction uint8

const (
	// DirRx is a frame received from the bus.
	DirRx Direction = iota
	// DirTx is a frame transmitted by this node.
	DirTx
)

// String returns "rx" or "tx".
func (d Direction) String() string {
	if d == DirTx {
		return "tx"
	}
	return "rx"
}

// FrameFlags is a bitmask of frame attributes.
type FrameFlags uint8

const (
	// FlagExtended marks a 29-bit extended arbitration id.
	FlagExtended FrameFlags = 1 << iota
	// FlagFD marks a CAN FD frame (payload up to 64 bytes).
	FlagFD
	// FlagError marks a bus error report frame.
	FlagError
	// FlagGap marks a synthetic gap marker: the adapter dropped
	// DropCount frames before this point. Gap markers have an empty
	// payload and a zero arbitration id.
	FlagGap
)

// MaxPayload is the classic CAN payload limit in bytes.
const MaxPayload = 8

// MaxPayloadFD is the CAN FD payload limit in bytes.
const MaxPayloadFD = 64

// Frame is one decoded CAN frame. Immutable once constructed: the
// dispatcher and every sink receive the same value and must not
// mutate Data.
//
// Identity is (Channel, Time, Seq). Seq is assigned by the decoder,
// monotonically increasing per channel; a hole in the sequence only
// ever appears together with an explicit gap marker.
type Frame struct {
	// Time is the wall-clock capture time. Values produced by the
	// decoder also carry Go's monotonic reading for interval math.
	Time time.Time

	// Mono is the monotonic capture timestamp in nanoseconds since
	// an arbitrary per-process epoch. Survives serialization, which
	// the monotonic part of Time does not.
	Mono int64

	// Channel is the bus interface name, e.g. "can0".
	Channel string

	// Seq is the per-channel sequence number.
	Seq uint64

	// ID is the arbitration id: 11 bits, or 29 bits when
	// FlagExtended is set.
	ID uint32

	// Data is the payload, 0-8 bytes (0-64 with FlagFD). Empty for
	// gap markers.
	Data []byte

	// Dir is the frame direction.
	Dir Direction

	// Flags carries frame attributes.
	Flags FrameFlags

	// DropCount is the number of frames the adapter reported lost
	// before this gap marker. Zero for ordinary frames.
	DropCount uint32
}

// IsGap reports whether the frame is a synthetic gap marker.
func (f Frame) IsGap() bool { return f.Flags&FlagGap != 0 }

// IDString formats the arbitration id the conventional way: three hex
// digits for standard ids, eight for extended.
func (f Frame) IDString() string {
	if f.Flags&FlagExtended != 0 {
		return fmt.Sprintf("%08X", f.ID)
	}
	return fmt.Sprintf("%03X", f.ID)
}

// String renders the frame in candump-like form, for logs and the CLI.
func (f Frame) String() string {
	if f.IsGap() {
		return fmt.Sprintf("%s #%d gap dropped=%d", f.Channel, f.Seq, f.DropCount)
	}
	return fmt.Sprintf("%s #%d %s [%d] % X (%s)", f.Channel, f.Seq, f.IDString(), len(f.Data), f.Data, f.Dir)
}
