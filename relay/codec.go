// Package relay streams captured frames to a paired peer (the
// Bluetooth companion app) as length-prefixed CBOR records over any
// io.ReadWriteCloser. The pairing handshake and transport security
// belong to the collaborator that hands over the connection; this
// package only speaks the frame protocol.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/lib/codec"
)

// maxRecordSize bounds a single record on the wire. A CAN FD frame
// with metadata encodes to well under this.
const maxRecordSize = 4096

// wireFrame is the on-wire frame record. Field names are short keys
// to keep records small over constrained links.
type wireFrame struct {
	Time      int64  `cbor:"t"` // unix nanoseconds
	Channel   string `cbor:"ch"`
	Seq       uint64 `cbor:"seq"`
	ID        uint32 `cbor:"id"`
	Data      []byte `cbor:"d,omitempty"`
	Dir       uint8  `cbor:"dir,omitempty"`
	Flags     uint32 `cbor:"f,omitempty"`
	DropCount uint32 `cbor:"dc,omitempty"`
}

// WriteFrame encodes one frame as a record: a 4-byte big-endian
// length prefix followed by the CBOR body.
func WriteFrame(w io.Writer, frame canlink.Frame) error {
	body, err := codec.Marshal(wireFrame{
		Time:      frame.Time.UnixNano(),
		Channel:   frame.Channel,
		Seq:       frame.Seq,
		ID:        frame.ID,
		Data:      frame.Data,
		Dir:       uint8(frame.Dir),
		Flags:     uint32(frame.Flags),
		DropCount: frame.DropCount,
	})
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("relay: write frame: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("relay: write frame: %w", err)
	}
	return nil
}

// ReadFrame decodes one length-prefixed record from r.
func ReadFrame(r io.Reader) (canlink.Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return canlink.Frame{}, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxRecordSize {
		return canlink.Frame{}, fmt.Errorf("relay: record size %d exceeds %d", size, maxRecordSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return canlink.Frame{}, fmt.Errorf("relay: read frame body: %w", err)
	}

	var wire wireFrame
	if err := codec.Unmarshal(body, &wire); err != nil {
		return canlink.Frame{}, fmt.Errorf("relay: decode frame: %w", err)
	}
	return canlink.Frame{
		Time:      time.Unix(0, wire.Time).UTC(),
		Channel:   wire.Channel,
		Seq:       wire.Seq,
		ID:        wire.ID,
		Data:      wire.Data,
		Dir:       canlink.Direction(wire.Dir),
		Flags:     canlink.FrameFlags(wire.Flags),
		DropCount: wire.DropCount,
	}, nil
}
