package canlink

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/canvault/canvault/lib/clock"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	return NewDecoder("can0", clock.Fake(testEpoch), nil)
}

func decodeSingle(t *testing.T, d *Decoder, raw Raw) Frame {
	t.Helper()
	frames, err := d.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("Decode returned %d frames, want 1", len(frames))
	}
	return frames[0]
}

func TestDecodeClassicFrame(t *testing.T) {
	d := newTestDecoder(t)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	frame := decodeSingle(t, d, Raw{Data: EncodeFrame(0x123, payload, false, false)})

	if frame.ID != 0x123 {
		t.Errorf("ID = %#x, want 0x123", frame.ID)
	}
	if !bytes.Equal(frame.Data, payload) {
		t.Errorf("Data = % X, want % X", frame.Data, payload)
	}
	if frame.Seq != 1 {
		t.Errorf("Seq = %d, want 1", frame.Seq)
	}
	if frame.Channel != "can0" {
		t.Errorf("Channel = %q, want can0", frame.Channel)
	}
	if frame.Dir != DirRx {
		t.Errorf("Dir = %v, want rx", frame.Dir)
	}
	if frame.Flags != 0 {
		t.Errorf("Flags = %v, want none", frame.Flags)
	}
}

func TestDecodeExtendedID(t *testing.T) {
	d := newTestDecoder(t)
	frame := decodeSingle(t, d, Raw{Data: EncodeFrame(0x1ABCDEF0, []byte{0x01}, true, false)})

	if frame.Flags&FlagExtended == 0 {
		t.Error("FlagExtended not set")
	}
	if frame.ID != 0x1ABCDEF0&0x1FFFFFFF {
		t.Errorf("ID = %#x, want %#x", frame.ID, 0x1ABCDEF0&0x1FFFFFFF)
	}
}

func TestDecodeFDFrame(t *testing.T) {
	d := newTestDecoder(t)
	payload := make([]byte, 48)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := decodeSingle(t, d, Raw{Data: EncodeFrame(0x7F, payload, false, true)})

	if frame.Flags&FlagFD == 0 {
		t.Error("FlagFD not set")
	}
	if !bytes.Equal(frame.Data, payload) {
		t.Errorf("Data mismatch, got %d bytes", len(frame.Data))
	}
}

func TestDecodeTxLoopback(t *testing.T) {
	d := newTestDecoder(t)
	frame := decodeSingle(t, d, Raw{Data: EncodeFrame(0x100, []byte{0x01}, false, false), Tx: true})
	if frame.Dir != DirTx {
		t.Errorf("Dir = %v, want tx", frame.Dir)
	}
}

func TestDecodeDeterministic(t *testing.T) {
	raw := Raw{Data: EncodeFrame(0x234, []byte{0x11, 0x22, 0x33}, false, false)}

	a := decodeSingle(t, newTestDecoder(t), raw)
	b := decodeSingle(t, newTestDecoder(t), raw)

	if a.ID != b.ID || !bytes.Equal(a.Data, b.Data) || a.Flags != b.Flags || a.Seq != b.Seq {
		t.Errorf("same input decoded differently: %v vs %v", a, b)
	}
}

func TestDecodeSequenceStrictlyIncreasing(t *testing.T) {
	d := newTestDecoder(t)
	raw := Raw{Data: EncodeFrame(0x100, []byte{0x01}, false, false)}

	var last uint64
	for i := 0; i < 100; i++ {
		frame := decodeSingle(t, d, raw)
		if frame.Seq != last+1 {
			t.Fatalf("Seq = %d after %d, want contiguous", frame.Seq, last)
		}
		last = frame.Seq
	}
}

func TestDecodeGapMarker(t *testing.T) {
	d := newTestDecoder(t)
	data := EncodeFrame(0x100, []byte{0x01}, false, false)

	// First frame, no drops.
	decodeSingle(t, d, Raw{Data: data, Dropped: 0})

	// Second frame with the adapter reporting 7 cumulative drops.
	frames, err := d.Decode(Raw{Data: data, Dropped: 7})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("Decode returned %d frames, want gap marker + frame", len(frames))
	}

	gap := frames[0]
	if !gap.IsGap() {
		t.Fatal("first frame is not a gap marker")
	}
	if gap.DropCount != 7 {
		t.Errorf("gap DropCount = %d, want 7", gap.DropCount)
	}
	if len(gap.Data) != 0 {
		t.Errorf("gap payload = % X, want empty", gap.Data)
	}
	if gap.Seq != 2 {
		t.Errorf("gap Seq = %d, want 2", gap.Seq)
	}
	if frames[1].Seq != 3 {
		t.Errorf("frame Seq = %d, want 3", frames[1].Seq)
	}

	// No further drops: exactly one gap marker per loss event.
	frames, err = d.Decode(Raw{Data: data, Dropped: 7})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("Decode returned %d frames, want 1 (no new gap)", len(frames))
	}
}

func TestDecodeGapAfterCounterReset(t *testing.T) {
	d := newTestDecoder(t)
	data := EncodeFrame(0x100, []byte{0x01}, false, false)

	decodeSingle(t, d, Raw{Data: data, Dropped: 9})

	// The counter restarting below the last observation means a
	// reopened link; the new value is the delta.
	frames, err := d.Decode(Raw{Data: data, Dropped: 3})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 2 || !frames[0].IsGap() || frames[0].DropCount != 3 {
		t.Errorf("counter reset not handled: %v", frames)
	}
}

func TestDecodeGapEmittedDespiteDecodeError(t *testing.T) {
	d := newTestDecoder(t)
	decodeSingle(t, d, Raw{Data: EncodeFrame(0x100, []byte{0x01}, false, false)})

	frames, err := d.Decode(Raw{Data: []byte{0x01, 0x02}, Dropped: 4})
	if err == nil {
		t.Fatal("Decode accepted a malformed frame")
	}
	if len(frames) != 1 || !frames[0].IsGap() || frames[0].DropCount != 4 {
		t.Errorf("gap marker lost on decode error: %v", frames)
	}
}

func TestDecodeErrors(t *testing.T) {
	truncated := EncodeFrame(0x100, []byte{1, 2, 3, 4, 5, 6, 7, 8}, false, false)[:12]

	badDLC := EncodeFrame(0x100, nil, false, false)
	badDLC[4] = 9 // declared length beyond classic CAN

	badDLCFD := EncodeFrame(0x100, nil, false, true)
	badDLCFD[4] = 65

	tests := []struct {
		name string
		data []byte
		kind DecodeKind
	}{
		{"empty", nil, DecodeMalformedHeader},
		{"short_header", []byte{0x01, 0x02, 0x03}, DecodeMalformedHeader},
		{"truncated_payload", truncated, DecodeTruncated},
		{"dlc_beyond_classic", badDLC, DecodeInvalidDLC},
		{"dlc_beyond_fd", badDLCFD, DecodeInvalidDLC},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d := newTestDecoder(t)
			_, err := d.Decode(Raw{Data: test.data})
			if err == nil {
				t.Fatal("Decode accepted malformed input")
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("error type %T, want *DecodeError", err)
			}
			if decodeErr.Kind != test.kind {
				t.Errorf("Kind = %v, want %v", decodeErr.Kind, test.kind)
			}
			if d.DecodeErrorCount() != 1 {
				t.Errorf("DecodeErrorCount = %d, want 1", d.DecodeErrorCount())
			}
		})
	}
}

func TestDecodeMonotonicTimestamps(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	d := NewDecoder("can0", fakeClock, nil)
	data := EncodeFrame(0x100, []byte{0x01}, false, false)

	first := decodeSingle(t, d, Raw{Data: data})
	fakeClock.Advance(25 * time.Millisecond)
	second := decodeSingle(t, d, Raw{Data: data})

	if second.Mono-first.Mono != (25 * time.Millisecond).Nanoseconds() {
		t.Errorf("Mono delta = %d, want 25ms", second.Mono-first.Mono)
	}
	if !second.Time.After(first.Time) {
		t.Error("wall clock did not advance")
	}
}
