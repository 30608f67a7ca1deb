package codec

import (
	"bytes"
	"testing"
)

// sampleRecord is a representative wire record using cbor struct tags
// with short keys, the convention for relay messages.
type sampleRecord struct {
	Channel string `cbor:"ch"`
	Seq     uint64 `cbor:"seq"`
	Note    string `cbor:"note,omitempty"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleRecord{Channel: "can0", Seq: 42, Note: "gap"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	record := sampleRecord{Channel: "can1", Seq: 7}

	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(record)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestEncoderDecoderStreamRoundtrip(t *testing.T) {
	records := []sampleRecord{
		{Channel: "can0", Seq: 1},
		{Channel: "can0", Seq: 2, Note: "gap"},
		{Channel: "can1", Seq: 3},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range records {
		var got sampleRecord
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode record %d: %v", i, err)
		}
		if got != want {
			t.Errorf("record %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestOmitemptyRespected(t *testing.T) {
	withNote := sampleRecord{Channel: "can0", Seq: 1, Note: "x"}
	withoutNote := sampleRecord{Channel: "can0", Seq: 1}

	dataWith, err := Marshal(withNote)
	if err != nil {
		t.Fatal(err)
	}
	dataWithout, err := Marshal(withoutNote)
	if err != nil {
		t.Fatal(err)
	}
	if len(dataWithout) >= len(dataWith) {
		t.Errorf("omitempty not effective: without=%d bytes, with=%d bytes",
			len(dataWithout), len(dataWith))
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var record sampleRecord
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &record); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestByteStringRoundtrip(t *testing.T) {
	// []byte fields must encode as CBOR byte strings (major type 2),
	// not text strings. Frame payloads are arbitrary binary.
	type envelope struct {
		Payload []byte `cbor:"d"`
	}

	original := envelope{Payload: []byte{0x00, 0x10, 0xFF, 0x7F}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("byte string roundtrip: got %x, want %x", decoded.Payload, original.Payload)
	}
}

func BenchmarkMarshal(b *testing.B) {
	record := sampleRecord{Channel: "can0", Seq: 42, Note: "gap"}
	b.ReportAllocs()
	for b.Loop() {
		Marshal(record)
	}
}
