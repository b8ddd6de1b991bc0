package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeDecodeSignalRoundTrip(t *testing.T) {
	s := testSignal()
	s.SubscriptionID = "sub-1"
	s.ServerArrivalTimeMs = 1_700_000_000_500
	Sign(s, s.SubscriptionID, []byte("secret"))

	encoded := EncodeSignal(s)
	decoded, err := DecodeSignal(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.SubscriptionID != s.SubscriptionID || decoded.SequenceNumber != s.SequenceNumber ||
		decoded.Symbol != s.Symbol || decoded.Side != s.Side || decoded.Volume != s.Volume ||
		decoded.Price != s.Price || decoded.MasterID != s.MasterID {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, s)
	}
	if !bytes.Equal(decoded.Signature, s.Signature) {
		t.Fatalf("signature mismatch after round trip")
	}
	if !Verify(decoded, decoded.SubscriptionID, []byte("secret")) {
		t.Fatalf("decoded signal should still verify")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	s := testSignal()
	payload := EncodeSignal(s)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame payload mismatch")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	huge := make([]byte, 4)
	huge[0] = 0x7f // forces a length far beyond maxFrameBytes
	buf.Write(huge)

	_, err := ReadFrame(bufio.NewReader(&buf))
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
