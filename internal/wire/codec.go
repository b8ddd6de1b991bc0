package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxFrameBytes bounds a single framed payload to guard the Ingest Gateway
// against a malformed or malicious length prefix forcing an unbounded
// allocation.
const maxFrameBytes = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by ReadFrame when the length prefix exceeds
// maxFrameBytes — treated as a connection-level protocol violation per
// spec §4.1 ("On decode error, connection-level protocol violation close
// connection").
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d bytes", maxFrameBytes)

// WriteFrame writes a length-prefixed payload: a big-endian uint32 byte
// count followed by the payload itself.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EncodeSignal serializes a Signal to its wire representation: the
// canonical fields in the order named by spec §6, each length-prefixed
// where variable-width (strings, signature).
func EncodeSignal(s *Signal) []byte {
	buf := make([]byte, 0, 128)
	buf = appendString(buf, s.SubscriptionID)
	buf = appendInt64(buf, s.SequenceNumber)
	buf = appendInt64(buf, s.GeneratedAtMs)
	buf = appendString(buf, s.Symbol)
	buf = append(buf, byte(s.Side))
	buf = appendFloat64(buf, s.Volume)
	buf = appendFloat64(buf, s.Price)
	buf = appendFloat64(buf, s.StopLoss)
	buf = appendFloat64(buf, s.TakeProfit)
	buf = appendBytes(buf, s.Signature)
	buf = appendString(buf, s.MasterID)
	buf = appendInt64(buf, s.ServerArrivalTimeMs)
	return buf
}

// DecodeSignal parses the wire representation produced by EncodeSignal.
func DecodeSignal(data []byte) (*Signal, error) {
	s := &Signal{}
	var err error
	var rest []byte

	if s.SubscriptionID, rest, err = readString(data); err != nil {
		return nil, err
	}
	if s.SequenceNumber, rest, err = readInt64(rest); err != nil {
		return nil, err
	}
	if s.GeneratedAtMs, rest, err = readInt64(rest); err != nil {
		return nil, err
	}
	if s.Symbol, rest, err = readString(rest); err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, fmt.Errorf("wire: truncated side")
	}
	s.Side = Side(rest[0])
	rest = rest[1:]
	if s.Volume, rest, err = readFloat64(rest); err != nil {
		return nil, err
	}
	if s.Price, rest, err = readFloat64(rest); err != nil {
		return nil, err
	}
	if s.StopLoss, rest, err = readFloat64(rest); err != nil {
		return nil, err
	}
	if s.TakeProfit, rest, err = readFloat64(rest); err != nil {
		return nil, err
	}
	if s.Signature, rest, err = readBytes(rest); err != nil {
		return nil, err
	}
	if s.MasterID, rest, err = readString(rest); err != nil {
		return nil, err
	}
	if s.ServerArrivalTimeMs, rest, err = readInt64(rest); err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after signal", len(rest))
	}
	return s, nil
}

func appendString(buf []byte, s string) []byte { return appendBytes(buf, []byte(s)) }

func appendBytes(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	return appendInt64(buf, int64(math.Float64bits(v)))
}

func readString(data []byte) (string, []byte, error) {
	b, rest, err := readBytes(data)
	return string(b), rest, err
}

func readBytes(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, fmt.Errorf("wire: truncated field, want %d bytes have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}

func readInt64(data []byte) (int64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("wire: truncated int64")
	}
	return int64(binary.BigEndian.Uint64(data[:8])), data[8:], nil
}

func readFloat64(data []byte) (float64, []byte, error) {
	bits, rest, err := readInt64(data)
	if err != nil {
		return 0, nil, err
	}
	return math.Float64frombits(uint64(bits)), rest, nil
}
