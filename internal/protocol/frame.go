// Package protocol implements the BNDP wire protocol: length-prefixed
// frames over TCP carrying little-endian request, response and stream
// messages.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frame layout: 4-byte magic, u32 payload length, u16 message type, then
// the payload.
const (
	Magic      = "BNDP"
	HeaderSize = 10
	MaxPayload = 16 << 20
	Version    = 1
)

var (
	// ErrBadMagic means the peer is not speaking BNDP.
	ErrBadMagic = errors.New("protocol: bad magic")
	// ErrFrameTooLarge guards against absurd length prefixes.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrTruncated means a message body ended before its fields did.
	ErrTruncated = errors.New("protocol: truncated message")
)

// Frame is one decoded wire frame.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// ReadFrame reads a complete frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if string(hdr[0:4]) != Magic {
		return Frame{}, ErrBadMagic
	}
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	f := Frame{
		Type:    MsgType(binary.LittleEndian.Uint16(hdr[8:10])),
		Payload: make([]byte, length),
	}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Writer serializes frames onto one connection. Writes are mutex-guarded
// so stream data and control responses can interleave safely.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame emits one frame.
func (w *Writer) WriteFrame(t MsgType, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	hdr := make([]byte, HeaderSize, HeaderSize+len(payload))
	copy(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(t))

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(append(hdr, payload...))
	return err
}
