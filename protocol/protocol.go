// Package protocol implements the frame format spoken by the device-side UI test agent.
//
// Every message is a JSON (or, on capture connections, raw binary) payload wrapped
// in literal header and trailer markers. The receiver reads the fixed-size prefix
// first to learn the payload length, then reads exactly that many bytes, then the
// trailer.
//
// Frame format:
//
//	0                    28        32        36                36+len        64+len
//	┌────────────────────┬─────────┬─────────┬─────────────────┬────────────────────┐
//	│ header marker      │ session │ length  │ payload ...     │ trailer marker     │
//	│ _uitestkit_..head_ │ uint32  │ uint32  │ length bytes    │ _uitestkit_..tail_ │
//	└────────────────────┴─────────┴─────────┴─────────────────┴────────────────────┘
//
// Both integers are big-endian. The session id is carried for diagnostics only.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderMarker  = "_uitestkit_rpc_message_head_"
	TrailerMarker = "_uitestkit_rpc_message_tail_"

	HeaderLen    = len(HeaderMarker)
	TrailerLen   = len(TrailerMarker)
	SessionIDLen = 4
	LengthLen    = 4

	// PrefixLen is the number of bytes read before the payload length is known.
	PrefixLen = HeaderLen + SessionIDLen + LengthLen

	// DefaultMaxPayload bounds a single frame body. Screen layouts of large
	// applications run to a few MiB, so this is generous.
	DefaultMaxPayload = 64 << 20
)

var (
	// ErrInvalidFrame reports a header, trailer or length that does not match the
	// protocol. The stream is desynchronized afterwards and must not be reused.
	ErrInvalidFrame = errors.New("protocol: invalid frame")

	headerMarker  = []byte(HeaderMarker)
	trailerMarker = []byte(TrailerMarker)
)

// Prefix is the decoded fixed-size part of a frame.
type Prefix struct {
	SessionID uint32
	Length    uint32
}

// Frame is one complete message read from the wire.
type Frame struct {
	SessionID uint32
	Payload   []byte
}

// Text returns the payload as UTF-8 text.
func (f Frame) Text() string {
	return string(f.Payload)
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxPayload uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayload: DefaultMaxPayload}
}

// Encode builds a complete frame around payload.
func Encode(sessionID uint32, payload []byte) []byte {
	buf := make([]byte, 0, PrefixLen+len(payload)+TrailerLen)
	buf = append(buf, headerMarker...)
	buf = binary.BigEndian.AppendUint32(buf, sessionID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, trailerMarker...)
	return buf
}

// ParsePrefix validates the header marker and extracts the session id and payload
// length. The session id is not checked against anything.
func ParsePrefix(b []byte) (Prefix, error) {
	if len(b) != PrefixLen {
		return Prefix{}, fmt.Errorf("%w: prefix is %d bytes, want %d", ErrInvalidFrame, len(b), PrefixLen)
	}
	if !bytes.Equal(b[:HeaderLen], headerMarker) {
		return Prefix{}, fmt.Errorf("%w: bad header marker %q", ErrInvalidFrame, b[:HeaderLen])
	}
	return Prefix{
		SessionID: binary.BigEndian.Uint32(b[HeaderLen : HeaderLen+SessionIDLen]),
		Length:    binary.BigEndian.Uint32(b[HeaderLen+SessionIDLen:]),
	}, nil
}

// CheckTrailer reports whether b is exactly the trailer marker.
func CheckTrailer(b []byte) error {
	if !bytes.Equal(b, trailerMarker) {
		return fmt.Errorf("%w: bad trailer marker %q", ErrInvalidFrame, b)
	}
	return nil
}

// ReadFrame reads one frame from r: prefix, body, trailer. Every step uses
// ReadExact, so partial deliveries are tolerated and a peer close mid-frame is
// reported as ErrConnectionClosed.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	prefixBuf, err := ReadExact(r, PrefixLen)
	if err != nil {
		return Frame{}, err
	}
	prefix, err := ParsePrefix(prefixBuf)
	if err != nil {
		return Frame{}, err
	}
	if limits.MaxPayload > 0 && prefix.Length > limits.MaxPayload {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds limit %d", ErrInvalidFrame, prefix.Length, limits.MaxPayload)
	}

	body, err := ReadExact(r, int(prefix.Length))
	if err != nil {
		return Frame{}, err
	}

	trailer, err := ReadExact(r, TrailerLen)
	if err != nil {
		return Frame{}, err
	}
	if err := CheckTrailer(trailer); err != nil {
		return Frame{}, err
	}
	return Frame{SessionID: prefix.SessionID, Payload: body}, nil
}

// WriteFrame writes one complete frame in a single Write call.
// The caller must serialize writers sharing w.
func WriteFrame(w io.Writer, sessionID uint32, payload []byte) error {
	_, err := w.Write(Encode(sessionID, payload))
	return err
}
