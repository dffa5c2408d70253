package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultPacketLength is the single-read buffer size used by legacy framing.
const DefaultPacketLength = 4096

// ErrConnectionClosed reports that the peer shut the stream down between
// frames. It is not a decode error.
var ErrConnectionClosed = errors.New("connection closed by peer")

// Framing selects how envelopes are delimited on a byte stream.
type Framing string

const (
	// FramingFramed length-prefixes every envelope (see Frame).
	FramingFramed Framing = "framed"

	// FramingLegacy treats each read of up to the packet length as one raw
	// JSON document. Envelopes larger than the packet length are truncated
	// by the read and fail to decode.
	FramingLegacy Framing = "legacy"
)

// ParseFraming validates a framing name from configuration.
func ParseFraming(s string) (Framing, error) {
	switch f := Framing(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FramingFramed:
		return FramingFramed, nil
	case FramingLegacy:
		return FramingLegacy, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// Stream moves envelope payloads over a byte stream. ReadPayload must not be
// called concurrently; WritePayload callers provide their own serialization.
type Stream interface {
	ReadPayload() ([]byte, error)
	WritePayload(payload []byte) error
}

// NewStream wraps rw with the given framing. limit bounds a single frame (or
// read, for legacy framing); zero selects the framing's default.
func NewStream(rw io.ReadWriter, framing Framing, limit int) Stream {
	if framing == FramingLegacy {
		if limit <= 0 {
			limit = DefaultPacketLength
		}
		return &LegacyStream{rw: rw, buf: make([]byte, limit)}
	}
	if limit <= 0 {
		limit = MaxFrameSize
	}
	return &FramedStream{rw: rw, limit: uint32(limit)}
}

// FramedStream carries one envelope per length-prefixed Frame.
type FramedStream struct {
	rw    io.ReadWriter
	limit uint32
}

func (s *FramedStream) ReadPayload() ([]byte, error) {
	frame, err := decodeFrame(s.rw, s.limit)
	if err != nil {
		if err == io.EOF {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return frame.Payload, nil
}

func (s *FramedStream) WritePayload(payload []byte) error {
	return encodeFrame(s.rw, &Frame{Version: ProtocolVersion, Payload: payload}, s.limit)
}

// LegacyStream reads whatever a single read returns, up to its buffer size,
// and writes payloads unframed. The buffer size limits reads only; a payload
// the peer cannot take in one read is still written whole.
type LegacyStream struct {
	rw  io.ReadWriter
	buf []byte
}

func (s *LegacyStream) ReadPayload() ([]byte, error) {
	n, err := s.rw.Read(s.buf)
	if n == 0 {
		if err == nil || err == io.EOF {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	// A partial read followed by an error is still delivered; the error
	// will resurface on the next call.
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

func (s *LegacyStream) WritePayload(payload []byte) error {
	_, err := s.rw.Write(payload)
	return err
}
