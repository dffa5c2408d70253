package protocol

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the default upper bound on a frame (64 KB)
	MaxFrameSize = 64 * 1024

	// ProtocolVersion is the current frame version
	// v1: JSON envelopes with optional LZ4 compression (FlagCompressed)
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512

	// frameHeaderSize covers the version and flags bytes counted in the length prefix
	frameHeaderSize = 2
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: compression
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size")
	ErrInvalidVersion       = errors.New("invalid protocol version")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame represents a protocol frame
// Format: [Length (4 bytes)][Version (1 byte)][Flags (1 byte)][Payload (N bytes)]
// The payload is a single JSON envelope.
type Frame struct {
	Version uint8  // Protocol version (currently 1)
	Flags   uint8  // Flags byte (compression)
	Payload []byte // JSON envelope
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	maxCompressedSize := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, 4+maxCompressedSize)
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Incompressible
		return data, false
	}

	compressedTotal := 4 + n
	if compressedTotal >= len(data) {
		return data, false
	}

	return compressed[:compressedTotal], true
}

// DecompressPayload decompresses LZ4-compressed data, refusing to inflate
// beyond limit bytes.
// Expects format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
func DecompressPayload(data []byte, limit uint32) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if uncompressedSize > limit {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if n != int(uncompressedSize) {
		return nil, ErrDecompressionFailed
	}

	return decompressed, nil
}

// encodeFrame writes a frame to the writer, automatically compressing
// payloads larger than CompressionThreshold if compression saves space.
func encodeFrame(w io.Writer, f *Frame, limit uint32) error {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(frameHeaderSize + len(payload))
	if length > limit {
		return ErrFrameTooLarge
	}

	// Single write so a frame never interleaves with another writer's bytes
	// on transports that turn each Write into a message (WebSocket).
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[:4], length)
	buf[4] = f.Version
	buf[5] = flags
	copy(buf[6:], payload)

	if _, err := w.Write(buf); err != nil {
		return err
	}

	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// decodeFrame reads a frame of at most limit bytes from the reader
func decodeFrame(r io.Reader, limit uint32) (*Frame, error) {
	var header [4 + frameHeaderSize]byte

	// io.EOF here means the peer closed cleanly on a frame boundary;
	// anything after the first byte is io.ErrUnexpectedEOF.
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length < frameHeaderSize {
		return nil, ErrInvalidFrameLength
	}

	if _, err := io.ReadFull(r, header[4:]); err != nil {
		return nil, noEOF(err)
	}
	version, flags := header[4], header[5]
	if version == 0 || version > ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	payload := make([]byte, length-frameHeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, noEOF(err)
		}
	}

	if flags&FlagCompressed != 0 && len(payload) > 0 {
		decompressed, err := DecompressPayload(payload, limit)
		if err != nil {
			return nil, err
		}
		payload = decompressed
		flags &^= FlagCompressed
	}

	return &Frame{
		Version: version,
		Flags:   flags,
		Payload: payload,
	}, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
