package stanza

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (256 KB). Stanzas are
	// small; anything near this limit is a misbehaving client.
	MaxFrameSize = 256 * 1024

	// CompressionThreshold is the minimum payload size to consider
	// compression (512 bytes).
	CompressionThreshold = 512
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: LZ4 compression
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// The raw TCP transport carries one stanza per frame:
// [Length (4 bytes, big-endian)][Flags (1 byte)][Payload (N bytes)]
// where Payload is the UTF-8 stanza text, optionally LZ4-compressed.
// WebSocket connections skip this layer; each WS text message is one stanza.

// CompressPayload compresses data using LZ4 and prepends the uncompressed
// size. Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	maxCompressedSize := lz4.CompressBlockBound(len(data))
	compressed := make([]byte, 4+maxCompressedSize)
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}

	// Only use compression if it actually saves space.
	compressedTotal := 4 + n
	if compressedTotal >= len(data) {
		return data, false
	}

	return compressed[:compressedTotal], true
}

// DecompressPayload decompresses LZ4-compressed data produced by
// CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if uncompressedSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil || n != int(uncompressedSize) {
		return nil, ErrDecompressionFailed
	}

	return decompressed, nil
}

// WriteFrame writes one stanza's text to the writer, compressing payloads
// larger than CompressionThreshold when that saves space.
func WriteFrame(w io.Writer, text string) error {
	payload := []byte(text)
	var flags byte

	if len(payload) >= CompressionThreshold {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	// Length covers flags byte + payload.
	length := uint32(1 + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = flags

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one stanza's text from the reader.
func ReadFrame(r io.Reader) (string, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return "", err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > MaxFrameSize {
		return "", ErrFrameTooLarge
	}
	if length < 1 {
		return "", ErrInvalidFrameLength
	}

	var flagsBuf [1]byte
	if _, err := io.ReadFull(r, flagsBuf[:]); err != nil {
		return "", err
	}
	flags := flagsBuf[0]

	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return "", err
		}
	}

	if flags&FlagCompressed != 0 && len(payload) > 0 {
		decompressed, err := DecompressPayload(payload)
		if err != nil {
			return "", err
		}
		payload = decompressed
	}

	return string(payload), nil
}
