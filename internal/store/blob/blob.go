// Package blob provides compression for large envelope content bodies
// stored by the Store (SPEC_FULL.md §C1).
package blob

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm (if any) a stored blob was
// compressed with.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// Threshold is the byte size above which Compress actually applies
// zstd; smaller payloads are stored as-is (compression overhead isn't
// worth it below this size).
const Threshold = 4096

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blob: init zstd encoder: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blob: init zstd decoder: " + err.Error())
	}
}

// Compress zstd-compresses data above Threshold bytes; smaller
// payloads pass through uncompressed.
func Compress(data []byte) ([]byte, Compression) {
	if len(data) < Threshold {
		return data, CompressionNone
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress reverses Compress.
func Decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("blob: unsupported compression value %d", c)
	}
}
