package filestore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"auradrive/internal/store"
)

var errIncompressible = errors.New("data is incompressible")

// ParseCompression maps a config value to a store tag.
func ParseCompression(s string) (store.Compression, error) {
	switch s {
	case "none", "":
		return store.CompressionNone, nil
	case "lz4":
		return store.CompressionLZ4, nil
	case "zstd":
		return store.CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// compress applies want and falls back to CompressionNone when the
// output would not be smaller.
func compress(data []byte, want store.Compression) ([]byte, store.Compression, error) {
	var (
		out []byte
		err error
	)
	switch want {
	case store.CompressionNone:
		return data, store.CompressionNone, nil
	case store.CompressionLZ4:
		out, err = compressLZ4(data)
	case store.CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression tag: %d", want)
	}
	if errors.Is(err, errIncompressible) {
		return data, store.CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, want, nil
}

// decompress reverses compress. size is the original length and is checked.
func decompress(stored []byte, tag store.Compression, size int64) ([]byte, error) {
	switch tag {
	case store.CompressionNone:
		if int64(len(stored)) != size {
			return nil, fmt.Errorf("uncompressed content: size %d does not match expected %d", len(stored), size)
		}
		return stored, nil
	case store.CompressionLZ4:
		return decompressLZ4(stored, int(size))
	case store.CompressionZstd:
		return decompressZstd(stored, int(size))
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("filestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("filestore: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}
