package wire

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressThreshold is the payload size above which data is compressed.
	compressThreshold = 1 << 10

	// maxDecompressedSize bounds decompression of untrusted payloads (64 MB).
	maxDecompressedSize = 64 << 20
)

// Shared codecs, built on first use. EncodeAll and DecodeAll are safe for
// concurrent use.
var (
	encoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create encoder:\n%w", err)
		}

		return enc, nil
	})

	decoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
		if err != nil {
			return nil, fmt.Errorf("create decoder:\n%w", err)
		}

		return dec, nil
	})
)

// compress returns the zstd form of data when it is worth compressing.
// The boolean reports whether the returned bytes are compressed. Data is
// sent as is when no encoder is available.
func compress(data []byte) ([]byte, bool) {
	if len(data) <= compressThreshold {
		return data, false
	}

	enc, err := encoder()
	if err != nil {
		return data, false
	}

	out := enc.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return data, false
	}

	return out, true
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	dec, err := decoder()
	if err != nil {
		return nil, err
	}

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode:\n%w", err)
	}

	return out, nil
}
