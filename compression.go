package qnode

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// payloadFlag is a one-byte prefix on every record payload stored on
// disk distinguishing whether the rest of the bytes are raw or
// zstd-compressed. It is entirely orthogonal to the RecordHeader; the
// header's Length field covers the flag byte too.
type payloadFlag byte

const (
	payloadRaw        payloadFlag = 0
	payloadCompressed payloadFlag = 1
)

// compressor wraps a single-threaded zstd encoder/decoder pair. Since
// the overflow and storage engines never allow concurrent entry, one
// shared encoder and decoder per engine is sufficient, avoiding the
// cost of spinning one up per record the way a pooled-per-goroutine
// design would need to.
type compressor struct {
	minSize int
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func newCompressor(cfg CompressionConfig) (*compressor, error) {
	if cfg.MinCompressSize <= 0 {
		return &compressor{minSize: 0}, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("qnode: failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("qnode: failed to create zstd decoder: %w", err)
	}
	return &compressor{minSize: cfg.MinCompressSize, enc: enc, dec: dec}, nil
}

func (c *compressor) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

// Encode prefixes payload with its payloadFlag, compressing it first
// when compression is enabled and the payload reaches the configured
// threshold and compression actually shrinks it. metrics, if non-nil,
// is updated to reflect which path was taken.
func (c *compressor) Encode(payload []byte, metrics *EngineMetrics) []byte {
	if c.minSize == 0 || len(payload) < c.minSize {
		if metrics != nil && c.minSize != 0 {
			metrics.SkippedCompression.Add(1)
		}
		return append([]byte{byte(payloadRaw)}, payload...)
	}

	compressed := c.enc.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(compressed) >= len(payload) {
		if metrics != nil {
			metrics.SkippedCompression.Add(1)
		}
		return append([]byte{byte(payloadRaw)}, payload...)
	}
	if metrics != nil {
		metrics.CompressedEntries.Add(1)
	}
	return append([]byte{byte(payloadCompressed)}, compressed...)
}

// Decode strips the leading payloadFlag byte and decompresses if
// needed.
func (c *compressor) Decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("qnode: empty framed payload")
	}
	flag := payloadFlag(framed[0])
	body := framed[1:]
	switch flag {
	case payloadRaw:
		return body, nil
	case payloadCompressed:
		if c.dec == nil {
			return nil, fmt.Errorf("qnode: compressed payload found but compression is disabled")
		}
		out, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("qnode: zstd decode failed: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("qnode: unknown payload flag %d", flag)
	}
}
