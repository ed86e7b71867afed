package qnode

import (
	"fmt"
	"strings"
	"time"
)

// StorageConfig controls the ring/overflow storage tiers.
type StorageConfig struct {
	// RingCapacity is the default size, in bytes, of a storage's memory
	// ring queue. Overridden per name-prefix by Config.Limits.
	RingCapacity int `json:"ring_capacity"`

	// FlushInterval is how often the periodic flush loop runs
	// (data-file minimization + fdatasync). Spec default: 250ms.
	FlushInterval time.Duration `json:"flush_interval"`

	// IndexFlushInterval is how often the index file is rewritten even
	// absent a full flush. Spec default: 60s.
	IndexFlushInterval time.Duration `json:"index_flush_interval"`
}

// CompressionConfig controls optional payload compression.
type CompressionConfig struct {
	// MinCompressSize is the minimum payload size, in bytes, a record
	// must reach before it is compressed. 0 disables compression.
	MinCompressSize int `json:"min_compress_size"`
}

// ChannelLimit bounds the ring capacity for storages whose name carries
// a given prefix (matched against the channel part of the storage
// name, i.e. the text after '@' if present).
type ChannelLimit struct {
	Prefix       string `json:"prefix"`
	RingCapacity int    `json:"ring_capacity"`
}

// Config is the complete qnode engine configuration.
type Config struct {
	Storage     StorageConfig      `json:"storage"`
	Compression CompressionConfig  `json:"compression"`
	Log         LogConfig          `json:"log"`
	Limits      []ChannelLimit     `json:"limits"`
	MaxTotalRingBytes int64        `json:"max_total_ring_bytes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			RingCapacity:       1 << 20, // 1MiB per storage
			FlushInterval:      250 * time.Millisecond,
			IndexFlushInterval: 60 * time.Second,
		},
		Compression: CompressionConfig{
			MinCompressSize: 4096,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Storage.RingCapacity <= 0 {
		cfg.Storage.RingCapacity = 1 << 20
	}
	if cfg.Storage.FlushInterval <= 0 {
		cfg.Storage.FlushInterval = 250 * time.Millisecond
	}
	if cfg.Storage.IndexFlushInterval <= 0 {
		cfg.Storage.IndexFlushInterval = 60 * time.Second
	}
	if cfg.Compression.MinCompressSize < 0 {
		return fmt.Errorf("compression.min_compress_size cannot be negative")
	}

	seen := make(map[string]bool, len(cfg.Limits))
	for _, lim := range cfg.Limits {
		if seen[lim.Prefix] {
			return fmt.Errorf("duplicate channel limit prefix %q", lim.Prefix)
		}
		seen[lim.Prefix] = true
		if lim.RingCapacity <= 0 {
			return fmt.Errorf("channel limit for prefix %q has non-positive ring capacity", lim.Prefix)
		}
	}
	for a := range seen {
		for b := range seen {
			if a != b && a != "" && b != "" && (strings.HasPrefix(a, b) || strings.HasPrefix(b, a)) {
				return fmt.Errorf("overlapping channel limit prefixes %q and %q", a, b)
			}
		}
	}

	return nil
}

// ringCapacityFor returns the configured ring capacity for a channel
// name, applying the most specific matching prefix, falling back to
// the default.
func (c Config) ringCapacityFor(channel string) int {
	best := -1
	capacity := c.Storage.RingCapacity
	for _, lim := range c.Limits {
		if lim.Prefix != "" && strings.HasPrefix(channel, lim.Prefix) && len(lim.Prefix) > best {
			best = len(lim.Prefix)
			capacity = lim.RingCapacity
		}
	}
	return capacity
}
