package qnode

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressorDisabledPassesThroughRaw(t *testing.T) {
	c, err := newCompressor(CompressionConfig{MinCompressSize: 0})
	if err != nil {
		t.Fatalf("newCompressor() error = %v", err)
	}
	defer c.Close()

	payload := []byte(strings.Repeat("a", 10000))
	framed := c.Encode(payload, nil)
	if payloadFlag(framed[0]) != payloadRaw {
		t.Fatalf("Encode() with compression disabled set flag %d, want payloadRaw", framed[0])
	}

	got, err := c.Decode(framed)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Decode(Encode(payload)) != payload")
	}
}

func TestCompressorSkipsBelowThreshold(t *testing.T) {
	c, err := newCompressor(CompressionConfig{MinCompressSize: 4096})
	if err != nil {
		t.Fatalf("newCompressor() error = %v", err)
	}
	defer c.Close()

	payload := []byte("short")
	var metrics EngineMetrics
	framed := c.Encode(payload, &metrics)
	if payloadFlag(framed[0]) != payloadRaw {
		t.Error("Encode() below threshold compressed the payload, want raw")
	}
	if metrics.SkippedCompression.Load() != 1 {
		t.Errorf("SkippedCompression = %d, want 1", metrics.SkippedCompression.Load())
	}
}

func TestCompressorCompressesAboveThreshold(t *testing.T) {
	c, err := newCompressor(CompressionConfig{MinCompressSize: 64})
	if err != nil {
		t.Fatalf("newCompressor() error = %v", err)
	}
	defer c.Close()

	payload := []byte(strings.Repeat("highly compressible data ", 200))
	var metrics EngineMetrics
	framed := c.Encode(payload, &metrics)
	if payloadFlag(framed[0]) != payloadCompressed {
		t.Fatal("Encode() of a large repetitive payload did not compress it")
	}
	if metrics.CompressedEntries.Load() != 1 {
		t.Errorf("CompressedEntries = %d, want 1", metrics.CompressedEntries.Load())
	}

	got, err := c.Decode(framed)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Decode(Encode(payload)) != payload")
	}
}

func TestCompressorSkipsWhenCompressionDoesNotShrink(t *testing.T) {
	c, err := newCompressor(CompressionConfig{MinCompressSize: 16})
	if err != nil {
		t.Fatalf("newCompressor() error = %v", err)
	}
	defer c.Close()

	payload := make([]byte, 1024)
	state := uint32(0x12345678)
	for i := range payload {
		state = state*1664525 + 1013904223
		payload[i] = byte(state >> 24)
	}
	var metrics EngineMetrics
	framed := c.Encode(payload, &metrics)
	if payloadFlag(framed[0]) != payloadRaw {
		t.Error("Encode() of incompressible data stored it compressed, want raw (compression did not shrink it)")
	}
}

func TestCompressorDecodeRejectsUnknownFlag(t *testing.T) {
	c, err := newCompressor(CompressionConfig{MinCompressSize: 0})
	if err != nil {
		t.Fatalf("newCompressor() error = %v", err)
	}
	defer c.Close()

	if _, err := c.Decode([]byte{0xEE, 1, 2, 3}); err == nil {
		t.Error("Decode() with an unknown flag byte, want error")
	}
}
