// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte("tether payload chunk "), 500)

	for _, algorithm := range []Algorithm{None, LZ4, Zstd} {
		t.Run(algorithm.String(), func(t *testing.T) {
			encoded, applied, err := Compress(body, algorithm)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if applied != algorithm {
				t.Fatalf("applied = %v, want %v", applied, algorithm)
			}
			if algorithm != None && len(encoded) >= len(body) {
				t.Errorf("encoded %d bytes from %d", len(encoded), len(body))
			}
			decoded, err := Decompress(encoded, applied, len(body))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(decoded, body) {
				t.Error("round trip changed the body")
			}
		})
	}
}

func TestCompressFallsBackOnRandomData(t *testing.T) {
	body := make([]byte, 4096)
	if _, err := rand.Read(body); err != nil {
		t.Fatalf("rand: %v", err)
	}
	for _, algorithm := range []Algorithm{LZ4, Zstd} {
		encoded, applied, err := Compress(body, algorithm)
		if err != nil {
			t.Fatalf("Compress(%v): %v", algorithm, err)
		}
		if applied != None || !bytes.Equal(encoded, body) {
			t.Errorf("Compress(%v) on random data applied %v", algorithm, applied)
		}
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 1000)
	encoded, applied, err := Compress(body, Zstd)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, err := Decompress(encoded, applied, 999); err == nil {
		t.Error("Decompress accepted a wrong size")
	}
}

func TestDecompressRejectsHugeSize(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 1000)
	encoded, applied, err := Compress(body, LZ4)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	for _, size := range []int{-1, MaxSize + 1, 1 << 50} {
		if _, err := Decompress(encoded, applied, size); err == nil {
			t.Errorf("Decompress accepted size %d", size)
		}
	}
}

func TestParse(t *testing.T) {
	for name, want := range map[string]Algorithm{"none": None, "": None, "lz4": LZ4, "zstd": Zstd} {
		got, err := Parse(name)
		if err != nil || got != want {
			t.Errorf("Parse(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := Parse("brotli"); err == nil {
		t.Error("Parse accepted brotli")
	}
}
