// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress compresses payload chunk bodies.
//
// The sender picks an [Algorithm] per connection; each chunk records
// the algorithm actually applied, which is [None] whenever compression
// would not shrink the body.
package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a chunk encoding. Values travel in payload
// frames and must not change.
type Algorithm uint8

const (
	None Algorithm = 0
	LZ4  Algorithm = 1
	Zstd Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// Parse maps a configuration name to an Algorithm.
func Parse(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("unknown compression %q", name)
}

// MaxSize bounds the decoded length Decompress will allocate.
const MaxSize = 16 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("compress: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(MaxSize))
	if err != nil {
		panic("compress: zstd decoder: " + err.Error())
	}
}

// Compress encodes body with want and reports the algorithm applied.
// Incompressible bodies come back unchanged with None.
func Compress(body []byte, want Algorithm) ([]byte, Algorithm, error) {
	if len(body) == 0 {
		return body, None, nil
	}
	switch want {
	case None:
		return body, None, nil
	case LZ4:
		out := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, out, nil)
		if err != nil {
			return nil, None, fmt.Errorf("lz4: %w", err)
		}
		if n == 0 || n >= len(body) {
			return body, None, nil
		}
		return out[:n], LZ4, nil
	case Zstd:
		out := zstdEncoder.EncodeAll(body, nil)
		if len(out) >= len(body) {
			return body, None, nil
		}
		return out, Zstd, nil
	}
	return nil, None, fmt.Errorf("unsupported compression %v", want)
}

// Decompress reverses Compress. size is the original body length and
// bounds the allocation; it must lie within [0, MaxSize].
func Decompress(body []byte, algorithm Algorithm, size int) ([]byte, error) {
	if size < 0 || size > MaxSize {
		return nil, fmt.Errorf("decoded size %d outside [0, %d]", size, MaxSize)
	}
	switch algorithm {
	case None:
		if len(body) != size {
			return nil, fmt.Errorf("plain chunk is %d bytes, header says %d", len(body), size)
		}
		return body, nil
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4: decoded %d bytes, header says %d", n, size)
		}
		return out, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd: decoded %d bytes, header says %d", len(out), size)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported compression %v", algorithm)
}
