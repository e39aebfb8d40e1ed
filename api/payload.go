// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// PayloadType discriminates the Payload union.
type PayloadType int

const (
	PayloadUnknownType PayloadType = iota
	PayloadBytes
	PayloadStream
	PayloadFile
)

func (t PayloadType) String() string {
	switch t {
	case PayloadBytes:
		return "bytes"
	case PayloadStream:
		return "stream"
	case PayloadFile:
		return "file"
	}
	return "unknown"
}

// Payload is a unit of application data: an in-memory byte slice, a
// stream of unknown length, or a file. Exactly one variant is set,
// named by Type.
type Payload struct {
	id       int64
	kind     PayloadType
	bytes    []byte
	stream   io.Reader
	path     string
	fileName string
	size     int64
}

// NewPayloadID returns a random positive payload id.
func NewPayloadID() int64 {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("api: reading random payload id: " + err.Error())
	}
	id := int64(binary.BigEndian.Uint64(raw[:]) &^ (1 << 63))
	if id == 0 {
		id = 1
	}
	return id
}

// BytesPayload wraps data with a fresh id.
func BytesPayload(data []byte) Payload {
	return Payload{id: NewPayloadID(), kind: PayloadBytes, bytes: data, size: int64(len(data))}
}

// StreamPayload wraps a reader of unknown length with a fresh id. The
// reader is closed after transfer if it implements io.Closer.
func StreamPayload(r io.Reader) Payload {
	return Payload{id: NewPayloadID(), kind: PayloadStream, stream: r, size: -1}
}

// FilePayload refers to the file at path. name is what the receiver
// sees; size is the file length.
func FilePayload(path, name string, size int64) Payload {
	return Payload{id: NewPayloadID(), kind: PayloadFile, path: path, fileName: name, size: size}
}

// WithID returns a copy of p carrying id.
func (p Payload) WithID(id int64) Payload {
	p.id = id
	return p
}

func (p Payload) ID() int64 { return p.id }
func (p Payload) Type() PayloadType { return p.kind }

// Size is the total length, or -1 for streams.
func (p Payload) Size() int64 { return p.size }

// Bytes returns the data of a bytes payload.
func (p Payload) Bytes() ([]byte, bool) {
	return p.bytes, p.kind == PayloadBytes
}

// Stream returns the reader of a stream payload.
func (p Payload) Stream() (io.Reader, bool) {
	return p.stream, p.kind == PayloadStream
}

// File returns the path and receiver-visible name of a file payload.
func (p Payload) File() (path, name string, ok bool) {
	return p.path, p.fileName, p.kind == PayloadFile
}

func (p Payload) String() string {
	return fmt.Sprintf("%s payload %d", p.kind, p.id)
}

// PayloadStatus is the state reported in PayloadProgress.
type PayloadStatus int

const (
	PayloadInProgress PayloadStatus = iota
	PayloadSuccess
	PayloadFailure
	PayloadCanceled
)

func (s PayloadStatus) String() string {
	switch s {
	case PayloadInProgress:
		return "in_progress"
	case PayloadSuccess:
		return "success"
	case PayloadFailure:
		return "failure"
	case PayloadCanceled:
		return "canceled"
	}
	return "unknown"
}

// PayloadProgress reports how far a transfer has come. TotalBytes is
// -1 for streams.
type PayloadProgress struct {
	PayloadID        int64
	Status           PayloadStatus
	TotalBytes       int64
	BytesTransferred int64
}
