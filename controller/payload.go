// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jpillora/sizestr"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/frame"
	"github.com/bureau-foundation/tether/lib/compress"
	"github.com/bureau-foundation/tether/session"
)

var (
	errPayloadCanceled = errors.New("payload canceled")
	errPayloadFailed   = errors.New("payload failed")
	errPayloadFinished = errors.New("payload already finished")
)

// payloadManager moves payloads over endpoint channels. Each outgoing
// payload is read and chunked once on its own goroutine and every
// chunk goes to all its endpoints in turn. Incoming chunks are
// reassembled on the endpoint's read loop.
type payloadManager struct {
	c             *Controller
	chunkSize     int
	compression   compress.Algorithm
	saveDirectory string

	mu       sync.Mutex
	outgoing map[int64]*outgoingPayload
	incoming map[incomingKey]*incomingPayload
}

func newPayloadManager(c *Controller, chunkSize int, compression compress.Algorithm, saveDirectory string) *payloadManager {
	return &payloadManager{
		c:             c,
		chunkSize:     chunkSize,
		compression:   compression,
		saveDirectory: saveDirectory,
		outgoing:      make(map[int64]*outgoingPayload),
		incoming:      make(map[incomingKey]*incomingPayload),
	}
}

type outgoingPayload struct {
	payload api.Payload
	client  session.Handle
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	endpoints []string
}

// remaining lists the endpoints still receiving.
func (o *outgoingPayload) remaining() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.endpoints)
}

// drop stops sending to endpointID. It reports false if the endpoint
// was already dropped.
func (o *outgoingPayload) drop(endpointID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := slices.Index(o.endpoints, endpointID)
	if i < 0 {
		return false
	}
	o.endpoints = slices.Delete(o.endpoints, i, i+1)
	return true
}

type incomingKey struct {
	endpointID string
	payloadID  int64
}

type incomingPayload struct {
	client session.Handle
	header frame.PayloadHeader
	kind   api.PayloadType

	mu        sync.Mutex
	received  int64
	finished  bool
	delivered bool
	data      bytes.Buffer
	stream    *streamBuffer
	file      *os.File
	path      string
}

func (in *incomingPayload) progress(status api.PayloadStatus) api.PayloadProgress {
	return api.PayloadProgress{
		PayloadID:        in.header.ID,
		Status:           status,
		TotalBytes:       in.header.TotalSize,
		BytesTransferred: in.received,
	}
}

// abort ends the payload with cause, discarding partial files. It
// reports false if the payload had already finished.
func (in *incomingPayload) abort(cause error) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.finished {
		return false
	}
	in.finished = true
	switch {
	case in.stream != nil:
		in.stream.CloseWithError(cause)
	case in.file != nil:
		in.file.Close()
		os.Remove(in.path)
	}
	return true
}

// SendPayload queues payload for endpointIDs. Progress and the outcome
// are reported per endpoint through the payload listener.
func (c *Controller) SendPayload(client *session.Client, endpointIDs []string, payload api.Payload) api.Status {
	return c.payloads.send(client.Handle(), endpointIDs, payload)
}

// CancelPayload cancels an outgoing or incoming payload of client.
func (c *Controller) CancelPayload(client *session.Client, payloadID int64) api.Status {
	return c.payloads.cancel(client.Handle(), payloadID)
}

func (m *payloadManager) send(handle session.Handle, endpointIDs []string, payload api.Payload) api.Status {
	ctx, cancel := context.WithCancel(m.c.ctx)
	out := &outgoingPayload{
		payload:   payload,
		client:    handle,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: slices.Clone(endpointIDs),
	}
	m.mu.Lock()
	if _, exists := m.outgoing[payload.ID()]; exists {
		m.mu.Unlock()
		cancel()
		m.c.logger.Warn("payload id already in flight", "payload", payload.ID())
		return api.Error
	}
	m.outgoing[payload.ID()] = out
	m.mu.Unlock()

	if !m.c.goroutine(func() { m.transfer(out) }) {
		m.finish(out)
		return api.Error
	}
	return api.Success
}

func (m *payloadManager) finish(out *outgoingPayload) {
	out.cancel()
	m.mu.Lock()
	if m.outgoing[out.payload.ID()] == out {
		delete(m.outgoing, out.payload.ID())
	}
	m.mu.Unlock()
}

// openPayload returns the payload's data, its total size (-1 for
// streams), the name the receiver sees and a release function.
func openPayload(payload api.Payload) (io.Reader, int64, string, func(), error) {
	switch payload.Type() {
	case api.PayloadBytes:
		data, _ := payload.Bytes()
		return bytes.NewReader(data), int64(len(data)), "", func() {}, nil
	case api.PayloadStream:
		stream, _ := payload.Stream()
		release := func() {}
		if closer, ok := stream.(io.Closer); ok {
			release = func() { closer.Close() }
		}
		return stream, -1, "", release, nil
	case api.PayloadFile:
		path, name, _ := payload.File()
		file, err := os.Open(path)
		if err != nil {
			return nil, 0, "", nil, fmt.Errorf("opening payload file: %w", err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, 0, "", nil, fmt.Errorf("reading payload file size: %w", err)
		}
		if name == "" {
			name = filepath.Base(path)
		}
		return io.LimitReader(file, info.Size()), info.Size(), name, func() { file.Close() }, nil
	}
	return nil, 0, "", nil, fmt.Errorf("unknown payload type %v", payload.Type())
}

// transfer chunks out's payload to its endpoints.
func (m *payloadManager) transfer(out *outgoingPayload) {
	defer m.finish(out)
	id := out.payload.ID()

	reader, total, name, release, err := openPayload(out.payload)
	if err != nil {
		m.c.logger.Warn("payload not sent", "payload", id, "error", err)
		m.reportAll(out, api.PayloadFailure, total, 0)
		return
	}
	defer release()

	header := frame.PayloadHeader{ID: id, Type: uint8(out.payload.Type()), TotalSize: total, FileName: name}
	buf := make([]byte, m.chunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(reader, buf)
		if out.ctx.Err() != nil {
			for _, endpointID := range out.remaining() {
				m.c.send(endpointID, frame.NewPayloadControl(header, frame.ControlCanceled, offset))
			}
			m.reportAll(out, api.PayloadCanceled, total, offset)
			return
		}
		last := false
		switch {
		case readErr == nil:
			last = total >= 0 && offset+int64(n) == total
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			last = true
		default:
			m.c.logger.Warn("reading payload failed", "payload", id, "offset", offset, "error", readErr)
			for _, endpointID := range out.remaining() {
				m.c.send(endpointID, frame.NewPayloadControl(header, frame.ControlError, offset))
			}
			m.reportAll(out, api.PayloadFailure, total, offset)
			return
		}

		body, algorithm, err := compress.Compress(buf[:n], m.compression)
		if err != nil {
			m.c.logger.Warn("compressing payload chunk failed", "payload", id, "error", err)
			body, algorithm = buf[:n], compress.None
		}
		chunk := frame.PayloadChunk{Offset: offset, Body: body, Compression: uint8(algorithm), Size: n}
		if last {
			chunk.Flags = frame.ChunkLast
		}
		f := frame.NewPayloadChunk(header, chunk)
		for _, endpointID := range out.remaining() {
			if err := m.c.send(endpointID, f); err != nil {
				m.c.logger.Warn("payload chunk not sent", "payload", id, "endpoint", endpointID, "error", err)
				if out.drop(endpointID) {
					m.report(out.client, endpointID, api.PayloadProgress{
						PayloadID: id, Status: api.PayloadFailure, TotalBytes: total, BytesTransferred: offset,
					})
					// The connection may outlive the channel that failed.
					if err := m.c.send(endpointID, frame.NewPayloadControl(header, frame.ControlError, offset)); err != nil {
						m.c.logger.Debug("payload failure not delivered", "payload", id, "endpoint", endpointID, "error", err)
					}
				}
			}
		}
		offset += int64(n)

		if last {
			m.reportAll(out, api.PayloadSuccess, total, offset)
			m.c.logger.Info("payload sent", "payload", id, "size", sizestr.ToString(offset))
			return
		}
		if len(out.remaining()) == 0 {
			return
		}
		m.reportAll(out, api.PayloadInProgress, total, offset)
	}
}

// reportAll reports status to every endpoint still receiving out.
func (m *payloadManager) reportAll(out *outgoingPayload, status api.PayloadStatus, total, transferred int64) {
	for _, endpointID := range out.remaining() {
		m.report(out.client, endpointID, api.PayloadProgress{
			PayloadID:        out.payload.ID(),
			Status:           status,
			TotalBytes:       total,
			BytesTransferred: transferred,
		})
	}
}

func (m *payloadManager) report(handle session.Handle, endpointID string, progress api.PayloadProgress) {
	if client, ok := handle.Borrow(); ok {
		client.OnPayloadProgress(endpointID, progress)
	}
}

func (m *payloadManager) cancel(handle session.Handle, payloadID int64) api.Status {
	m.mu.Lock()
	if out, ok := m.outgoing[payloadID]; ok && out.client.ID() == handle.ID() {
		m.mu.Unlock()
		out.cancel()
		return api.Success
	}
	canceled := make(map[incomingKey]*incomingPayload)
	for key, in := range m.incoming {
		if key.payloadID == payloadID && in.client.ID() == handle.ID() {
			canceled[key] = in
			delete(m.incoming, key)
		}
	}
	m.mu.Unlock()

	if len(canceled) == 0 {
		return api.PayloadUnknown
	}
	for key, in := range canceled {
		if !in.abort(errPayloadCanceled) {
			continue
		}
		if err := m.c.send(key.endpointID, frame.NewPayloadControl(in.header, frame.ControlCanceled, in.received)); err != nil {
			m.c.logger.Debug("payload cancel not delivered", "payload", payloadID, "endpoint", key.endpointID, "error", err)
		}
		m.report(handle, key.endpointID, in.progress(api.PayloadCanceled))
	}
	return api.Success
}

// receive handles a payload packet read from ep.
func (m *payloadManager) receive(ep *endpoint, transfer *frame.PayloadTransfer) {
	switch transfer.PacketType {
	case frame.PacketData:
		m.receiveChunk(ep, transfer.Header, transfer.Chunk)
	case frame.PacketControl:
		m.receiveControl(ep, transfer.Header, transfer.Control)
	}
}

func (m *payloadManager) receiveControl(ep *endpoint, header frame.PayloadHeader, control *frame.PayloadControl) {
	status := api.PayloadFailure
	if control.Event == frame.ControlCanceled {
		status = api.PayloadCanceled
	}

	m.mu.Lock()
	out := m.outgoing[header.ID]
	key := incomingKey{ep.id, header.ID}
	in := m.incoming[key]
	delete(m.incoming, key)
	m.mu.Unlock()

	// The receiver gave up on something this side is sending.
	if out != nil && out.drop(ep.id) {
		m.report(out.client, ep.id, api.PayloadProgress{
			PayloadID: header.ID, Status: status, TotalBytes: header.TotalSize, BytesTransferred: control.Offset,
		})
	}
	// The sender gave up on something this side is receiving.
	if in != nil {
		cause := errPayloadFailed
		if status == api.PayloadCanceled {
			cause = errPayloadCanceled
		}
		if in.abort(cause) {
			m.report(in.client, ep.id, in.progress(status))
		}
	}
}

func (m *payloadManager) receiveChunk(ep *endpoint, header frame.PayloadHeader, chunk *frame.PayloadChunk) {
	key := incomingKey{ep.id, header.ID}
	m.mu.Lock()
	in := m.incoming[key]
	if in == nil {
		if chunk.Offset != 0 {
			// Tail of a payload this side already canceled.
			m.mu.Unlock()
			return
		}
		in = &incomingPayload{client: ep.client, header: header, kind: api.PayloadType(header.Type)}
		m.incoming[key] = in
	}
	m.mu.Unlock()

	if err := m.accept(in, chunk, ep.reading.Load().MaxFrameSize()); err != nil {
		if errors.Is(err, errPayloadFinished) {
			return
		}
		m.c.logger.Warn("incoming payload failed", "payload", header.ID, "endpoint", ep.id, "error", err)
		m.mu.Lock()
		delete(m.incoming, key)
		m.mu.Unlock()
		if in.abort(errPayloadFailed) {
			m.report(in.client, ep.id, in.progress(api.PayloadFailure))
			// The sender may be writing to this side's read loop right now.
			offset := in.received
			m.c.goroutine(func() {
				m.c.send(ep.id, frame.NewPayloadControl(header, frame.ControlError, offset))
			})
		}
		return
	}

	client, ok := in.client.Borrow()
	if !ok {
		return
	}
	in.mu.Lock()
	deliver := !in.delivered && in.kind != api.PayloadBytes
	if deliver {
		in.delivered = true
	}
	in.mu.Unlock()
	if deliver {
		client.OnPayload(ep.id, m.incomingPayloadValue(in))
	}

	if !chunk.Last() {
		client.OnPayloadProgress(ep.id, in.progress(api.PayloadInProgress))
		return
	}
	m.mu.Lock()
	delete(m.incoming, key)
	m.mu.Unlock()
	if in.kind == api.PayloadBytes {
		client.OnPayload(ep.id, api.BytesPayload(in.data.Bytes()).WithID(header.ID))
	}
	client.OnPayloadProgress(ep.id, in.progress(api.PayloadSuccess))
	m.c.logger.Info("payload received", "payload", header.ID, "endpoint", ep.id, "type", in.kind, "size", sizestr.ToString(in.received))
}

// accept appends one chunk to in. A chunk decoding to more than
// maxSize bytes is refused; the sender's chunks always fit one frame.
func (m *payloadManager) accept(in *incomingPayload, chunk *frame.PayloadChunk, maxSize int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.finished {
		return errPayloadFinished
	}
	if chunk.Size > maxSize {
		return fmt.Errorf("chunk of %d bytes above the %d byte frame limit", chunk.Size, maxSize)
	}
	if chunk.Offset != in.received {
		return fmt.Errorf("chunk at offset %d, expected %d", chunk.Offset, in.received)
	}
	body, err := compress.Decompress(chunk.Body, compress.Algorithm(chunk.Compression), chunk.Size)
	if err != nil {
		return err
	}
	if chunk.Offset == 0 {
		if err := m.openSink(in); err != nil {
			return err
		}
	}

	switch in.kind {
	case api.PayloadBytes:
		in.data.Write(body)
	case api.PayloadStream:
		// A reader that closed its end no longer wants the data.
		in.stream.Write(body)
	case api.PayloadFile:
		if _, err := in.file.Write(body); err != nil {
			return fmt.Errorf("writing %s: %w", in.path, err)
		}
	}
	in.received += int64(len(body))

	if chunk.Last() {
		in.finished = true
		switch in.kind {
		case api.PayloadStream:
			in.stream.CloseWithError(nil)
		case api.PayloadFile:
			if err := in.file.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", in.path, err)
			}
		}
	}
	return nil
}

// openSink prepares where a new payload's data goes. Called with
// in.mu held.
func (m *payloadManager) openSink(in *incomingPayload) error {
	switch in.kind {
	case api.PayloadBytes:
	case api.PayloadStream:
		in.stream = newStreamBuffer()
	case api.PayloadFile:
		dir := m.c.savePath(in.client)
		if dir == "" {
			dir = m.saveDirectory
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating save directory: %w", err)
		}
		file, path, err := createUnique(dir, in.header.FileName, in.header.ID)
		if err != nil {
			return err
		}
		in.file, in.path = file, path
	default:
		return fmt.Errorf("unknown payload type %d", in.header.Type)
	}
	return nil
}

func (m *payloadManager) incomingPayloadValue(in *incomingPayload) api.Payload {
	switch in.kind {
	case api.PayloadStream:
		return api.StreamPayload(in.stream).WithID(in.header.ID)
	default:
		return api.FilePayload(in.path, filepath.Base(in.path), in.header.TotalSize).WithID(in.header.ID)
	}
}

// createUnique creates a file for name in dir, numbering the name when
// it is taken. Names are reduced to their last element so a sender
// cannot write outside dir.
func createUnique(dir, name string, payloadID int64) (*os.File, string, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = strconv.FormatInt(payloadID, 10)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(dir, candidate)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("no free name for %s in %s", name, dir)
}

// endpointGone fails every transfer to or from ep.
func (m *payloadManager) endpointGone(ep *endpoint) {
	m.mu.Lock()
	outgoing := make([]*outgoingPayload, 0, len(m.outgoing))
	for _, out := range m.outgoing {
		outgoing = append(outgoing, out)
	}
	var incoming []*incomingPayload
	for key, in := range m.incoming {
		if key.endpointID == ep.id {
			incoming = append(incoming, in)
			delete(m.incoming, key)
		}
	}
	m.mu.Unlock()

	for _, out := range outgoing {
		if out.drop(ep.id) {
			m.report(out.client, ep.id, api.PayloadProgress{
				PayloadID: out.payload.ID(), Status: api.PayloadFailure, TotalBytes: out.payload.Size(),
			})
		}
	}
	for _, in := range incoming {
		if in.abort(errPayloadFailed) {
			m.report(in.client, ep.id, in.progress(api.PayloadFailure))
		}
	}
}

// stop cancels every outgoing payload and fails every incoming one.
func (m *payloadManager) stop() {
	m.mu.Lock()
	outgoing := make([]*outgoingPayload, 0, len(m.outgoing))
	for _, out := range m.outgoing {
		outgoing = append(outgoing, out)
	}
	incoming := make([]*incomingPayload, 0, len(m.incoming))
	for _, in := range m.incoming {
		incoming = append(incoming, in)
	}
	clear(m.incoming)
	m.mu.Unlock()

	for _, out := range outgoing {
		out.cancel()
	}
	for _, in := range incoming {
		in.abort(errPayloadFailed)
	}
}
