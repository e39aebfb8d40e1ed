// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"strings"
	"testing"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Success:                    "Success",
		AlreadyConnectedToEndpoint: "AlreadyConnectedToEndpoint",
		PayloadUnknown:             "PayloadUnknown",
		Unknown:                    "Unknown",
		Status(99):                 "Status(99)",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(status), got, want)
		}
	}
}

func TestPayloadVariants(t *testing.T) {
	bytesPayload := BytesPayload([]byte("hello"))
	if data, ok := bytesPayload.Bytes(); !ok || string(data) != "hello" {
		t.Errorf("Bytes() = %q, %v", data, ok)
	}
	if _, ok := bytesPayload.Stream(); ok {
		t.Error("bytes payload reported a stream")
	}
	if bytesPayload.ID() <= 0 {
		t.Errorf("ID() = %d, want positive", bytesPayload.ID())
	}

	stream := StreamPayload(strings.NewReader("abc"))
	if stream.Type() != PayloadStream || stream.Size() != -1 {
		t.Errorf("stream payload type %v size %d", stream.Type(), stream.Size())
	}

	file := FilePayload("/tmp/report.pdf", "report.pdf", 1024).WithID(42)
	path, name, ok := file.File()
	if !ok || path != "/tmp/report.pdf" || name != "report.pdf" || file.ID() != 42 {
		t.Errorf("File() = %q, %q, %v; id %d", path, name, ok, file.ID())
	}
}

func TestMediumSelector(t *testing.T) {
	var all MediumSelector
	if !all.Allows(MediumWebRTC) {
		t.Error("empty selector rejected webrtc")
	}
	lanOnly := MediumSelector{MediumWifiLan}
	if lanOnly.Allows(MediumWebRTC) || !lanOnly.Allows(MediumWifiLan) {
		t.Error("selector did not restrict to wifi_lan")
	}
	if m, err := ParseMedium("webrtc"); err != nil || m != MediumWebRTC {
		t.Errorf("ParseMedium(webrtc) = %v, %v", m, err)
	}
}
