// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build and wire protocol versions.
//
// Release builds set Version and Commit with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/tether/lib/version.Commit=$(git rev-parse --short HEAD)" ./cmd/tetherd
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the release version.
	Version = "0.1.0-dev"

	// Commit is the short git SHA, or "unknown".
	Commit = "unknown"
)

// Protocol is the handshake protocol version. Peers with a different
// value refuse the connection.
const Protocol = 1

// Info returns the one-line --version string.
func Info() string {
	commit := Commit
	if commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
					commit = setting.Value[:7]
				}
			}
		}
	}
	return fmt.Sprintf("%s (%s, protocol %d, %s %s/%s)",
		Version, commit, Protocol, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
