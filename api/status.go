// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import "fmt"

// Status is the result of a Router operation.
type Status int

const (
	Success Status = iota
	Error
	OutOfOrderApiCall
	AlreadyHaveActiveStrategy
	AlreadyAdvertising
	AlreadyDiscovering
	AlreadyListening
	EndpointIOError
	EndpointUnknown
	ConnectionRejected
	AlreadyConnectedToEndpoint
	NotConnectedToEndpoint
	BluetoothError
	BleError
	WifiLanError
	PayloadUnknown
	Reset
	Timeout
	Unknown
)

var statusNames = [...]string{
	Success:                    "Success",
	Error:                      "Error",
	OutOfOrderApiCall:          "OutOfOrderApiCall",
	AlreadyHaveActiveStrategy:  "AlreadyHaveActiveStrategy",
	AlreadyAdvertising:         "AlreadyAdvertising",
	AlreadyDiscovering:         "AlreadyDiscovering",
	AlreadyListening:           "AlreadyListening",
	EndpointIOError:            "EndpointIOError",
	EndpointUnknown:            "EndpointUnknown",
	ConnectionRejected:         "ConnectionRejected",
	AlreadyConnectedToEndpoint: "AlreadyConnectedToEndpoint",
	NotConnectedToEndpoint:     "NotConnectedToEndpoint",
	BluetoothError:             "BluetoothError",
	BleError:                   "BleError",
	WifiLanError:               "WifiLanError",
	PayloadUnknown:             "PayloadUnknown",
	Reset:                      "Reset",
	Timeout:                    "Timeout",
	Unknown:                    "Unknown",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Ok reports whether s is Success.
func (s Status) Ok() bool { return s == Success }

// ResultCallback receives the single result of a Router operation.
type ResultCallback func(Status)
