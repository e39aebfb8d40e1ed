// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads tether's YAML configuration.
//
// The file is named explicitly, either by the TETHER_CONFIG environment
// variable ([Load]) or a --config flag ([LoadFile]). Values missing from
// the file keep their [Default]. Path fields expand ${HOME} and
// ${VAR:-default}; no other environment variable overrides a value.
//
// A minimal file:
//
//	log:
//	  level: debug
//	mediums:
//	  lan:
//	    listen_address: 0.0.0.0:7411
//	discovery:
//	  peers:
//	    - endpoint_id: AB12
//	      service_id: chat
//	      address: 192.168.1.20:7411
package config
