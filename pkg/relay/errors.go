// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import "errors"

var (
	// ErrConnectionClosed is returned once the underlying stream has failed or been closed
	ErrConnectionClosed = errors.New("relay: connection closed")
	// ErrFrame is returned for malformed frames (bad escape, overflow, short body)
	ErrFrame = errors.New("relay: malformed frame")
	// ErrCRC is returned when the frame CRC does not match its body
	ErrCRC = errors.New("relay: CRC mismatch")
	// ErrNoReply is returned when a transaction completed without a reply packet
	ErrNoReply = errors.New("relay: no reply from device")
)
