// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import "errors"

var (
	// ErrChecksum is returned when the computed checksum does not match the trailer
	ErrChecksum = errors.New("smartport: checksum mismatch")
	// ErrNoStartByte is returned when a buffer holds no 0xC3 start byte
	ErrNoStartByte = errors.New("smartport: start byte not found")
	// ErrTruncated is returned when the header counts run past the buffer
	ErrTruncated = errors.New("smartport: packet truncated")
	// ErrPayloadTooLarge is returned when encoding more than MaxDataLen bytes
	ErrPayloadTooLarge = errors.New("smartport: payload too large")
	// ErrNotCommand is returned when parsing a non-command packet as a command
	ErrNotCommand = errors.New("smartport: not a command packet")
)
