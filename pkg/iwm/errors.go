// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import "errors"

var (
	// ErrTimeout is returned when REQ does not reach the expected level in time
	ErrTimeout = errors.New("iwm: REQ handshake timeout")
	// ErrNoCommand is returned when no command packet is staged
	ErrNoCommand = errors.New("iwm: no command staged")
	// ErrNoDataPacket is returned when a capability asks for a data packet that never arrived
	ErrNoDataPacket = errors.New("iwm: no data packet")
	// ErrNotAttached is returned when a device is not on the daisy chain
	ErrNotAttached = errors.New("iwm: device not attached")
)
