// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

// PhaseSampler reads the four phase lines.
// Bit 0 is PH0 (REQ), bit 3 is PH3.
type PhaseSampler interface {
	PhaseVector() uint8
}

// Lines controls the ACK output and reads the REQ input.
type Lines interface {
	// SetACK releases ACK to high impedance (deasserted, "ready").
	SetACK()
	// ClearACK drives ACK low (asserted).
	ClearACK()
	// REQ returns the level of the REQ line (PH0).
	REQ() bool
}

// Sampler captures the write-data line at a fixed oversampling rate.
type Sampler interface {
	// Capture returns samples packed MSB first, eight per byte.
	Capture(samples int) []byte
	// SampleRate returns the capture rate in Hz.
	SampleRate() int
}

// Transmitter shifts an SPI bit pattern out on the read-data line.
type Transmitter interface {
	Transmit(pattern []byte) error
}

// Clock is a monotonic timer counting 100 ns ticks.
type Clock interface {
	Now() uint64
}

// Interrupts brackets timing-sensitive transfers.
// Platforms without an interrupt controller can leave it nil.
type Interrupts interface {
	Disable()
	Enable()
}

// Hardware bundles the collaborators the electrical transport needs.
type Hardware struct {
	Phases      PhaseSampler
	Lines       Lines
	Sampler     Sampler
	Transmitter Transmitter
	Clock       Clock
	Interrupts  Interrupts
}

// TickPerMicrosecond is the number of Clock ticks in one microsecond
const TickPerMicrosecond = 10
