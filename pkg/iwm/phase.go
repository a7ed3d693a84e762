// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

// Phase is the bus state derived from the phase vector.
type Phase uint8

// Bus phases.
const (
	PhaseIdle Phase = iota
	PhaseReset
	PhaseEnable
)

// Phase vectors. Bit 0 is PH0 (REQ).
const (
	VectorIdle      uint8 = 0b0000
	VectorEnable    uint8 = 0b1010
	VectorEnableReq uint8 = 0b1011
	VectorReset     uint8 = 0b0101
	phaseVectorMask uint8 = 0b1111
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseReset:
		return "reset"
	case PhaseEnable:
		return "enable"
	default:
		return "idle"
	}
}

// ClassifyPhase maps a phase vector to a bus phase.
// Unknown combinations are Idle.
func ClassifyPhase(vector uint8) Phase {
	switch vector & phaseVectorMask {
	case VectorEnable, VectorEnableReq:
		return PhaseEnable
	case VectorReset:
		return PhaseReset
	default:
		return PhaseIdle
	}
}
