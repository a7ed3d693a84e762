// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import (
	"bytes"
	"fmt"
)

// AnomalyType represents different types of framing anomalies
type AnomalyType int

const (
	AnomalyMissingStart AnomalyType = iota
	AnomalyHighBitClear
	AnomalyInvalidCount
	AnomalyLengthMismatch
	AnomalyChecksumPattern
	AnomalyMissingEnd
	AnomalyChecksumError
	AnomalyUnknownType
)

// ValidationError represents a packet validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePacket checks the framing of raw wire bytes.
// Returns a slice of validation errors (empty if the frame is well formed)
func ValidatePacket(raw []byte) []ValidationError {
	s := bytes.IndexByte(raw, StartByte)
	if s < 0 {
		return []ValidationError{{
			Type:    AnomalyMissingStart,
			Message: "no start byte (0xC3) in buffer",
			Details: map[string]interface{}{"length": len(raw)},
		}}
	}
	if len(raw) < s+offPayload {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("header truncated: %d bytes after start", len(raw)-s-1),
			Details: map[string]interface{}{"length": len(raw) - s - 1, "expected": HeaderSize},
		}}
	}

	errors := []ValidationError{}

	header := raw[s+offDest : s+offPayload]
	for i, b := range header {
		if b&HighBit == 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyHighBitClear,
				Message: fmt.Sprintf("header byte %d (0x%02X) missing framing bit", i, b),
				Details: map[string]interface{}{"offset": s + offDest + i, "value": b},
			})
		}
	}

	switch raw[s+offType] {
	case PacketTypeCommand, PacketTypeStatus, PacketTypeData,
		PacketTypeExtCommand, PacketTypeExtStatus, PacketTypeExtData:
	default:
		errors = append(errors, ValidationError{
			Type:    AnomalyUnknownType,
			Message: fmt.Sprintf("unknown packet type 0x%02X", raw[s+offType]),
			Details: map[string]interface{}{"type": raw[s+offType]},
		})
	}

	numOdd := int(raw[s+offOddCount] &^ HighBit)
	numGroups := int(raw[s+offGroupCount] &^ HighBit)
	if numOdd >= GroupSize {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidCount,
			Message: fmt.Sprintf("odd count %d (max %d)", numOdd, GroupSize-1),
			Details: map[string]interface{}{"odd": numOdd, "max": GroupSize - 1},
		})
		return errors
	}

	payloadLen := numOdd + numGroups*8
	if numOdd != 0 {
		payloadLen++
	}
	end := s + offPayload + payloadLen + 2
	if len(raw) < end {
		errors = append(errors, ValidationError{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("counts need %d bytes, buffer has %d", end-s, len(raw)-s),
			Details: map[string]interface{}{"length": len(raw) - s, "expected": end - s},
		})
		return errors
	}

	for i := s + offPayload; i < s+offPayload+payloadLen; i++ {
		if raw[i]&HighBit == 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyHighBitClear,
				Message: fmt.Sprintf("payload byte at %d (0x%02X) missing framing bit", i, raw[i]),
				Details: map[string]interface{}{"offset": i, "value": raw[i]},
			})
		}
	}

	c1, c2 := raw[end-2], raw[end-1]
	if c1&ChecksumPad != ChecksumPad || c2&ChecksumPad != ChecksumPad {
		errors = append(errors, ValidationError{
			Type:    AnomalyChecksumPattern,
			Message: fmt.Sprintf("checksum bytes 0x%02X 0x%02X do not carry the 0xAA pattern", c1, c2),
			Details: map[string]interface{}{"chk1": c1, "chk2": c2},
		})
	}

	if len(raw) <= end || raw[end] != EndByte {
		errors = append(errors, ValidationError{
			Type:    AnomalyMissingEnd,
			Message: "end byte (0xC8) missing after checksum",
			Details: map[string]interface{}{"offset": end},
		})
	}

	if _, ok := Decode(raw); !ok {
		errors = append(errors, ValidationError{
			Type:    AnomalyChecksumError,
			Message: "checksum mismatch",
		})
	}

	return errors
}
