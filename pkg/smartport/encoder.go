// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import "fmt"

// Encoder encodes SmartPort packets for transmission.
// Handles odd/group bit stuffing, checksum and framing.
type Encoder struct{}

// NewEncoder creates a new SmartPort packet encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode encodes a Packet to wire format.
func (e *Encoder) Encode(p *Packet) ([]byte, error) {
	return EncodePacketFromValues(p.Dest(), p.Source(), p.Type(), p.Aux(), p.Status(), p.Data())
}

// EncodeReply builds a device-to-host packet. DEST is always the host.
func EncodeReply(source, ptype, status uint8, data []byte) ([]byte, error) {
	return EncodePacketFromValues(HostAddress, source, ptype, AuxByte, status, data)
}

// MustEncodeReply is EncodeReply for payloads known to be in bounds.
// Panics on encoding error (use EncodeReply for error handling).
func MustEncodeReply(source, ptype, status uint8, data []byte) []byte {
	raw, err := EncodeReply(source, ptype, status, data)
	if err != nil {
		panic(fmt.Sprintf("smartport: encode error: %v", err))
	}
	return raw
}

// EncodedLength returns the wire length of a packet carrying n payload bytes
func EncodedLength(n int) int {
	numOdd := n % GroupSize
	numGroups := n / GroupSize
	length := SyncLength + 1 + HeaderSize + numOdd + numGroups*8 + 2 + 1
	if numOdd != 0 {
		length++
	}
	return length
}

// EncodePacketFromValues creates a complete wire-formatted SmartPort packet.
// Every header byte is sent with its high bit set.
func EncodePacketFromValues(dest, source, ptype, aux, status uint8, data []byte) ([]byte, error) {
	if len(data) > MaxDataLen {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(data), MaxDataLen)
	}

	numOdd := len(data) % GroupSize
	numGroups := len(data) / GroupSize

	header := []byte{
		dest | HighBit,
		source | HighBit,
		ptype | HighBit,
		aux | HighBit,
		status | HighBit,
		uint8(numOdd) | HighBit,
		uint8(numGroups) | HighBit,
	}

	packet := make([]byte, 0, EncodedLength(len(data)))
	packet = append(packet, SyncBytes[:]...)
	packet = append(packet, StartByte)
	packet = append(packet, header...)

	// Odd bytes: one MSB byte, bit 6-k holds the high bit of odd byte k
	if numOdd > 0 {
		oddMSB := uint8(HighBit)
		for k := 0; k < numOdd; k++ {
			oddMSB |= (data[k] & 0x80) >> (1 + k)
		}
		packet = append(packet, oddMSB)
		for k := 0; k < numOdd; k++ {
			packet = append(packet, data[k]|HighBit)
		}
	}

	// Groups of 7: one MSB byte, bit 6-i holds the high bit of group byte i
	for g := 0; g < numGroups; g++ {
		group := data[numOdd+g*GroupSize : numOdd+(g+1)*GroupSize]
		grpMSB := uint8(HighBit)
		for i, b := range group {
			grpMSB |= (b >> (i + 1)) & (0x80 >> (i + 1))
		}
		packet = append(packet, grpMSB)
		for _, b := range group {
			packet = append(packet, b|HighBit)
		}
	}

	chk := CalculateChecksum(header, data)
	c1, c2 := SplitChecksum(chk)
	packet = append(packet, c1, c2, EndByte)

	return packet, nil
}
