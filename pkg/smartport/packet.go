// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import "time"

// Packet represents a decoded SmartPort packet
type Packet struct {
	dest      uint8
	source    uint8
	ptype     uint8
	aux       uint8
	status    uint8
	oddCount  uint8
	groups    uint8
	data      []byte
	checksum  uint8
	raw       []byte
	timestamp time.Time
}

// NewPacket creates a packet from header values and raw payload.
// Header values are stored as wire bytes, with the framing bit set.
func NewPacket(dest, source, ptype, aux, status uint8, data []byte) *Packet {
	p := &Packet{
		dest:      dest | HighBit,
		source:    source | HighBit,
		ptype:     ptype | HighBit,
		aux:       aux | HighBit,
		status:    status | HighBit,
		oddCount:  uint8(len(data)%GroupSize) | HighBit,
		groups:    uint8(len(data)/GroupSize) | HighBit,
		data:      data,
		timestamp: time.Now(),
	}
	p.checksum = CalculateChecksum(p.header(), data)
	return p
}

// header returns the seven header bytes as they appear on the wire
func (p *Packet) header() []byte {
	return []byte{p.dest, p.source, p.ptype, p.aux, p.status, p.oddCount, p.groups}
}

// Dest returns the destination address byte
func (p *Packet) Dest() uint8 {
	return p.dest
}

// Source returns the source address
func (p *Packet) Source() uint8 {
	return p.source
}

// Type returns the packet type (0x80, 0x81, 0x82...)
func (p *Packet) Type() uint8 {
	return p.ptype
}

// Aux returns the aux byte
func (p *Packet) Aux() uint8 {
	return p.aux
}

// Status returns the status byte with the framing bit stripped
func (p *Packet) Status() uint8 {
	return p.status &^ HighBit
}

// RawStatus returns the status byte as it appears on the wire
func (p *Packet) RawStatus() uint8 {
	return p.status
}

// OddCount returns the number of odd bytes
func (p *Packet) OddCount() int {
	return int(p.oddCount &^ HighBit)
}

// GroupCount returns the number of 7-byte groups
func (p *Packet) GroupCount() int {
	return int(p.groups &^ HighBit)
}

// Data returns the decoded payload
func (p *Packet) Data() []byte {
	return p.data
}

// Checksum returns the checksum carried in the packet trailer
func (p *Packet) Checksum() uint8 {
	return p.checksum
}

// Raw returns the wire bytes the packet was decoded from (nil for built packets)
func (p *Packet) Raw() []byte {
	return p.raw
}

// Timestamp returns the packet's decode timestamp
func (p *Packet) Timestamp() time.Time {
	return p.timestamp
}

// IsCommand reports whether the packet is a standard or extended command
func (p *Packet) IsCommand() bool {
	t := p.Type()
	return t == PacketTypeCommand || t == PacketTypeExtCommand
}
