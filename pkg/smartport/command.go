// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import "fmt"

// Command is the decoded view of a command packet.
// Dest and Source are wire bytes; the other fields come from the payload.
type Command struct {
	Dest       uint8
	Source     uint8
	Opcode     uint8
	ParamCount uint8
	Params     []byte
}

// ParseCommand builds a Command from a decoded command packet
func ParseCommand(p *Packet) (Command, error) {
	if !p.IsCommand() {
		return Command{}, fmt.Errorf("%w: type 0x%02X", ErrNotCommand, p.Type())
	}
	data := p.Data()
	if len(data) < 2 {
		return Command{}, fmt.Errorf("%w: command payload %d bytes", ErrTruncated, len(data))
	}
	return Command{
		Dest:       p.Dest(),
		Source:     p.Source(),
		Opcode:     data[0],
		ParamCount: data[1],
		Params:     data[2:],
	}, nil
}

// Base returns the opcode with the extended flag cleared
func (c Command) Base() uint8 {
	return c.Opcode & OpBaseMask
}

// IsExtended reports whether this is a 32-bit extended command
func (c Command) IsExtended() bool {
	return c.Opcode&OpExtended != 0
}

// IsInit reports whether this is an INIT command
func (c Command) IsInit() bool {
	return c.Opcode&0x7F == OpInit
}

// Param returns parameter i, or 0 when the command carries fewer parameters
func (c Command) Param(i int) uint8 {
	if i < 0 || i >= len(c.Params) {
		return 0
	}
	return c.Params[i]
}

// Code returns the status or control code
func (c Command) Code() uint8 {
	return c.Param(2)
}

// BlockNumber returns the block address of READBLOCK/WRITEBLOCK.
// Standard commands carry 24 bits, extended commands 32 bits.
func (c Command) BlockNumber() uint32 {
	n := uint32(c.Param(2)) | uint32(c.Param(3))<<8 | uint32(c.Param(4))<<16
	if c.IsExtended() {
		n |= uint32(c.Param(5)) << 24
	}
	return n
}

// ByteCount returns the transfer length of READ/WRITE
func (c Command) ByteCount() uint16 {
	return uint16(c.Param(2)) | uint16(c.Param(3))<<8
}

// HasDataPacket reports whether the host follows this command with a data packet
func (c Command) HasDataPacket() bool {
	return OpcodeHasDataPacket(c.Opcode)
}

// OpcodeHasDataPacket reports whether op is WRITEBLOCK, CONTROL or WRITE
func OpcodeHasDataPacket(op uint8) bool {
	switch op & OpBaseMask {
	case OpWriteBlock, OpControl, OpWrite:
		return true
	}
	return false
}

// CommandPayload builds the 9-byte payload of a command packet.
// params is padded with zeros to seven bytes.
func CommandPayload(opcode uint8, params []byte) []byte {
	payload := make([]byte, 2+GroupSize)
	payload[0] = opcode
	payload[1] = uint8(commandParamCount(opcode))
	copy(payload[2:], params)
	return payload
}

// EncodeCommand builds a host-to-device command packet
func EncodeCommand(dest, opcode uint8, params []byte) ([]byte, error) {
	ptype := uint8(PacketTypeCommand)
	if opcode&OpExtended != 0 {
		ptype = PacketTypeExtCommand
	}
	return EncodePacketFromValues(dest, HostAddress, ptype, AuxByte, 0, CommandPayload(opcode, params))
}

// commandParamCount returns the parameter count the host sends for op
func commandParamCount(op uint8) int {
	switch op & OpBaseMask {
	case OpStatus, OpReadBlock, OpWriteBlock, OpControl:
		return 3
	case OpFormat, OpInit, OpOpen, OpClose:
		return 1
	case OpRead, OpWrite:
		return 4
	}
	return 0
}
