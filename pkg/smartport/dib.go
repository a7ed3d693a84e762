// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import "fmt"

// BuildDIB builds a Device Information Block status reply.
// The name is truncated or padded with spaces to DIBNameLength.
func BuildDIB(status uint8, blocks uint32, name string, devType, subtype uint8, version [2]byte) []byte {
	dib := make([]byte, 0, DIBSize)
	dib = append(dib, status, byte(blocks), byte(blocks>>8), byte(blocks>>16))

	if len(name) > DIBNameLength {
		name = name[:DIBNameLength]
	}
	dib = append(dib, byte(len(name)))
	dib = append(dib, name...)
	for i := len(name); i < DIBNameLength; i++ {
		dib = append(dib, ' ')
	}

	dib = append(dib, devType, subtype, version[0], version[1])
	return dib
}

// BuildStatus builds a general status reply with a 24-bit block count
func BuildStatus(status uint8, blocks uint32) []byte {
	return []byte{status, byte(blocks), byte(blocks >> 8), byte(blocks >> 16)}
}

// BuildExtStatus builds an extended status reply with a 32-bit block count
func BuildExtStatus(status uint8, blocks uint32) []byte {
	return []byte{status, byte(blocks), byte(blocks >> 8), byte(blocks >> 16), byte(blocks >> 24)}
}

// DIB is a parsed Device Information Block
type DIB struct {
	Status  uint8
	Blocks  uint32
	Name    string
	Type    uint8
	Subtype uint8
	Version [2]byte
}

// ParseDIB decodes a DIB reply. Extended replies carry a 4-byte block count.
func ParseDIB(data []byte, extended bool) (DIB, error) {
	countLen := 3
	if extended {
		countLen = 4
	}
	if len(data) < DIBSize+countLen-3 {
		return DIB{}, fmt.Errorf("%w: DIB %d bytes", ErrTruncated, len(data))
	}

	var d DIB
	d.Status = data[0]
	for i := 0; i < countLen; i++ {
		d.Blocks |= uint32(data[1+i]) << (8 * i)
	}
	rest := data[1+countLen:]
	n := int(rest[0])
	if n > DIBNameLength {
		n = DIBNameLength
	}
	d.Name = string(rest[1 : 1+n])
	rest = rest[1+DIBNameLength:]
	d.Type, d.Subtype = rest[0], rest[1]
	d.Version = [2]byte{rest[2], rest[3]}
	return d, nil
}
