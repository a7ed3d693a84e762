// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package relay carries SmartPort transactions over a byte stream.
//
// A frame is START, the byte-stuffed body and its CRC-16-CCITT, then END.
// The body is a CBOR Message. The device side wraps a stream in a Link that
// the bus engine polls; the host side drives it with a Client.
package relay

import (
	"fmt"
)

// Framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// MaxBodySize bounds an unstuffed frame body including the CRC.
// A request with a full data packet and a few replies fits comfortably.
const MaxBodySize = 4096

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// CalculateCRC computes CRC-16-CCITT checksum for the given data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EncodeFrame wraps body with its CRC, byte stuffing and framing
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body)+2 > MaxBodySize {
		return nil, fmt.Errorf("%w: body %d bytes (max %d)", ErrFrame, len(body), MaxBodySize-2)
	}

	crc := CalculateCRC(body)
	frame := make([]byte, 0, len(body)*2+6)
	frame = append(frame, StartByte)
	frame = stuff(frame, body)
	frame = stuff(frame, []byte{byte(crc >> 8), byte(crc)})
	return append(frame, EndByte), nil
}

func stuff(dst, data []byte) []byte {
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			dst = append(dst, EscByte, b^EscXor)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

// FrameDecoder reassembles frames from a byte stream.
// Bytes outside a frame are ignored; a START always begins a new frame.
type FrameDecoder struct {
	inFrame    bool
	escapeNext bool
	buf        []byte
}

// NewFrameDecoder creates an idle frame decoder
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{buf: make([]byte, 0, 512)}
}

// Reset drops any partial frame
func (d *FrameDecoder) Reset() {
	d.inFrame = false
	d.escapeNext = false
	d.buf = d.buf[:0]
}

// DecodeByte feeds one byte. It returns the verified body when b completes a
// frame, or an error when the frame is rejected. The body is only valid until
// the next call.
func (d *FrameDecoder) DecodeByte(b byte) ([]byte, error) {
	switch {
	case b == StartByte:
		d.Reset()
		d.inFrame = true
		return nil, nil

	case !d.inFrame:
		return nil, nil

	case b == EndByte:
		defer d.Reset()
		if d.escapeNext {
			return nil, fmt.Errorf("%w: escape before END", ErrFrame)
		}
		if len(d.buf) < 2 {
			return nil, fmt.Errorf("%w: %d byte body", ErrFrame, len(d.buf))
		}
		n := len(d.buf) - 2
		received := uint16(d.buf[n])<<8 | uint16(d.buf[n+1])
		if computed := CalculateCRC(d.buf[:n]); computed != received {
			return nil, fmt.Errorf("%w: computed 0x%04X, received 0x%04X", ErrCRC, computed, received)
		}
		return d.buf[:n], nil

	case b == EscByte && !d.escapeNext:
		d.escapeNext = true
		return nil, nil
	}

	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}
	if len(d.buf) >= MaxBodySize {
		d.Reset()
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFrame, MaxBodySize)
	}
	d.buf = append(d.buf, b)
	return nil, nil
}
