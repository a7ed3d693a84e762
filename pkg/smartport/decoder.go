// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import (
	"bytes"
	"fmt"
	"time"
)

// Decoder decodes captured SmartPort packets.
//
// A Decoder remembers the checksum of the last rejected packet so that the
// resend shim can be applied. It is not safe for concurrent use.
type Decoder struct {
	// LironWorkaround accepts a large packet whose checksum mismatches in
	// the same way twice in a row. Some Liron controllers resend such packets.
	LironWorkaround bool

	lastChecksum uint8
	haveLast     bool
}

// NewDecoder creates a new packet decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset forgets the last mismatching checksum
func (d *Decoder) Reset() {
	d.lastChecksum = 0
	d.haveLast = false
}

// Decode reverses the encoding and verifies the checksum and framing bits.
// ok is false if the packet could not be parsed, a framing bit was wrong or
// the checksum mismatched.
func Decode(raw []byte) ([]byte, bool) {
	p, err := decodeFrame(raw)
	if err != nil {
		return nil, false
	}
	if p.framing != nil || p.computed != p.checksum {
		return p.data, false
	}
	return p.data, true
}

// DecodePacket decodes raw into a Packet, applying the resend shim if enabled.
func (d *Decoder) DecodePacket(raw []byte) (*Packet, error) {
	p, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}

	if p.framing != nil {
		return p.Packet, fmt.Errorf("%w: %v", ErrChecksum, p.framing)
	}

	if p.computed != p.checksum {
		size := p.OddCount() + p.GroupCount()*GroupSize
		if d.LironWorkaround && size > 0xFF && size < 0x200 && d.haveLast && d.lastChecksum == p.computed {
			return p.Packet, nil
		}
		d.lastChecksum = p.computed
		d.haveLast = true
		return p.Packet, fmt.Errorf("%w: computed 0x%02X, received 0x%02X", ErrChecksum, p.computed, p.checksum)
	}

	return p.Packet, nil
}

// decodedFrame is a Packet plus the checksum recomputed from its contents
type decodedFrame struct {
	*Packet
	computed uint8
	framing  error // first framing bit found wrong, if any
}

// decodeFrame locates the start byte and unpacks header, payload and trailer
func decodeFrame(raw []byte) (decodedFrame, error) {
	s := bytes.IndexByte(raw, StartByte)
	if s < 0 {
		return decodedFrame{}, ErrNoStartByte
	}
	if len(raw) < s+offPayload {
		return decodedFrame{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(raw), s+offPayload)
	}

	p := &Packet{
		dest:      raw[s+offDest],
		source:    raw[s+offSource],
		ptype:     raw[s+offType],
		aux:       raw[s+offAux],
		status:    raw[s+offStatus],
		oddCount:  raw[s+offOddCount],
		groups:    raw[s+offGroupCount],
		raw:       raw,
		timestamp: time.Now(),
	}

	numOdd := p.OddCount()
	numGroups := p.GroupCount()
	if numOdd >= GroupSize {
		return decodedFrame{}, fmt.Errorf("%w: odd count %d", ErrTruncated, numOdd)
	}

	need := s + offPayload + numOdd + numGroups*8 + 2
	if numOdd != 0 {
		need++
	}
	if len(raw) < need {
		return decodedFrame{}, fmt.Errorf("%w: %d bytes, counts need %d", ErrTruncated, len(raw), need)
	}

	data := make([]byte, numOdd+numGroups*GroupSize)
	idx := s + offPayload

	if numOdd != 0 {
		oddMSB := raw[idx]
		idx++
		for k := 0; k < numOdd; k++ {
			data[k] = ((oddMSB << (k + 1)) & 0x80) | (raw[idx] & 0x7F)
			idx++
		}
	}

	for g := 0; g < numGroups; g++ {
		grpMSB := raw[idx]
		idx++
		for i := 0; i < GroupSize; i++ {
			data[numOdd+g*GroupSize+i] = ((grpMSB << (i + 1)) & 0x80) | (raw[idx] & 0x7F)
			idx++
		}
	}

	p.data = data
	p.checksum = JoinChecksum(raw[idx], raw[idx+1])

	return decodedFrame{
		Packet:   p,
		computed: CalculateChecksum(raw[s+offDest:s+offPayload], data),
		framing:  checkFraming(raw[s+offDest:idx+2], numOdd),
	}, nil
}

// checkFraming verifies the bits that carry no data: the high bit of every
// header and payload byte, the unused low bits of the odd MSB byte and the
// 0xAA pattern of both checksum bytes. frame runs from the destination byte
// through the second checksum byte.
func checkFraming(frame []byte, numOdd int) error {
	chk := len(frame) - 2
	for i, b := range frame[:chk] {
		if b&HighBit == 0 {
			return fmt.Errorf("byte %d (0x%02X) missing framing bit", i, b)
		}
	}
	if numOdd != 0 {
		unused := byte(0x80>>numOdd) - 1
		if b := frame[HeaderSize]; b&unused != 0 {
			return fmt.Errorf("odd MSB byte 0x%02X has unused bits set", b)
		}
	}
	for _, b := range frame[chk:] {
		if b&ChecksumPad != ChecksumPad {
			return fmt.Errorf("checksum byte 0x%02X does not carry the 0xAA pattern", b)
		}
	}
	return nil
}
