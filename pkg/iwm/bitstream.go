// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import "github.com/Thermoquad/smartport/pkg/smartport"

// Bit cell timing on the SmartPort data lines
const (
	CellMicros    = 4
	GapMicros     = 19
	SPIBytesPerIn = 4
)

// EncodeSPI converts a wire frame to the pulse pattern shifted out on read-data.
// Each output byte carries two bit cells: 0x40 for the first, 0x04 for the second.
// Encoding stops at the first zero byte, which never occurs in a valid frame.
func EncodeSPI(frame []byte) []byte {
	pattern := make([]byte, 0, len(frame)*SPIBytesPerIn)
	for _, b := range frame {
		if b == 0 {
			break
		}
		mask := byte(0x80)
		for k := 0; k < SPIBytesPerIn; k++ {
			var out byte
			if b&mask != 0 {
				out |= 0x40
			}
			mask >>= 1
			if b&mask != 0 {
				out |= 0x04
			}
			mask >>= 1
			pattern = append(pattern, out)
		}
	}
	return pattern
}

// DecodeSPI reverses EncodeSPI
func DecodeSPI(pattern []byte) []byte {
	frame := make([]byte, 0, len(pattern)/SPIBytesPerIn)
	for i := 0; i+SPIBytesPerIn <= len(pattern); i += SPIBytesPerIn {
		var b byte
		for k := 0; k < SPIBytesPerIn; k++ {
			b <<= 2
			if pattern[i+k]&0x40 != 0 {
				b |= 0x02
			}
			if pattern[i+k]&0x04 != 0 {
				b |= 0x01
			}
		}
		frame = append(frame, b)
	}
	return frame
}

// SamplesPerCell returns the number of line samples in one 4 µs bit cell
func SamplesPerCell(sampleRate int) int {
	return CellMicros * sampleRate / 1_000_000
}

// CaptureSamples returns the sample count needed to capture n packet bytes.
// The window is stretched by 10% for slower hosts.
func CaptureSamples(n int, sampleRate int) int {
	return n * 11 / 10 * 8 * SamplesPerCell(sampleRate)
}

// bitReader walks packed MSB-first samples
type bitReader struct {
	src    []byte
	offset int
}

func (r *bitReader) more() bool {
	return r.offset/8 < len(r.src)
}

func (r *bitReader) next() bool {
	v := (r.src[r.offset/8]<<(r.offset%8))&0x80 != 0
	r.offset++
	return v
}

// LineDecoder recovers bytes from oversampled write-data samples.
type LineDecoder struct {
	samplesPerCell int
	halfCell       int
	gapSamples     int
	prevLevel      bool
}

// NewLineDecoder creates a decoder for the given sample rate.
// The line is assumed idle high.
func NewLineDecoder(sampleRate int) *LineDecoder {
	spc := SamplesPerCell(sampleRate)
	return &LineDecoder{
		samplesPerCell: spc,
		halfCell:       spc / 2,
		gapSamples:     sampleRate * GapMicros / 1_000_000,
		prevLevel:      true,
	}
}

// decodeByte reads eight bit cells. A level change inside a cell is a 1 and
// resynchronises the cell window to the edge. After the byte it waits up to
// the gap timeout for the edge that starts the next byte; more is false when
// that edge never comes or the samples run out.
func (d *LineDecoder) decodeByte(r *bitReader) (value byte, more bool) {
	more = true
	for numBits := 8; numBits > 0; numBits-- {
		bit := false
		for idx := 0; idx < d.samplesPerCell; idx++ {
			if !r.more() {
				numBits = 1
				more = false
				break
			}
			level := r.next()
			if level != d.prevLevel {
				bit = true
				idx = d.halfCell
			}
			d.prevLevel = level
		}
		value <<= 1
		if bit {
			value |= 1
		}
	}

	// The edge that ends the gap is left for the next byte's first bit
	timeout := d.gapSamples
	for ; timeout > 0; timeout-- {
		if !r.more() {
			more = false
			break
		}
		if r.next() != d.prevLevel {
			break
		}
	}
	if timeout == 0 {
		more = false
	}

	return value, more
}

// DecodeStream decodes a captured sample buffer into a receive buffer.
// Until the start byte is seen the output index is rewound so that the start
// byte always lands just after five sync bytes. Decoding stops once maxLen
// bytes have been produced or the line goes quiet.
func (d *LineDecoder) DecodeStream(samples []byte, maxLen int) []byte {
	out := make([]byte, maxLen+1)
	r := &bitReader{src: samples}
	idx := 0
	synced := false
	n := 0

	for {
		b, more := d.decodeByte(r)
		if b == smartport.StartByte && !synced {
			synced = true
			idx = smartport.SyncLength - 1
		}
		out[idx] = b
		idx++
		if idx > n {
			n = idx
		}
		if idx > maxLen || !more {
			break
		}
	}

	return out[:n]
}

// EncodeLine renders a frame as the write-data waveform a host would drive.
// A 1 bit toggles the line at mid-cell, a 0 bit leaves it alone. The line
// starts high. Samples are packed MSB first.
func EncodeLine(frame []byte, sampleRate int) []byte {
	spc := SamplesPerCell(sampleRate)
	half := spc / 2
	total := (len(frame)*8 + 2) * spc
	out := make([]byte, (total+7)/8)

	level := true
	pos := 0
	put := func(count int) {
		for i := 0; i < count; i++ {
			if level {
				out[pos/8] |= 0x80 >> (pos % 8)
			}
			pos++
		}
	}

	for _, b := range frame {
		for bit := 7; bit >= 0; bit-- {
			put(half)
			if b&(1<<bit) != 0 {
				level = !level
			}
			put(spc - half)
		}
	}
	put(total - pos)

	return out
}
