// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

// CalculateChecksum XORs the raw payload with the seven header bytes
func CalculateChecksum(header []byte, data []byte) uint8 {
	var chk uint8
	for _, b := range data {
		chk ^= b
	}
	for _, b := range header {
		chk ^= b
	}
	return chk
}

// SplitChecksum spreads the checksum bits over two framing-safe bytes
func SplitChecksum(chk uint8) (uint8, uint8) {
	return chk | ChecksumPad, (chk >> 1) | ChecksumPad
}

// JoinChecksum recovers the checksum from its two wire bytes
func JoinChecksum(b1, b2 uint8) uint8 {
	return (b1 & 0x55) | ((b2 & 0x55) << 1)
}
