// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// ============================================================
// Codec Fuzz Tests
// ============================================================

// TestFuzzCodec_RoundTrip encodes random payloads of 0..512 bytes and decodes them back
func TestFuzzCodec_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	d := NewDecoder()
	for i := 0; i < rounds; i++ {
		n := rng.Intn(BlockSize + 1)
		data := make([]byte, n)
		rng.Read(data)
		source := uint8(rng.Intn(0x7F)) | HighBit
		ptype := []uint8{PacketTypeStatus, PacketTypeData, PacketTypeExtStatus}[rng.Intn(3)]
		status := uint8(rng.Intn(0x80))

		raw, err := EncodeReply(source, ptype, status, data)
		if err != nil {
			t.Fatalf("round %d: encode failed: %v", i, err)
		}
		if len(raw) != EncodedLength(n) {
			t.Fatalf("round %d: length %d, want %d", i, len(raw), EncodedLength(n))
		}

		got, ok := Decode(raw)
		if !ok {
			t.Fatalf("round %d: checksum failure for n=%d", i, n)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round %d: payload mismatch for n=%d", i, n)
		}

		p, err := d.DecodePacket(raw)
		if err != nil {
			t.Fatalf("round %d: DecodePacket failed: %v", i, err)
		}
		if p.Source() != source || p.Type() != ptype || p.Status() != status {
			t.Fatalf("round %d: header mismatch src=%02X type=%02X stat=%02X", i, p.Source(), p.Type(), p.Status())
		}
	}
}

// TestFuzzDecoder_RandomBytes feeds random buffers to the decoder
// and verifies it doesn't crash or panic
func TestFuzzDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	d := NewDecoder()
	d.LironWorkaround = true
	for i := 0; i < rounds; i++ {
		length := rng.Intn(BlockPacketLen) + 1
		data := make([]byte, length)
		rng.Read(data)

		// Plant a start byte so the header parser is exercised
		if length > 10 && rng.Intn(2) == 0 {
			data[rng.Intn(5)] = StartByte
		}

		d.DecodePacket(data)
		Decode(data)
		ValidatePacket(data)
	}
}

// TestFuzzDecoder_Truncation decodes every prefix of a valid packet
func TestFuzzDecoder_Truncation(t *testing.T) {
	rounds := getFuzzRounds() / 10
	if rounds == 0 {
		rounds = 1
	}
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		data := make([]byte, rng.Intn(64))
		rng.Read(data)
		raw := MustEncodeReply(0x81, PacketTypeData, 0, data)

		// The end byte is not needed to decode, the checksum is
		for cut := 0; cut < len(raw)-1; cut++ {
			if _, ok := Decode(raw[:cut]); ok {
				t.Fatalf("round %d: prefix of %d/%d bytes decoded as valid", i, cut, len(raw))
			}
		}
	}
}
