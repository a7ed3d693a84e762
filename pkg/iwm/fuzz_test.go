// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, or 200 by default
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 200
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

func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomPayload(rng *rand.Rand) []byte {
	data := make([]byte, rng.Intn(smartport.MaxDataLen+1))
	rng.Read(data)
	return data
}

// ============================================================
// Line Fuzz Tests
// ============================================================

// TestFuzzLine_RoundTrip renders random frames as write-data waveforms and decodes them back
func TestFuzzLine_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	rates := []int{1_000_000, 2_000_000, 4_000_000}

	for i := 0; i < rounds; i++ {
		rate := rates[rng.Intn(len(rates))]
		data := randomPayload(rng)
		frame := smartport.MustEncodeReply(0x81+uint8(rng.Intn(8)), smartport.PacketTypeData, 0, data)

		raw := NewLineDecoder(rate).DecodeStream(EncodeLine(frame, rate), smartport.MaxPacketLen)
		got, ok := smartport.Decode(raw)
		if !ok {
			t.Fatalf("round %d: %d bytes at %d Hz failed to decode", i, len(data), rate)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("round %d: payload mismatch at %d Hz", i, rate)
		}
	}
}

// TestFuzzSPI_RoundTrip checks that encoded frames survive the SPI pulse pattern
func TestFuzzSPI_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		frame := smartport.MustEncodeReply(0x81, smartport.PacketTypeStatus, uint8(rng.Intn(0x80)), randomPayload(rng))
		if got := DecodeSPI(EncodeSPI(frame)); !bytes.Equal(got, frame) {
			t.Fatalf("round %d: SPI pattern does not round trip", i)
		}
	}
}

// ============================================================
// Mailbox Fuzz Tests
// ============================================================

// TestFuzzMailbox_Sequences drives random producer/consumer calls and checks the slot never
// hands out a half-staged transaction
func TestFuzzMailbox_Sequences(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	m := NewMailbox()

	for i := 0; i < rounds*10; i++ {
		switch rng.Intn(4) {
		case 0:
			expect := rng.Intn(2) == 0
			before := m.Mode()
			if ok := m.TryStageCommand([]byte{byte(i)}, expect); ok != (before == ModeStandby) {
				t.Fatalf("step %d: TryStageCommand=%v in %s", i, ok, before)
			}
		case 1:
			before := m.Mode()
			if ok := m.StageData([]byte{byte(i), 1}); ok != (before == ModeRxData) {
				t.Fatalf("step %d: StageData=%v in %s", i, ok, before)
			}
		case 2:
			st, ok := m.Consume()
			if ok != (m.Mode() == ModeCommand) {
				t.Fatalf("step %d: Consume=%v in %s", i, ok, m.Mode())
			}
			if ok && len(st.Command) != 1 {
				t.Fatalf("step %d: consumed command of %d bytes", i, len(st.Command))
			}
		case 3:
			m.Clear()
			if m.Mode() != ModeStandby {
				t.Fatalf("step %d: Clear left %s", i, m.Mode())
			}
		}
	}
}
