// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Statistics tracks bus traffic and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets   uint64
	ValidPackets   uint64
	ChecksumErrors uint64
	DecodeErrors   uint64
	Timeouts       uint64
	Retries        uint64
	Replies        uint64
	Resets         uint64
	Inits          uint64
	Commands       map[uint8]uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
		Commands:       make(map[uint8]uint64),
	}
}

// Update records a received packet and its decode outcome
func (s *Statistics) Update(packet *Packet, decodeErr error) {
	s.TotalPackets++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrChecksum) {
			s.ChecksumErrors++
		} else {
			s.DecodeErrors++
		}
		return
	}

	s.ValidPackets++
	if packet != nil && packet.IsCommand() {
		if cmd, err := ParseCommand(packet); err == nil {
			s.Commands[cmd.Opcode]++
			if cmd.IsInit() {
				s.Inits++
			}
		}
	}
}

// RecordTimeout counts a REQ handshake timeout
func (s *Statistics) RecordTimeout() {
	s.Timeouts++
	s.LastUpdateTime = time.Now()
}

// RecordRetry counts a resend attempt
func (s *Statistics) RecordRetry() {
	s.Retries++
}

// RecordReply counts a reply packet sent to the host
func (s *Statistics) RecordReply() {
	s.Replies++
}

// RecordReset counts a bus reset
func (s *Statistics) RecordReset() {
	s.Resets++
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		errorCount := s.ChecksumErrors + s.DecodeErrors + s.Timeouts
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent, checksumPercent, decodePercent float64
	if s.TotalPackets > 0 {
		validPercent = float64(s.ValidPackets) * 100.0 / float64(s.TotalPackets)
		checksumPercent = float64(s.ChecksumErrors) * 100.0 / float64(s.TotalPackets)
		decodePercent = float64(s.DecodeErrors) * 100.0 / float64(s.TotalPackets)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Packets:   %8d\n", s.TotalPackets)
	result += fmt.Sprintf("Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, validPercent)

	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, checksumPercent)
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, decodePercent)
	}
	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d\n", s.Timeouts)
	}
	if s.Retries > 0 {
		result += fmt.Sprintf("Retries:         %8d\n", s.Retries)
	}
	result += fmt.Sprintf("Replies Sent:    %8d\n", s.Replies)
	result += fmt.Sprintf("Bus Resets:      %8d\n", s.Resets)
	result += fmt.Sprintf("INIT Cycles:     %8d\n", s.Inits)

	if len(s.Commands) > 0 {
		ops := make([]int, 0, len(s.Commands))
		for op := range s.Commands {
			ops = append(ops, int(op))
		}
		sort.Ints(ops)
		result += "Commands:\n"
		for _, op := range ops {
			result += fmt.Sprintf("  %-14s %5d\n", FormatOpcode(uint8(op)), s.Commands[uint8(op)])
		}
	}

	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.TotalPackets = 0
	s.ValidPackets = 0
	s.ChecksumErrors = 0
	s.DecodeErrors = 0
	s.Timeouts = 0
	s.Retries = 0
	s.Replies = 0
	s.Resets = 0
	s.Inits = 0
	s.Commands = make(map[uint8]uint64)
	s.PacketRate = 0
	s.ErrorRate = 0
}
