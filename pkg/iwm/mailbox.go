// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	"sync/atomic"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// Mode is the command staging state shared by the interrupt side and the poll loop.
type Mode int32

// Staging modes.
const (
	ModeStandby Mode = iota // waiting for a command packet
	ModeRxData              // command staged, waiting for its data packet
	ModeCommand             // command (and data) ready for the poll loop
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeRxData:
		return "rxdata"
	case ModeCommand:
		return "command"
	default:
		return "standby"
	}
}

// Mailbox is a single-slot handoff between one producer and one consumer.
//
// The producer writes the buffers only while the mode is Standby or RxData and
// publishes them by storing ModeCommand. The consumer reads them only in
// ModeCommand and hands the slot back by calling Clear.
type Mailbox struct {
	mode     atomic.Int32
	command  []byte
	data     []byte
	hasData  bool
	verified bool
}

// Staged is a command packet and its optional data packet, as wire bytes.
type Staged struct {
	Command []byte
	Data    []byte
	// DataVerified is set when the producer already accepted the data packet
	DataVerified bool
}

// NewMailbox creates an empty mailbox in Standby
func NewMailbox() *Mailbox {
	return &Mailbox{
		command: make([]byte, 0, smartport.CommandPacketLen),
		data:    make([]byte, 0, smartport.MaxPacketLen),
	}
}

// Mode returns the current staging mode
func (m *Mailbox) Mode() Mode {
	return Mode(m.mode.Load())
}

// TryStageCommand copies a received command packet into the slot.
// With expectData the mailbox waits in RxData for StageData.
// Returns false if the slot is not in Standby.
func (m *Mailbox) TryStageCommand(raw []byte, expectData bool) bool {
	if m.Mode() != ModeStandby {
		return false
	}
	m.command = append(m.command[:0], raw...)
	m.data = m.data[:0]
	m.hasData = false
	m.verified = false
	if expectData {
		m.mode.Store(int32(ModeRxData))
	} else {
		m.mode.Store(int32(ModeCommand))
	}
	return true
}

// StageData copies the accepted data packet that follows a staged command and
// publishes both. Returns false if no command is waiting for data.
func (m *Mailbox) StageData(raw []byte) bool {
	if m.Mode() != ModeRxData {
		return false
	}
	m.data = append(m.data[:0], raw...)
	m.hasData = true
	m.verified = true
	m.mode.Store(int32(ModeCommand))
	return true
}

// Stage copies a command packet and its optional data packet in one step.
// Used by links that receive whole transactions at once.
func (m *Mailbox) Stage(command, data []byte) bool {
	if m.Mode() != ModeStandby {
		return false
	}
	m.command = append(m.command[:0], command...)
	m.data = append(m.data[:0], data...)
	m.hasData = data != nil
	m.verified = false
	m.mode.Store(int32(ModeCommand))
	return true
}

// Consume returns the staged packets. The slices stay owned by the mailbox
// and are valid until Clear.
func (m *Mailbox) Consume() (Staged, bool) {
	if m.Mode() != ModeCommand {
		return Staged{}, false
	}
	st := Staged{Command: m.command, DataVerified: m.verified}
	if m.hasData {
		st.Data = m.data
	}
	return st, true
}

// Clear empties the slot and returns it to Standby
func (m *Mailbox) Clear() {
	m.command = m.command[:0]
	m.data = m.data[:0]
	m.hasData = false
	m.verified = false
	m.mode.Store(int32(ModeStandby))
}
