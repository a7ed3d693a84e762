// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim provides a simulated SmartPort host and electrical layer.
//
// Host implements every hardware collaborator of iwm.Transport on a virtual
// clock. It plays the host side of the REQ/ACK handshake in reaction to the
// ACK changes made by the device, so a whole bus transaction runs in a single
// goroutine: Transact raises REQ, calls Bus.HandlePhaseEdge on each REQ edge
// and Bus.Service until the reply has been received.
package sim

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

// DefaultSampleRate gives 8 samples per bit cell
const DefaultSampleRate = 2_000_000

// DefaultMaxSteps bounds the service polls per transaction
const DefaultMaxSteps = 64

// resetPolls is how many phase samples a reset is held for
const resetPolls = 4

// ErrNoReply is returned when the device never answered
var ErrNoReply = errors.New("sim: no reply from device")

// stage is the host side of one transaction
type stage int

const (
	stageIdle      stage = iota
	stageCommand         // REQ high, command packet on write-data
	stageDataWait        // command taken, waiting for ACK release before data
	stageData            // REQ high, data packet on write-data
	stageReplyWait       // waiting for ACK release before the reply
	stageReply           // REQ high, receiving
	stageDone
)

// Host is a simulated SmartPort host controller. Not safe for concurrent use.
type Host struct {
	rate     int
	now      uint64
	bus      *iwm.Bus
	maxSteps int

	enabled     bool
	req         bool
	ack         bool // true while asserted (driven low)
	reset       int
	stage       stage
	edgePending bool

	command   []byte
	data      []byte
	reply     []byte
	corrupt   bool
	transmits int

	// Transcript receives a line for each transaction when set
	Transcript func(line string)
}

// NewHost creates an idle host sampling at rate Hz
func NewHost(rate int) *Host {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &Host{rate: rate, maxSteps: DefaultMaxSteps}
}

// Hardware returns the collaborators to build an iwm.Transport on
func (h *Host) Hardware() iwm.Hardware {
	return iwm.Hardware{
		Phases:      h,
		Lines:       h,
		Sampler:     h,
		Transmitter: h,
		Clock:       h,
	}
}

// Attach connects the bus that answers this host
func (h *Host) Attach(bus *iwm.Bus) {
	h.bus = bus
}

// New builds a transport, a bus over registry and a host driving both
func New(registry *iwm.Registry) (*Host, *iwm.Bus) {
	h := NewHost(DefaultSampleRate)
	tr := iwm.NewTransport(h.Hardware(), iwm.DefaultTransportConfig())
	bus := iwm.NewBus(tr, registry, iwm.DefaultBusConfig())
	h.Attach(bus)
	return h, bus
}

// ---- hardware collaborators ----

// Now advances virtual time by one tick per call
func (h *Host) Now() uint64 {
	h.now++
	return h.now
}

// PhaseVector returns the phase lines driven by the host
func (h *Host) PhaseVector() uint8 {
	if h.reset > 0 {
		h.reset--
		return iwm.VectorReset
	}
	if !h.enabled {
		return iwm.VectorIdle
	}
	if h.req {
		return iwm.VectorEnableReq
	}
	return iwm.VectorEnable
}

// REQ returns the PH0 level
func (h *Host) REQ() bool {
	return h.req
}

// SetACK releases ACK. The host answers by raising REQ for its next send or receive.
func (h *Host) SetACK() {
	h.ack = false
	switch h.stage {
	case stageDataWait:
		h.stage = stageData
		h.raiseREQ()
	case stageReplyWait:
		h.stage = stageReply
		h.req = true
	}
}

// ClearACK asserts ACK. The host takes it as the end of the current packet.
func (h *Host) ClearACK() {
	h.ack = true
	switch h.stage {
	case stageCommand:
		h.req = false
		if h.data != nil {
			h.stage = stageDataWait
		} else {
			h.stage = stageReplyWait
		}
	case stageData:
		h.req = false
		h.stage = stageReplyWait
	case stageReply:
		h.req = false
		if h.reply != nil {
			h.stage = stageDone
		}
	}
}

func (h *Host) raiseREQ() {
	h.req = true
	h.edgePending = true
}

// SampleRate returns the capture rate
func (h *Host) SampleRate() int {
	return h.rate
}

// Capture returns the write-data waveform of the packet being sent
func (h *Host) Capture(samples int) []byte {
	var frame []byte
	switch h.stage {
	case stageCommand:
		frame = h.command
	case stageData:
		frame = h.data
	}
	return renderLine(frame, h.rate, samples)
}

// Transmit receives a reply pattern from the device
func (h *Host) Transmit(pattern []byte) error {
	h.transmits++
	if h.stage != stageReply {
		return fmt.Errorf("sim: transmit while host is not receiving (stage %d)", h.stage)
	}
	h.reply = iwm.DecodeSPI(pattern)
	return nil
}

// renderLine pads the encoded waveform to the requested sample count with the final line level
func renderLine(frame []byte, rate, samples int) []byte {
	out := make([]byte, (samples+7)/8)
	if len(frame) == 0 {
		for i := range out {
			out[i] = 0xFF
		}
		return out
	}

	line := iwm.EncodeLine(frame, rate)
	encoded := (len(frame)*8 + 2) * iwm.SamplesPerCell(rate)
	last := line[(encoded-1)/8]&(0x80>>((encoded-1)%8)) != 0

	for i := 0; i < samples; i++ {
		level := last
		if i < encoded {
			level = line[i/8]&(0x80>>(i%8)) != 0
		}
		if level {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// ---- transactions ----

// CorruptNextData flips a payload bit of the next data packet sent
func (h *Host) CorruptNextData() {
	h.corrupt = true
}

// Transmits returns the number of reply patterns the device has shifted out
func (h *Host) Transmits() int {
	return h.transmits
}

// Reset pulses the reset phase and lets the bus handle it
func (h *Host) Reset() {
	h.enabled = false
	h.reset = resetPolls
	for h.reset > 0 {
		h.bus.Service()
	}
	h.note("RESET")
}

// Transact sends a command packet, and a data packet if data is not nil,
// then returns the device reply.
func (h *Host) Transact(command, data []byte) (*smartport.Packet, error) {
	if h.bus == nil {
		return nil, errors.New("sim: no bus attached")
	}

	h.command = command
	h.data = nil
	if data != nil {
		h.data = append([]byte(nil), data...)
		if h.corrupt {
			h.data[smartport.SyncLength+1+smartport.HeaderSize+1] ^= 0x01
			h.corrupt = false
		}
	}
	h.reply = nil
	h.enabled = true
	h.stage = stageCommand
	h.raiseREQ()

	defer func() {
		h.enabled = false
		h.req = false
		h.stage = stageIdle
	}()

	for step := 0; step < h.maxSteps && h.stage != stageDone; step++ {
		if h.edgePending {
			h.edgePending = false
			h.bus.HandlePhaseEdge()
		}
		h.bus.Service()
	}

	if h.reply == nil {
		return nil, ErrNoReply
	}
	p, err := smartport.NewDecoder().DecodePacket(h.reply)
	if err != nil {
		return nil, fmt.Errorf("sim: reply: %w", err)
	}
	return p, nil
}

// Command encodes and sends a command, followed by a data packet carrying data when it is not nil
func (h *Host) Command(unit, opcode uint8, params []byte, data []byte) (*smartport.Packet, error) {
	raw, err := smartport.EncodeCommand(unit, opcode, params)
	if err != nil {
		return nil, err
	}

	var dataRaw []byte
	if data != nil {
		ptype := uint8(smartport.PacketTypeData)
		if opcode&smartport.OpExtended != 0 {
			ptype = smartport.PacketTypeExtData
		}
		if dataRaw, err = smartport.EncodePacketFromValues(unit, smartport.HostAddress, ptype, smartport.AuxByte, 0, data); err != nil {
			return nil, err
		}
	}

	p, err := h.Transact(raw, dataRaw)
	if err != nil {
		h.note(fmt.Sprintf("%s unit=%02X: %v", smartport.FormatOpcode(opcode), unit, err))
		return nil, err
	}
	h.note(fmt.Sprintf("%s unit=%02X -> %s", smartport.FormatOpcode(opcode), unit, smartport.FormatPacket(p)))
	return p, nil
}

func (h *Host) note(line string) {
	if h.Transcript != nil {
		h.Transcript(line)
	}
}

// Init sends INIT to unit and returns the reply status (0x7F ends the chain)
func (h *Host) Init(unit uint8) (uint8, error) {
	p, err := h.Command(unit, smartport.OpInit, []byte{0x00}, nil)
	if err != nil {
		return 0, err
	}
	return p.Status(), nil
}

// Enumerate runs INIT from the first unit until the chain ends and returns the assigned units
func (h *Host) Enumerate() ([]uint8, error) {
	var units []uint8
	for unit := uint8(0x81); unit < 0xFF; unit++ {
		status, err := h.Init(unit)
		if err != nil {
			return units, err
		}
		units = append(units, unit)
		if status == smartport.InitEndOfChain&^smartport.HighBit {
			return units, nil
		}
	}
	return units, nil
}

// Status sends STATUS with the given code and returns the reply packet
func (h *Host) Status(unit, code uint8) (*smartport.Packet, error) {
	return h.Command(unit, smartport.OpStatus, []byte{0x01, 0x00, code}, nil)
}

// ReadBlock reads one block and returns its content and the reply status
func (h *Host) ReadBlock(unit uint8, block uint32) ([]byte, uint8, error) {
	p, err := h.Command(unit, smartport.OpReadBlock, blockParams(block), nil)
	if err != nil {
		return nil, 0, err
	}
	return p.Data(), p.Status(), nil
}

// WriteBlock writes one block and returns the reply status
func (h *Host) WriteBlock(unit uint8, block uint32, data []byte) (uint8, error) {
	p, err := h.Command(unit, smartport.OpWriteBlock, blockParams(block), data)
	if err != nil {
		return 0, err
	}
	return p.Status(), nil
}

// Control sends CONTROL with the given code and control list
func (h *Host) Control(unit, code uint8, list []byte) (uint8, error) {
	p, err := h.Command(unit, smartport.OpControl, []byte{0x01, 0x00, code}, list)
	if err != nil {
		return 0, err
	}
	return p.Status(), nil
}

func blockParams(block uint32) []byte {
	return []byte{0x01, 0x00, byte(block), byte(block >> 8), byte(block >> 16)}
}
