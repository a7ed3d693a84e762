// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	"fmt"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// Link is the packet-level view of the bus used by the state machine.
// The electrical Transport and the network relay both implement it.
type Link interface {
	// PhaseVector samples the four phase lines.
	PhaseVector() uint8
	// WaitREQ waits for REQ to reach level within ticks (100 ns units).
	WaitREQ(level bool, ticks uint64) error
	// SetACK releases ACK (deasserted, high impedance).
	SetACK()
	// ClearACK asserts ACK.
	ClearACK()
	// ReceivePacket captures up to expectedLen bytes and verifies the checksum.
	// On checksum failure the captured bytes are returned with the error.
	ReceivePacket(expectedLen int) ([]byte, error)
	// SendPacket transmits an encoded frame, retrying as the link sees fit.
	SendPacket(raw []byte) error
}

// MailboxStager is implemented by links that receive whole transactions on
// their own and stage them directly instead of relying on HandlePhaseEdge.
type MailboxStager interface {
	AttachMailbox(m *Mailbox)
}

// TransportConfig holds handshake timeouts in 100 ns ticks
type TransportConfig struct {
	SendReqRising   uint64
	SendReqFalling  uint64
	SendRecover     uint64
	RecvReqRising   uint64
	SendRetries     int
	LironWorkaround bool
}

// DefaultTransportConfig returns the timing used by real SmartPort hosts
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		SendReqRising:  300000,
		SendReqFalling: 5000,
		SendRecover:    100000,
		RecvReqRising:  10000,
		SendRetries:    5,
	}
}

// Transport drives the REQ/ACK handshake around single packet transfers.
type Transport struct {
	hw      Hardware
	cfg     TransportConfig
	decoder *smartport.Decoder
	line    *LineDecoder
}

// NewTransport creates an electrical transport over the given hardware
func NewTransport(hw Hardware, cfg TransportConfig) *Transport {
	d := smartport.NewDecoder()
	d.LironWorkaround = cfg.LironWorkaround
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = 1
	}
	return &Transport{
		hw:      hw,
		cfg:     cfg,
		decoder: d,
		line:    NewLineDecoder(hw.Sampler.SampleRate()),
	}
}

// PhaseVector samples the phase lines
func (t *Transport) PhaseVector() uint8 {
	return t.hw.Phases.PhaseVector()
}

// SetACK releases ACK
func (t *Transport) SetACK() {
	t.hw.Lines.SetACK()
}

// ClearACK asserts ACK
func (t *Transport) ClearACK() {
	t.hw.Lines.ClearACK()
}

// WaitREQ busy-waits for REQ to reach level
func (t *Transport) WaitREQ(level bool, ticks uint64) error {
	start := t.hw.Clock.Now()
	for t.hw.Lines.REQ() != level {
		if t.hw.Clock.Now()-start >= ticks {
			return ErrTimeout
		}
	}
	return nil
}

func (t *Transport) disableInterrupts() {
	if t.hw.Interrupts != nil {
		t.hw.Interrupts.Disable()
	}
}

func (t *Transport) enableInterrupts() {
	if t.hw.Interrupts != nil {
		t.hw.Interrupts.Enable()
	}
}

// SendOnce performs a single handshake and transmission of raw
func (t *Transport) SendOnce(raw []byte) error {
	pattern := EncodeSPI(raw)

	t.disableInterrupts()
	defer t.enableInterrupts()

	t.hw.Lines.SetACK()
	if err := t.WaitREQ(true, t.cfg.SendReqRising); err != nil {
		return fmt.Errorf("waiting for REQ before send: %w", err)
	}

	txErr := t.hw.Transmitter.Transmit(pattern)
	t.hw.Lines.ClearACK()
	if txErr != nil {
		return fmt.Errorf("transmit: %w", txErr)
	}

	// A host that rejects the packet holds REQ; wait it out so a retry lines up
	if err := t.WaitREQ(false, t.cfg.SendReqFalling); err != nil {
		t.WaitREQ(false, t.cfg.SendRecover)
		return fmt.Errorf("waiting for REQ after send: %w", err)
	}
	return nil
}

// SendPacket transmits raw, retrying up to SendRetries times
func (t *Transport) SendPacket(raw []byte) error {
	var err error
	for attempt := 0; attempt < t.cfg.SendRetries; attempt++ {
		if err = t.SendOnce(raw); err == nil {
			return nil
		}
		Logger(ComponentTransport).WithField("attempt", attempt+1).Debugf("send failed: %v", err)
	}
	return err
}

// Send encodes a reply and transmits it
func (t *Transport) Send(source, ptype, status uint8, data []byte) error {
	raw, err := smartport.EncodeReply(source, ptype, status, data)
	if err != nil {
		return err
	}
	return t.SendPacket(raw)
}

// ReceivePacket waits for REQ, captures the line and decodes up to expectedLen bytes
func (t *Transport) ReceivePacket(expectedLen int) ([]byte, error) {
	t.disableInterrupts()
	defer t.enableInterrupts()

	if err := t.WaitREQ(true, t.cfg.RecvReqRising); err != nil {
		return nil, fmt.Errorf("waiting for REQ before receive: %w", err)
	}

	rate := t.hw.Sampler.SampleRate()
	samples := t.hw.Sampler.Capture(CaptureSamples(expectedLen, rate))

	t.line.prevLevel = true
	raw := t.line.DecodeStream(samples, expectedLen)

	if _, err := t.decoder.DecodePacket(raw); err != nil {
		return raw, err
	}
	return raw, nil
}
