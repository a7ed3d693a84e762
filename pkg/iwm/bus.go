// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// BusConfig holds the state machine timeouts in 100 ns ticks
type BusConfig struct {
	// CmdReqFalling bounds the wait for REQ to drop before serving a command
	CmdReqFalling uint64
	// IsrReqFalling bounds the wait for REQ to drop before a data packet
	IsrReqFalling uint64
	// LironWorkaround applies the resend shim to data packets staged by a relay
	LironWorkaround bool
}

// DefaultBusConfig returns the timing used by real SmartPort hosts
func DefaultBusConfig() BusConfig {
	return BusConfig{
		CmdReqFalling: 50000,
		IsrReqFalling: 5500,
	}
}

// Bus is the SmartPort state machine.
//
// Service is called in a loop from one goroutine. HandlePhaseEdge is called
// by the platform whenever a phase line changes; the two communicate only
// through the Mailbox.
type Bus struct {
	link     Link
	registry *Registry
	mailbox  *Mailbox
	cfg      BusConfig
	decoder  *smartport.Decoder
	data     *smartport.Decoder // relay data packets
	state    atomic.Int32
	ctx      context.Context

	obsMu    sync.RWMutex
	observer Observer

	statsMu sync.Mutex
	stats   *smartport.Statistics
}

// NewBus creates a bus engine serving registry over link
func NewBus(link Link, registry *Registry, cfg BusConfig) *Bus {
	b := &Bus{
		link:     link,
		registry: registry,
		mailbox:  NewMailbox(),
		cfg:      cfg,
		decoder:  smartport.NewDecoder(),
		data:     smartport.NewDecoder(),
		ctx:      context.Background(),
		stats:    smartport.NewStatistics(),
	}
	b.data.LironWorkaround = cfg.LironWorkaround
	if s, ok := link.(MailboxStager); ok {
		s.AttachMailbox(b.mailbox)
	}
	return b
}

// Registry returns the daisy chain served by the bus
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Mailbox returns the command staging slot
func (b *Bus) Mailbox() *Mailbox {
	return b.mailbox
}

// State returns the phase seen by the last Service call
func (b *Bus) State() Phase {
	return Phase(b.state.Load())
}

// Observe installs fn as the event observer (nil removes it)
func (b *Bus) Observe(fn Observer) {
	b.obsMu.Lock()
	b.observer = fn
	b.obsMu.Unlock()
}

// Stats returns a copy of the traffic counters
func (b *Bus) Stats() smartport.Statistics {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s := *b.stats
	s.Commands = make(map[uint8]uint64, len(b.stats.Commands))
	for k, v := range b.stats.Commands {
		s.Commands[k] = v
	}
	return s
}

// ResetStats clears the traffic counters
func (b *Bus) ResetStats() {
	b.statsMu.Lock()
	b.stats.Reset()
	b.statsMu.Unlock()
}

func (b *Bus) withStats(fn func(s *smartport.Statistics)) {
	b.statsMu.Lock()
	fn(b.stats)
	b.statsMu.Unlock()
}

func (b *Bus) emit(e Event) {
	b.obsMu.RLock()
	fn := b.observer
	b.obsMu.RUnlock()
	if fn != nil {
		e.Time = time.Now()
		fn(e)
	}
}

// Run calls Service until ctx is cancelled
func (b *Bus) Run(ctx context.Context) error {
	b.ctx = ctx
	defer func() { b.ctx = context.Background() }()

	log := Logger(ComponentBus)
	log.WithField("devices", b.registry.NumDevices()).Info("bus running")

	for {
		select {
		case <-ctx.Done():
			log.Info("bus stopped")
			return ctx.Err()
		default:
		}
		if !b.Service() {
			runtime.Gosched()
		}
	}
}

// Service samples the phase lines once and acts on them.
// Returns false when the bus is idle.
func (b *Bus) Service() bool {
	switch ClassifyPhase(b.link.PhaseVector()) {
	case PhaseIdle:
		b.state.Store(int32(PhaseIdle))
		return false

	case PhaseReset:
		b.state.Store(int32(PhaseReset))
		b.handleReset()
		b.state.Store(int32(PhaseIdle))
		return true

	case PhaseEnable:
		b.state.Store(int32(PhaseEnable))
		staged, ok := b.mailbox.Consume()
		if !ok {
			return true
		}
		b.handleCommand(staged)
		b.mailbox.Clear()
		b.link.SetACK()
		return true
	}
	return false
}

func (b *Bus) handleReset() {
	log := Logger(ComponentBus)
	log.Debug("reset")

	b.registry.ClearAddresses()
	b.mailbox.Clear()
	b.withStats(func(s *smartport.Statistics) { s.RecordReset() })
	b.emit(Event{Kind: EventReset, Message: "bus reset"})

	// The host must eventually release reset
	for ClassifyPhase(b.link.PhaseVector()) == PhaseReset {
		if b.ctx.Err() != nil {
			return
		}
		runtime.Gosched()
	}
	log.Debug("reset cleared")
}

func (b *Bus) handleCommand(staged Staged) {
	log := Logger(ComponentBus)

	p, err := b.decoder.DecodePacket(staged.Command)
	if p == nil {
		b.withStats(func(s *smartport.Statistics) { s.Update(nil, err) })
		b.emit(Event{Kind: EventDropped, Message: "undecodable command packet", Err: err})
		return
	}

	dest := p.Dest()
	isInit := len(p.Data()) > 0 && p.Data()[0]&0x7F == smartport.OpInit

	if isInit {
		if err := b.link.WaitREQ(false, b.cfg.CmdReqFalling); err != nil {
			b.timeout("INIT", err)
			return
		}
		b.withStats(func(s *smartport.Statistics) { s.Update(p, err) })
		if err != nil {
			// Discarded: no address is assigned and the host retries INIT
			log.WithField("unit", fmt.Sprintf("%02X", dest)).Warnf("INIT packet rejected: %v", err)
			b.emit(Event{Kind: EventChecksum, Unit: dest, Message: "INIT packet", Err: err})
			return
		}
		b.handleInit(dest)
		return
	}

	slot, ok := b.registry.DeviceByAddress(dest)
	if !ok {
		// No reply: the host times out on its own
		return
	}

	if err := b.link.WaitREQ(false, b.cfg.CmdReqFalling); err != nil {
		b.timeout("command", err)
		return
	}

	b.withStats(func(s *smartport.Statistics) { s.Update(p, err) })

	cmd, perr := smartport.ParseCommand(p)
	if perr != nil {
		err = errors.Join(err, perr)
		cmd = smartport.Command{Dest: dest, Source: p.Source()}
	}

	r := &Request{
		Command:      cmd,
		replier:      b.link,
		data:         staged.Data,
		dataVerified: staged.DataVerified || b.acceptData(staged.Data),
		onReply:      b.replied(dest),
	}

	entry := log.WithField("unit", fmt.Sprintf("%02X", dest)).WithField("device", slot.Name())
	if err != nil {
		entry.Warnf("command packet rejected: %v", err)
		b.emit(Event{Kind: EventChecksum, Unit: dest, Message: "command packet", Err: err})
		r.IOError()
		return
	}

	entry.Debug(smartport.FormatCommand(cmd))
	b.emit(Event{Kind: EventCommand, Unit: dest, Opcode: cmd.Opcode, Code: cmd.Code()})
	dispatch(slot.Device(), r)

	if r.Replies() == 0 {
		entry.Debugf("no reply to %s", smartport.FormatOpcode(cmd.Opcode))
	}
}

// acceptData runs a relay data packet through the bus decoder so the resend
// shim sees consecutive packets. Electrically received packets arrive verified.
func (b *Bus) acceptData(raw []byte) bool {
	if raw == nil {
		return false
	}
	_, err := b.data.DecodePacket(raw)
	return err == nil
}

// handleInit assigns dest to the next unaddressed device and answers for it
func (b *Bus) handleInit(dest uint8) {
	slot, last, ok := b.registry.assignNext(dest)
	if !ok {
		b.emit(Event{Kind: EventDropped, Unit: dest, Message: "INIT with every device addressed"})
		return
	}

	status := uint8(smartport.InitMoreDevices)
	if last {
		status = smartport.InitEndOfChain
	}

	Logger(ComponentBus).WithField("unit", fmt.Sprintf("%02X", dest)).
		WithField("device", slot.Name()).Debugf("INIT status=%02X", status)
	b.emit(Event{Kind: EventInit, Unit: dest, Status: status, Message: slot.Name()})

	raw := smartport.MustEncodeReply(dest, smartport.PacketTypeStatus, status, nil)
	err := b.link.SendPacket(raw)
	b.replied(dest)(status, err)
}

// replied returns the reply hook for requests to unit
func (b *Bus) replied(unit uint8) func(status uint8, err error) {
	return func(status uint8, err error) {
		if err != nil {
			b.timeout("reply", err)
			return
		}
		b.withStats(func(s *smartport.Statistics) { s.RecordReply() })
		b.emit(Event{Kind: EventReply, Unit: unit, Status: status})
	}
}

func (b *Bus) timeout(what string, err error) {
	Logger(ComponentBus).Debugf("%s aborted: %v", what, err)
	b.withStats(func(s *smartport.Statistics) { s.RecordTimeout() })
	b.emit(Event{Kind: EventTimeout, Message: what, Err: err})
}

// HandlePhaseEdge prefetches packets as soon as the host starts sending.
// It is called from the phase-line edge callback and touches only the mailbox
// and the ACK line.
func (b *Bus) HandlePhaseEdge() {
	if b.link.PhaseVector() != VectorEnableReq {
		return
	}

	log := Logger(ComponentISR)

	switch b.mailbox.Mode() {
	case ModeStandby:
		raw, err := b.link.ReceivePacket(smartport.CommandPacketLen)
		if err != nil {
			b.rejected("command", err)
			return
		}

		p, err := smartport.NewDecoder().DecodePacket(raw)
		if err != nil {
			b.rejected("command", err)
			return
		}
		if len(p.Data()) == 0 {
			return
		}
		op := p.Data()[0]

		if op&0x7F == smartport.OpInit {
			b.link.ClearACK()
			b.mailbox.TryStageCommand(raw, false)
			b.emit(Event{Kind: EventStaged, Unit: p.Dest(), Opcode: op, Message: "INIT staged"})
			return
		}

		if _, ok := b.registry.DeviceByAddress(p.Dest()); !ok {
			return
		}
		b.link.ClearACK()

		if smartport.OpcodeHasDataPacket(op) {
			if err := b.link.WaitREQ(false, b.cfg.IsrReqFalling); err != nil {
				log.Debugf("REQ timeout before data packet: %v", err)
				b.withStats(func(s *smartport.Statistics) { s.RecordTimeout() })
				return
			}
			b.mailbox.TryStageCommand(raw, true)
			b.link.SetACK()
			return
		}
		b.mailbox.TryStageCommand(raw, false)
		b.emit(Event{Kind: EventStaged, Unit: p.Dest(), Opcode: op, Message: "command staged"})

	case ModeRxData:
		raw, err := b.link.ReceivePacket(smartport.BlockPacketLen)
		if err == nil {
			b.link.ClearACK()
			b.mailbox.StageData(raw)
			b.emit(Event{Kind: EventStaged, Message: "data packet staged"})
			return
		}
		if errors.Is(err, smartport.ErrChecksum) && b.controlResetStaged() {
			// Hosts send garbage control lists with control code 0
			log.Debug("accepting bad data packet for CONTROL code 0")
			b.link.ClearACK()
			b.mailbox.StageData(raw)
			return
		}
		b.rejected("data", err)

	case ModeCommand:
	}
}

// controlResetStaged reports whether the staged command is a standard CONTROL with code 0.
// Only valid while the mailbox is in RxData.
func (b *Bus) controlResetStaged() bool {
	p, err := smartport.NewDecoder().DecodePacket(b.mailbox.command)
	if err != nil {
		return false
	}
	cmd, err := smartport.ParseCommand(p)
	if err != nil {
		return false
	}
	return cmd.Opcode == smartport.OpControl && cmd.Code() == smartport.ControlCodeReset
}

func (b *Bus) rejected(what string, err error) {
	Logger(ComponentISR).Debugf("%s packet rejected: %v", what, err)
	if errors.Is(err, ErrTimeout) {
		b.withStats(func(s *smartport.Statistics) { s.RecordTimeout() })
		return
	}
	b.withStats(func(s *smartport.Statistics) { s.Update(nil, err) })
	b.emit(Event{Kind: EventChecksum, Message: what + " packet", Err: err})
}
