// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// DeviceKind identifies the emulated peripheral family of a slot.
type DeviceKind uint8

// Device kinds.
const (
	KindBlockDisk DeviceKind = iota
	KindClock
	KindFujiNet
	KindModem
	KindNetwork
	KindCPM
	KindPrinter
	KindVoice
	KindOther
)

// String returns a human-readable kind name.
func (k DeviceKind) String() string {
	switch k {
	case KindBlockDisk:
		return "disk"
	case KindClock:
		return "clock"
	case KindFujiNet:
		return "fujinet"
	case KindModem:
		return "modem"
	case KindNetwork:
		return "network"
	case KindCPM:
		return "cpm"
	case KindPrinter:
		return "printer"
	case KindVoice:
		return "voice"
	default:
		return "other"
	}
}

// Device is one emulated SmartPort peripheral.
//
// Each capability receives the Request for the command being served and must
// reply through it. Devices that do not support a capability embed BaseDevice,
// which answers with BadCommand.
type Device interface {
	Name() string
	Status(r *Request)
	Control(r *Request)
	Open(r *Request)
	Close(r *Request)
	Read(r *Request)
	Write(r *Request)
	ReadBlock(r *Request)
	WriteBlock(r *Request)
	Format(r *Request)
	Shutdown() error
}

// BaseDevice answers every capability with BadCommand.
type BaseDevice struct{}

// Status replies BadCommand
func (BaseDevice) Status(r *Request) { r.BadCommand() }

// Control replies BadCommand
func (BaseDevice) Control(r *Request) { r.BadCommand() }

// Open replies BadCommand
func (BaseDevice) Open(r *Request) { r.BadCommand() }

// Close replies BadCommand
func (BaseDevice) Close(r *Request) { r.BadCommand() }

// Read replies BadCommand
func (BaseDevice) Read(r *Request) { r.BadCommand() }

// Write replies BadCommand
func (BaseDevice) Write(r *Request) { r.BadCommand() }

// ReadBlock replies BadCommand
func (BaseDevice) ReadBlock(r *Request) { r.BadCommand() }

// WriteBlock replies BadCommand
func (BaseDevice) WriteBlock(r *Request) { r.BadCommand() }

// Format replies BadCommand
func (BaseDevice) Format(r *Request) { r.BadCommand() }

// Shutdown has nothing to release
func (BaseDevice) Shutdown() error { return nil }

// Replier sends reply frames for a Request.
type Replier interface {
	SendPacket(raw []byte) error
}

// Request is one command being served by a device.
type Request struct {
	Command smartport.Command

	replier      Replier
	data         []byte
	dataVerified bool
	dataRead     bool
	replies      int
	lastErr      error
	onReply      func(status uint8, err error)
}

// NewRequest builds a request outside the bus, used by tests and tools.
// data is the raw data packet that followed the command, or nil.
func NewRequest(cmd smartport.Command, replier Replier, data []byte) *Request {
	return &Request{Command: cmd, replier: replier, data: data}
}

// Unit returns the address the command was sent to
func (r *Request) Unit() uint8 {
	return r.Command.Dest
}

// Replies returns the number of reply packets sent so far
func (r *Request) Replies() int {
	return r.replies
}

// Err returns the last send error, if any
func (r *Request) Err() error {
	return r.lastErr
}

// HasData reports whether a data packet was staged with the command
func (r *Request) HasData() bool {
	return r.data != nil
}

// ReadData decodes the data packet that followed the command.
// A checksum mismatch is reported unless the bus already accepted the packet.
func (r *Request) ReadData() ([]byte, error) {
	if r.data == nil {
		return nil, ErrNoDataPacket
	}
	r.dataRead = true
	data, ok := smartport.Decode(r.data)
	if data == nil && !ok {
		return nil, fmt.Errorf("data packet: %w", smartport.ErrTruncated)
	}
	if !ok && !r.dataVerified {
		return data, fmt.Errorf("data packet: %w", smartport.ErrChecksum)
	}
	return data, nil
}

func (r *Request) statusType() uint8 {
	if r.Command.IsExtended() {
		return smartport.PacketTypeExtStatus
	}
	return smartport.PacketTypeStatus
}

func (r *Request) dataType() uint8 {
	if r.Command.IsExtended() {
		return smartport.PacketTypeExtData
	}
	return smartport.PacketTypeData
}

func (r *Request) send(ptype, status uint8, data []byte) error {
	raw, err := smartport.EncodeReply(r.Unit(), ptype, status, data)
	if err == nil {
		err = r.replier.SendPacket(raw)
	}
	r.replies++
	r.lastErr = err
	if r.onReply != nil {
		r.onReply(status, err)
	}
	return err
}

// Reply sends a status packet with no data. Plain replies always use the
// standard status type, even for extended commands.
func (r *Request) Reply(status uint8) error {
	return r.send(smartport.PacketTypeStatus, status, nil)
}

// ReplyStatus sends a status packet carrying data (status lists, DIBs)
func (r *Request) ReplyStatus(status uint8, data []byte) error {
	return r.send(r.statusType(), status, data)
}

// ReplyData sends a data packet (blocks, character reads)
func (r *Request) ReplyData(status uint8, data []byte) error {
	return r.send(r.dataType(), status, data)
}

// NoError acknowledges the command
func (r *Request) NoError() error {
	return r.Reply(smartport.ErrNoError)
}

// IOError reports a device I/O failure
func (r *Request) IOError() error {
	return r.Reply(smartport.ErrIOError)
}

// drainData consumes the data packet of a write-type command so the host
// sees the transaction complete before the error reply.
func (r *Request) drainData() {
	if r.Command.HasDataPacket() && !r.dataRead {
		if _, err := r.ReadData(); err != nil && !errors.Is(err, ErrNoDataPacket) {
			Logger(ComponentBus).WithField("unit", fmt.Sprintf("%02X", r.Unit())).Debugf("discarding data packet: %v", err)
		}
	}
}

// BadCommand reports an unsupported command.
// Standard CONTROL gets BADCTL, everything else BADCMD.
func (r *Request) BadCommand() error {
	r.drainData()
	Logger(ComponentBus).WithField("unit", fmt.Sprintf("%02X", r.Unit())).
		Debugf("bad command %s", smartport.FormatOpcode(r.Command.Opcode))
	if r.Command.Opcode == smartport.OpControl {
		return r.Reply(smartport.ErrBadCtl)
	}
	return r.Reply(smartport.ErrBadCommand)
}

// Offline reports that the device has no media
func (r *Request) Offline() error {
	r.drainData()
	return r.Reply(smartport.ErrOffline)
}

// dispatch invokes the capability matching the command opcode
func dispatch(dev Device, r *Request) {
	switch r.Command.Base() {
	case smartport.OpStatus:
		dev.Status(r)
	case smartport.OpReadBlock:
		dev.ReadBlock(r)
	case smartport.OpWriteBlock:
		dev.WriteBlock(r)
	case smartport.OpFormat:
		dev.Format(r)
	case smartport.OpControl:
		dev.Control(r)
	case smartport.OpOpen:
		dev.Open(r)
	case smartport.OpClose:
		dev.Close(r)
	case smartport.OpRead:
		dev.Read(r)
	case smartport.OpWrite:
		dev.Write(r)
	default:
		r.BadCommand()
	}
}
