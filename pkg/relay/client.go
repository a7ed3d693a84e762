// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

// DefaultTimeout bounds one relay round trip
const DefaultTimeout = 2 * time.Second

// Client plays the SmartPort host over a relay connection.
// Transactions are serialized; each waits for the Response with its sequence number.
type Client struct {
	conn    *Conn
	timeout time.Duration

	mu  sync.Mutex
	seq uint32
}

// NewClient creates a host client. timeout 0 means DefaultTimeout.
func NewClient(conn *Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

// Conn returns the underlying connection
func (c *Client) Conn() *Conn {
	return c.conn
}

func (c *Client) roundTrip(ctx context.Context, m Message) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	m.Seq = c.seq
	want := KindResponse
	if m.Kind == KindPing {
		want = KindPong
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.conn.Send(m); err != nil {
		return Message{}, err
	}
	for {
		r, err := c.conn.Receive(ctx)
		if err != nil {
			return Message{}, fmt.Errorf("%s seq=%d: %w", m.Kind, m.Seq, err)
		}
		if r.Kind == want && r.Seq == m.Seq {
			return r, nil
		}
		iwm.Logger(iwm.ComponentRelay).Debugf("discarding stale %s seq=%d", r.Kind, r.Seq)
	}
}

// Transact sends a raw command packet and optional data packet and returns
// every reply the device sent.
func (c *Client) Transact(ctx context.Context, command, data []byte) ([]*smartport.Packet, error) {
	r, err := c.roundTrip(ctx, Message{Kind: KindRequest, Command: command, Data: data})
	if err != nil {
		return nil, err
	}

	packets := make([]*smartport.Packet, 0, len(r.Replies))
	dec := smartport.NewDecoder()
	for i, raw := range r.Replies {
		p, err := dec.DecodePacket(raw)
		if err != nil {
			return packets, fmt.Errorf("reply %d: %w", i, err)
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// Command encodes and sends a command, with a data packet carrying data when
// it is not nil, and returns the first reply.
func (c *Client) Command(ctx context.Context, unit, opcode uint8, params, data []byte) (*smartport.Packet, error) {
	command, err := smartport.EncodeCommand(unit, opcode, params)
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

	replies, err := c.Transact(ctx, command, dataRaw)
	if err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, fmt.Errorf("%s unit=%02X: %w", smartport.FormatOpcode(opcode), unit, ErrNoReply)
	}
	return replies[0], nil
}

// Init sends INIT to unit and returns the reply status (0x7F ends the chain)
func (c *Client) Init(ctx context.Context, unit uint8) (uint8, error) {
	p, err := c.Command(ctx, unit, smartport.OpInit, []byte{0x00}, nil)
	if err != nil {
		return 0, err
	}
	return p.Status(), nil
}

// Enumerate resets the bus and runs INIT until the chain ends
func (c *Client) Enumerate(ctx context.Context) ([]uint8, error) {
	if err := c.Reset(ctx); err != nil {
		return nil, err
	}
	var units []uint8
	for unit := uint8(0x81); unit < 0xFF; unit++ {
		status, err := c.Init(ctx, unit)
		if err != nil {
			return units, err
		}
		units = append(units, unit)
		if status == smartport.InitEndOfChain&^smartport.HighBit {
			break
		}
	}
	return units, nil
}

// Status sends STATUS with the given code
func (c *Client) Status(ctx context.Context, unit, code uint8) (*smartport.Packet, error) {
	return c.Command(ctx, unit, smartport.OpStatus, []byte{0x01, 0x00, code}, nil)
}

// DIB fetches and parses the Device Information Block of unit
func (c *Client) DIB(ctx context.Context, unit uint8) (smartport.DIB, error) {
	p, err := c.Status(ctx, unit, smartport.StatusCodeDIB)
	if err != nil {
		return smartport.DIB{}, err
	}
	if p.Status() != smartport.ErrNoError {
		return smartport.DIB{}, fmt.Errorf("unit %02X: %s", unit, smartport.FormatErrorCode(p.Status()))
	}
	return smartport.ParseDIB(p.Data(), p.Type() == smartport.PacketTypeExtStatus)
}

// ReadBlock reads one block and returns its content and the reply status
func (c *Client) ReadBlock(ctx context.Context, unit uint8, block uint32) ([]byte, uint8, error) {
	p, err := c.Command(ctx, unit, smartport.OpReadBlock, blockParams(block), nil)
	if err != nil {
		return nil, 0, err
	}
	return p.Data(), p.Status(), nil
}

// WriteBlock writes one block and returns the reply status
func (c *Client) WriteBlock(ctx context.Context, unit uint8, block uint32, data []byte) (uint8, error) {
	p, err := c.Command(ctx, unit, smartport.OpWriteBlock, blockParams(block), data)
	if err != nil {
		return 0, err
	}
	return p.Status(), nil
}

// Control sends CONTROL with the given code and control list
func (c *Client) Control(ctx context.Context, unit, code uint8, list []byte) (uint8, error) {
	if list == nil {
		list = []byte{}
	}
	p, err := c.Command(ctx, unit, smartport.OpControl, []byte{0x01, 0x00, code}, list)
	if err != nil {
		return 0, err
	}
	return p.Status(), nil
}

// Reset pulses a bus reset and waits for the device to acknowledge it
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Message{Kind: KindReset})
	return err
}

// Ping measures the round trip time and returns the device uptime
func (c *Client) Ping(ctx context.Context) (rtt, uptime time.Duration, err error) {
	start := time.Now()
	r, err := c.roundTrip(ctx, Message{Kind: KindPing})
	if err != nil {
		return 0, 0, err
	}
	return time.Since(start), time.Duration(r.Uptime), nil
}

func blockParams(block uint32) []byte {
	return []byte{0x01, 0x00, byte(block), byte(block >> 8), byte(block >> 16)}
}
