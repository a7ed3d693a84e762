// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// Kind identifies a relay message
type Kind uint8

// Message kinds
const (
	KindRequest  Kind = 0x01 // host -> device: command packet and optional data packet
	KindResponse Kind = 0x02 // device -> host: every reply of one transaction
	KindReset    Kind = 0x03 // host -> device: bus reset, answered with an empty Response
	KindPing     Kind = 0x0E
	KindPong     Kind = 0x0F
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindReset:
		return "RESET"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(k))
	}
}

// Message is the CBOR body of a frame. Packets are raw SmartPort wire bytes.
type Message struct {
	Kind    Kind     `cbor:"0,keyasint"`
	Seq     uint32   `cbor:"1,keyasint"`
	Command []byte   `cbor:"2,keyasint,omitempty"`
	Data    []byte   `cbor:"3,keyasint,omitempty"`
	Replies [][]byte `cbor:"4,keyasint,omitempty"`
	Uptime  uint64   `cbor:"5,keyasint,omitempty"` // nanoseconds, Pong only
}

// Encode marshals m and wraps it in a frame
func (m Message) Encode() ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return EncodeFrame(body)
}

// ParseMessage decodes a verified frame body
func ParseMessage(body []byte) (Message, error) {
	var m Message
	if len(body) == 0 {
		return m, fmt.Errorf("%w: empty body", ErrFrame)
	}
	if err := cbor.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// String renders the message and any SmartPort packets it carries
func (m Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s seq=%d", m.Kind, m.Seq)
	if m.Kind == KindPong {
		fmt.Fprintf(&sb, " uptime=%dms", m.Uptime/1_000_000)
	}

	packets := make([][]byte, 0, 2+len(m.Replies))
	if m.Command != nil {
		packets = append(packets, m.Command)
	}
	if m.Data != nil {
		packets = append(packets, m.Data)
	}
	packets = append(packets, m.Replies...)

	for _, raw := range packets {
		p, err := smartport.NewDecoder().DecodePacket(raw)
		switch {
		case p == nil:
			fmt.Fprintf(&sb, "\n  [undecodable: %v] % X", err, raw)
		case err != nil:
			fmt.Fprintf(&sb, "\n  %s [%v]", smartport.FormatPacket(p), err)
		default:
			fmt.Fprintf(&sb, "\n  %s", smartport.FormatPacket(p))
		}
	}
	return sb.String()
}
