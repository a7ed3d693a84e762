// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iwm

import (
	"fmt"
	"time"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// EventKind classifies bus events reported to an observer.
type EventKind int

// Event kinds.
const (
	EventReset EventKind = iota
	EventInit
	EventCommand
	EventReply
	EventTimeout
	EventChecksum
	EventStaged
	EventDropped
)

// String returns a human-readable event name.
func (k EventKind) String() string {
	switch k {
	case EventReset:
		return "RESET"
	case EventInit:
		return "INIT"
	case EventCommand:
		return "COMMAND"
	case EventReply:
		return "REPLY"
	case EventTimeout:
		return "TIMEOUT"
	case EventChecksum:
		return "CHECKSUM"
	case EventStaged:
		return "STAGED"
	case EventDropped:
		return "DROPPED"
	default:
		return "UNKNOWN"
	}
}

// Event describes something the bus did.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Unit    uint8
	Opcode  uint8
	Status  uint8
	Code    uint8
	Message string
	Err     error
}

// String formats the event as a log line
func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05.000"), e.Summary())
}

// Summary formats the event without its timestamp
func (e Event) Summary() string {
	switch e.Kind {
	case EventCommand:
		return fmt.Sprintf("%-8s unit=%02X %s code=%02X", e.Kind, e.Unit, smartport.FormatOpcode(e.Opcode), e.Code)
	case EventReply:
		return fmt.Sprintf("%-8s unit=%02X status=%s", e.Kind, e.Unit, smartport.FormatErrorCode(e.Status&^smartport.HighBit))
	case EventInit:
		return fmt.Sprintf("%-8s unit=%02X status=%02X", e.Kind, e.Unit, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%-8s %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%-8s %s", e.Kind, e.Message)
}

// Observer receives bus events. It is called from the poll goroutine and must not block.
type Observer func(Event)
