// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

import (
	"fmt"
	"strings"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")

	result := fmt.Sprintf("[%s] %s (0x%02X) dest=%02X src=%02X stat=%02X len=%d chk=%02X\n",
		timestamp, FormatPacketType(p.Type()), p.Type(), p.Dest(), p.Source(), p.Status(), len(p.Data()), p.Checksum())

	if p.IsCommand() {
		if cmd, err := ParseCommand(p); err == nil {
			result += "  " + FormatCommand(cmd) + "\n"
		}
		return result
	}

	if p.Status() != ErrNoError && p.Type() != PacketTypeData {
		result += fmt.Sprintf("  status: %s\n", FormatErrorCode(p.Status()))
	}
	if len(p.Data()) > 0 {
		result += FormatHexDump(p.Data(), 64)
	}

	return result
}

// FormatCommand returns a one-line description of a command
func FormatCommand(c Command) string {
	name := FormatOpcode(c.Opcode)
	switch c.Base() {
	case OpStatus:
		return fmt.Sprintf("%s unit=%02X code=%s", name, c.Dest, FormatStatusCode(c.Code()))
	case OpControl:
		return fmt.Sprintf("%s unit=%02X code=%s", name, c.Dest, FormatControlCode(c.Code()))
	case OpReadBlock, OpWriteBlock:
		return fmt.Sprintf("%s unit=%02X block=%d", name, c.Dest, c.BlockNumber())
	case OpRead, OpWrite:
		return fmt.Sprintf("%s unit=%02X count=%d", name, c.Dest, c.ByteCount())
	}
	return fmt.Sprintf("%s unit=%02X", name, c.Dest)
}

// FormatPacketType returns the human-readable name for a packet type
func FormatPacketType(t uint8) string {
	switch t {
	case PacketTypeCommand:
		return "COMMAND"
	case PacketTypeStatus:
		return "STATUS"
	case PacketTypeData:
		return "DATA"
	case PacketTypeExtCommand:
		return "EXT_COMMAND"
	case PacketTypeExtStatus:
		return "EXT_STATUS"
	case PacketTypeExtData:
		return "EXT_DATA"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", t)
	}
}

// FormatOpcode returns the human-readable name for a decoded opcode
func FormatOpcode(op uint8) string {
	var name string
	switch op & OpBaseMask {
	case OpStatus:
		name = "STATUS"
	case OpReadBlock:
		name = "READBLOCK"
	case OpWriteBlock:
		name = "WRITEBLOCK"
	case OpFormat:
		name = "FORMAT"
	case OpControl:
		name = "CONTROL"
	case OpInit:
		name = "INIT"
	case OpOpen:
		name = "OPEN"
	case OpClose:
		name = "CLOSE"
	case OpRead:
		name = "READ"
	case OpWrite:
		name = "WRITE"
	default:
		return fmt.Sprintf("OP_0x%02X", op)
	}
	if op&OpExtended != 0 {
		return "EXT_" + name
	}
	return name
}

// FormatErrorCode returns the name of a status reply code
func FormatErrorCode(code uint8) string {
	switch code {
	case ErrNoError:
		return "NOERROR"
	case ErrBadCommand:
		return "BADCMD"
	case ErrBusError:
		return "BUSERR"
	case ErrBadCtl:
		return "BADCTL"
	case ErrBadCtlParm:
		return "BADCTLPARM"
	case ErrIOError:
		return "IOERROR"
	case ErrNoDrive:
		return "NODRIVE"
	case ErrNoWrite:
		return "NOWRITE"
	case ErrBadBlock:
		return "BADBLOCK"
	case ErrDiskSwitch:
		return "DISKSW"
	case ErrOffline:
		return "OFFLINE"
	case ErrBadWifi:
		return "BADWIFI"
	case InitEndOfChain &^ HighBit:
		return "END_OF_CHAIN"
	default:
		return fmt.Sprintf("0x%02X", code)
	}
}

// FormatStatusCode returns the name of a STATUS code
func FormatStatusCode(code uint8) string {
	switch code {
	case StatusCodeStatus:
		return "STATUS"
	case StatusCodeDCB:
		return "DCB"
	case StatusCodeNewline:
		return "NEWLINE"
	case StatusCodeDIB:
		return "DIB"
	case StatusCodeUni35:
		return "UNI35"
	}
	return formatCharCode(code)
}

// FormatControlCode returns the name of a CONTROL code
func FormatControlCode(code uint8) string {
	switch code {
	case ControlCodeReset:
		return "RESET"
	case ControlCodeSetDCB:
		return "SET_DCB"
	case ControlCodeSetNewline:
		return "SET_NEWLINE"
	case ControlCodeServiceInt:
		return "SERVICE_INT"
	case ControlCodeEject:
		return "EJECT"
	case ControlCodeRunRoutine:
		return "RUN_ROUTINE"
	case ControlCodeDownloadAt:
		return "DWNLD_ADDRESS"
	case ControlCodeDownload:
		return "DOWNLOAD"
	}
	return formatCharCode(code)
}

// formatCharCode renders device-specific codes, which are usually ASCII letters
func formatCharCode(code uint8) string {
	if code >= 0x20 && code < 0x7F {
		return fmt.Sprintf("'%c'", code)
	}
	return fmt.Sprintf("0x%02X", code)
}

// FormatStatusByte renders the general status bits
func FormatStatusByte(stat uint8) string {
	flags := []struct {
		bit  uint8
		name string
	}{
		{StatBlock, "block"},
		{StatWrite, "write"},
		{StatRead, "read"},
		{StatOnline, "online"},
		{StatFormat, "format"},
		{StatWriteProtect, "wprot"},
		{StatInterrupting, "int"},
		{StatOpen, "open"},
	}
	var set []string
	for _, f := range flags {
		if stat&f.bit != 0 {
			set = append(set, f.name)
		}
	}
	if len(set) == 0 {
		return "-"
	}
	return strings.Join(set, ",")
}

// FormatHexDump renders up to limit bytes, 16 per line (limit <= 0 means all)
func FormatHexDump(data []byte, limit int) string {
	n := len(data)
	if limit > 0 && n > limit {
		n = limit
	}
	var sb strings.Builder
	for off := 0; off < n; off += 16 {
		end := off + 16
		if end > n {
			end = n
		}
		fmt.Fprintf(&sb, "  %04X: ", off)
		for i := off; i < off+16; i++ {
			if i < end {
				fmt.Fprintf(&sb, "%02X ", data[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")
		for _, b := range data[off:end] {
			if b >= 0x20 && b < 0x7F {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("\n")
	}
	if n < len(data) {
		fmt.Fprintf(&sb, "  ... %d more bytes\n", len(data)-n)
	}
	return sb.String()
}
