// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package smartport

// Framing bytes
const (
	StartByte   = 0xC3
	EndByte     = 0xC8
	SyncLength  = 6
	HeaderSize  = 7
	HostAddress = 0x80
	AuxByte     = 0x80
	HighBit     = 0x80
	ChecksumPad = 0xAA
	GroupSize   = 7
)

// SyncBytes is the self-synchronising preamble sent before the start byte
var SyncBytes = [SyncLength]byte{0xFF, 0x3F, 0xCF, 0xF3, 0xFC, 0xFF}

// Buffer bounds
const (
	// CommandPacketLen is the number of bytes captured for a command packet
	CommandPacketLen = 28
	// BlockPacketLen is the number of bytes captured for a 512-byte data packet
	BlockPacketLen = 606
	// BlockSize is the size of a SmartPort block
	BlockSize = 512
	// MaxDataLen is the largest payload a single packet may carry
	MaxDataLen = 767
	// MaxPacketLen is the encoded size of a MaxDataLen payload
	MaxPacketLen = SyncLength + 1 + HeaderSize + 6 + 1 + (MaxDataLen/GroupSize)*8 + 2 + 1
)

// Packet types
const (
	PacketTypeCommand    = 0x80
	PacketTypeStatus     = 0x81
	PacketTypeData       = 0x82
	PacketTypeExtCommand = 0xC0
	PacketTypeExtStatus  = 0xC1
	PacketTypeExtData    = 0xC2
)

// Command opcodes as seen after decoding
const (
	OpStatus     = 0x00
	OpReadBlock  = 0x01
	OpWriteBlock = 0x02
	OpFormat     = 0x03
	OpControl    = 0x04
	OpInit       = 0x05
	OpOpen       = 0x06
	OpClose      = 0x07
	OpRead       = 0x08
	OpWrite      = 0x09

	// OpExtended is or'd into the opcode for 32-bit block/address commands
	OpExtended = 0x40
	OpBaseMask = 0x3F
)

// InitCommandByte is the INIT opcode as it appears on the wire
const InitCommandByte = HighBit | OpInit

// Status reply codes
const (
	ErrNoError    = 0x00
	ErrBadCommand = 0x01
	ErrBusError   = 0x06
	ErrBadCtl     = 0x21
	ErrBadCtlParm = 0x22
	ErrIOError    = 0x27
	ErrNoDrive    = 0x28
	ErrNoWrite    = 0x2B
	ErrBadBlock   = 0x2D
	ErrDiskSwitch = 0x2E
	ErrOffline    = 0x2F
	ErrBadWifi    = 0x30

	// InitMoreDevices and InitEndOfChain are the INIT reply status values
	InitMoreDevices = 0x00
	InitEndOfChain  = 0xFF
)

// General status byte bits
const (
	StatBlock        = 0x80
	StatWrite        = 0x40
	StatRead         = 0x20
	StatOnline       = 0x10
	StatFormat       = 0x08
	StatWriteProtect = 0x04
	StatInterrupting = 0x02
	StatOpen         = 0x01
)

// Device type bytes reported in the DIB
const (
	DeviceType35Disk   = 0x01
	DeviceTypeHardDisk = 0x02
	DeviceTypeSCSI     = 0x03
	DeviceTypeClock    = 0x13
	DeviceTypeFujiNet  = 0x10
)

// Device subtype bytes
const (
	SubtypeUni35      = 0x00
	SubtypeApple35    = 0xC0
	SubtypeRemovable  = 0x00
	SubtypeHardDisk   = 0x20
	SubtypeSwitched   = 0x40
	SubtypeHDExtended = 0xA0
	SubtypeRemovExt   = 0xC0
	SubtypeClock      = 0x00
)

// STATUS command codes
const (
	StatusCodeStatus  = 0x00
	StatusCodeDCB     = 0x01
	StatusCodeNewline = 0x02
	StatusCodeDIB     = 0x03
	StatusCodeUni35   = 0x05
)

// CONTROL command codes
const (
	ControlCodeReset      = 0x00
	ControlCodeSetDCB     = 0x01
	ControlCodeSetNewline = 0x02
	ControlCodeServiceInt = 0x03
	ControlCodeEject      = 0x04
	ControlCodeRunRoutine = 0x05
	ControlCodeDownloadAt = 0x06
	ControlCodeDownload   = 0x07
)

// DIB layout
const (
	DIBNameLength = 16
	DIBSize       = 1 + 3 + 1 + DIBNameLength + 1 + 1 + 2
)

// Header field offsets relative to the start byte
const (
	offDest = 1 + iota
	offSource
	offType
	offAux
	offStatus
	offOddCount
	offGroupCount
	offPayload
)
