// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package blockdisk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

const unit = 0x81

// recorder captures reply frames
type recorder struct {
	frames [][]byte
}

func (r *recorder) SendPacket(raw []byte) error {
	r.frames = append(r.frames, append([]byte(nil), raw...))
	return nil
}

func (r *recorder) reply(t *testing.T) *smartport.Packet {
	t.Helper()
	if len(r.frames) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(r.frames))
	}
	p, err := smartport.NewDecoder().DecodePacket(r.frames[0])
	if err != nil {
		t.Fatalf("reply does not decode: %v", err)
	}
	return p
}

func command(opcode uint8, params ...byte) smartport.Command {
	full := make([]byte, smartport.GroupSize)
	copy(full, params)
	return smartport.Command{
		Dest:       unit,
		Source:     smartport.HostAddress,
		Opcode:     opcode,
		ParamCount: 3,
		Params:     full,
	}
}

func blockCommand(opcode uint8, block uint32) smartport.Command {
	return command(opcode, 1, 0, byte(block), byte(block>>8), byte(block>>16), byte(block>>24))
}

func dataPacket(t *testing.T, data []byte) []byte {
	t.Helper()
	raw, err := smartport.EncodePacketFromValues(unit, smartport.HostAddress, smartport.PacketTypeData, smartport.AuxByte, 0, data)
	if err != nil {
		t.Fatalf("encode data packet: %v", err)
	}
	return raw
}

func newMountedDisk(blocks uint32, readOnly bool) (*Disk, *MemoryImage) {
	img := NewMemoryImage(blocks)
	for i := range img.data {
		img.data[i] = byte(i / smartport.BlockSize)
	}
	d := New("FUJINET_DISK_1")
	d.MountImage(img, img.Blocks(), readOnly)
	return d, img
}

func serve(d *Disk, cmd smartport.Command, data []byte, fn func(*Disk, *iwm.Request)) *recorder {
	rec := &recorder{}
	fn(d, iwm.NewRequest(cmd, rec, data))
	return rec
}

// ============================================================
// Status Tests
// ============================================================

func TestStatus_General(t *testing.T) {
	tests := []struct {
		name     string
		mounted  bool
		readOnly bool
		wantStat uint8
	}{
		{"empty", false, false, 0b11101000},
		{"mounted", true, false, 0b11111000},
		{"read only", true, true, 0b11111100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New("DISK")
			if tt.mounted {
				d.MountImage(NewMemoryImage(280), 280, tt.readOnly)
			}
			rec := serve(d, command(smartport.OpStatus, 1, 0, smartport.StatusCodeStatus), nil, (*Disk).Status)
			p := rec.reply(t)

			if p.Type() != smartport.PacketTypeStatus {
				t.Errorf("type = 0x%02X, want status", p.Type())
			}
			data := p.Data()
			if len(data) != 4 {
				t.Fatalf("status length = %d, want 4", len(data))
			}
			if data[0] != tt.wantStat {
				t.Errorf("status byte = %08b, want %08b", data[0], tt.wantStat)
			}
			wantBlocks := byte(0)
			if tt.mounted {
				wantBlocks = 280 & 0xFF
			}
			if data[1] != wantBlocks {
				t.Errorf("block count low = %d, want %d", data[1], wantBlocks)
			}
		})
	}
}

func TestStatus_DIB(t *testing.T) {
	d := New("FUJINET_DISK_1")
	d.MountImage(NewMemoryImage(1), 65535, false)
	rec := serve(d, command(smartport.OpStatus, 1, 0, smartport.StatusCodeDIB), nil, (*Disk).Status)
	data := rec.reply(t).Data()

	if len(data) != smartport.DIBSize {
		t.Fatalf("DIB length = %d, want %d", len(data), smartport.DIBSize)
	}
	if data[1] != 0xFF || data[2] != 0xFF || data[3] != 0x00 {
		t.Errorf("block count = % X", data[1:4])
	}
	if data[4] != 14 || string(data[5:19]) != "FUJINET_DISK_1" {
		t.Errorf("name = %d %q", data[4], data[5:21])
	}
	if data[21] != DeviceType || data[22] != Subtype {
		t.Errorf("type/subtype = %02X/%02X", data[21], data[22])
	}
	if data[23] != Version[0] || data[24] != Version[1] {
		t.Errorf("version = %02X %02X", data[23], data[24])
	}
}

func TestStatus_Extended(t *testing.T) {
	d, _ := newMountedDisk(16, false)

	rec := serve(d, command(smartport.OpStatus|smartport.OpExtended, 1, 0, smartport.StatusCodeStatus), nil, (*Disk).Status)
	p := rec.reply(t)
	if p.Type() != smartport.PacketTypeExtStatus {
		t.Errorf("type = 0x%02X, want ext status", p.Type())
	}
	if len(p.Data()) != 5 {
		t.Errorf("ext status length = %d, want 5", len(p.Data()))
	}

	rec = serve(d, command(smartport.OpStatus|smartport.OpExtended, 1, 0, smartport.StatusCodeDIB), nil, (*Disk).Status)
	if n := len(rec.reply(t).Data()); n != smartport.DIBSize+1 {
		t.Errorf("ext DIB length = %d, want %d", n, smartport.DIBSize+1)
	}
}

func TestStatus_UnknownCode(t *testing.T) {
	d, _ := newMountedDisk(16, false)
	rec := serve(d, command(smartport.OpStatus, 1, 0, 0x42), nil, (*Disk).Status)
	if got := rec.reply(t).Status(); got != smartport.ErrBadCtl {
		t.Errorf("status = 0x%02X, want BADCTL", got)
	}
}

// ============================================================
// Block I/O Tests
// ============================================================

func TestReadBlock(t *testing.T) {
	d, _ := newMountedDisk(16, false)

	tests := []struct {
		name       string
		block      uint32
		wantStatus uint8
		wantLen    int
	}{
		{"first", 0, smartport.ErrNoError, smartport.BlockSize},
		{"last", 15, smartport.ErrNoError, smartport.BlockSize},
		{"past end", 16, smartport.ErrBadBlock, 0},
		{"far past end", 0xFFFFFF, smartport.ErrBadBlock, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(d, blockCommand(smartport.OpReadBlock, tt.block), nil, (*Disk).ReadBlock)
			p := rec.reply(t)
			if p.Status() != tt.wantStatus {
				t.Fatalf("status = 0x%02X, want 0x%02X", p.Status(), tt.wantStatus)
			}
			if len(p.Data()) != tt.wantLen {
				t.Fatalf("data length = %d, want %d", len(p.Data()), tt.wantLen)
			}
			if tt.wantLen > 0 {
				if p.Type() != smartport.PacketTypeData {
					t.Errorf("type = 0x%02X, want data", p.Type())
				}
				if p.Data()[0] != byte(tt.block) {
					t.Errorf("block content = %d, want %d", p.Data()[0], tt.block)
				}
			}
		})
	}
}

func TestReadBlock_Offline(t *testing.T) {
	d := New("EMPTY")
	rec := serve(d, blockCommand(smartport.OpReadBlock, 0), nil, (*Disk).ReadBlock)
	if got := rec.reply(t).Status(); got != smartport.ErrOffline {
		t.Errorf("status = 0x%02X, want OFFLINE", got)
	}
}

func TestWriteBlock(t *testing.T) {
	block := bytes.Repeat([]byte{0xA5}, smartport.BlockSize)

	tests := []struct {
		name       string
		mounted    bool
		readOnly   bool
		block      uint32
		data       []byte
		wantStatus uint8
		persist    bool
	}{
		{"ok", true, false, 3, block, smartport.ErrNoError, true},
		{"read only", true, true, 3, block, smartport.ErrNoWrite, false},
		{"past end", true, false, 99, block, smartport.ErrBadBlock, false},
		{"short data", true, false, 3, block[:100], smartport.ErrIOError, false},
		{"offline", false, false, 3, block, smartport.ErrOffline, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d *Disk
			var img *MemoryImage
			if tt.mounted {
				d, img = newMountedDisk(16, tt.readOnly)
			} else {
				d = New("EMPTY")
			}

			rec := serve(d, blockCommand(smartport.OpWriteBlock, tt.block), dataPacket(t, tt.data), (*Disk).WriteBlock)
			if got := rec.reply(t).Status(); got != tt.wantStatus {
				t.Fatalf("status = 0x%02X, want 0x%02X", got, tt.wantStatus)
			}
			if img == nil {
				return
			}
			got := img.data[int(tt.block)*smartport.BlockSize%len(img.data)]
			if tt.persist && got != 0xA5 {
				t.Errorf("block not written")
			}
		})
	}
}

func TestWriteBlock_CorruptData(t *testing.T) {
	d, _ := newMountedDisk(16, false)
	raw := dataPacket(t, bytes.Repeat([]byte{0x11}, smartport.BlockSize))
	raw[16] ^= 0x01

	rec := serve(d, blockCommand(smartport.OpWriteBlock, 2), raw, (*Disk).WriteBlock)
	if got := rec.reply(t).Status(); got != smartport.ErrIOError {
		t.Errorf("status = 0x%02X, want IOERROR", got)
	}
}

// ============================================================
// Control / Unsupported Tests
// ============================================================

func TestControl_Eject(t *testing.T) {
	d, _ := newMountedDisk(16, false)
	rec := serve(d, command(smartport.OpControl, 1, 0, smartport.ControlCodeEject), dataPacket(t, []byte{0, 0}), (*Disk).Control)
	if got := rec.reply(t).Status(); got != smartport.ErrNoError {
		t.Errorf("status = 0x%02X, want 0", got)
	}
	if d.Mounted() {
		t.Error("disk still mounted after eject")
	}
}

func TestControl_EjectCorruptList(t *testing.T) {
	d, _ := newMountedDisk(16, false)
	raw := dataPacket(t, []byte{0, 0})
	raw[smartport.SyncLength+1+smartport.HeaderSize+1] ^= 0x01

	rec := serve(d, command(smartport.OpControl, 1, 0, smartport.ControlCodeEject), raw, (*Disk).Control)
	if got := rec.reply(t).Status(); got != smartport.ErrIOError {
		t.Errorf("status = 0x%02X, want IOERROR", got)
	}
	if !d.Mounted() {
		t.Error("disk ejected by a corrupt control list")
	}
}

func TestControl_Other(t *testing.T) {
	d, _ := newMountedDisk(16, false)
	rec := serve(d, command(smartport.OpControl, 1, 0, smartport.ControlCodeSetDCB), dataPacket(t, []byte{0}), (*Disk).Control)
	if got := rec.reply(t).Status(); got != smartport.ErrBadCtl {
		t.Errorf("status = 0x%02X, want BADCTL", got)
	}
}

func TestUnsupported(t *testing.T) {
	d, _ := newMountedDisk(16, false)

	tests := []struct {
		name string
		op   uint8
		fn   func(*Disk, *iwm.Request)
	}{
		{"format", smartport.OpFormat, (*Disk).Format},
		{"open", smartport.OpOpen, (*Disk).Open},
		{"close", smartport.OpClose, (*Disk).Close},
		{"read", smartport.OpRead, (*Disk).Read},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(d, command(tt.op, 1), nil, tt.fn)
			if got := rec.reply(t).Status(); got != smartport.ErrBadCommand {
				t.Errorf("status = 0x%02X, want BADCMD", got)
			}
		})
	}
}

// ============================================================
// Image File Tests
// ============================================================

func TestMount_RawImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.po")
	content := make([]byte, 4*smartport.BlockSize)
	content[2*smartport.BlockSize] = 0x77
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	d := New("FILE")
	if err := d.Mount(path, false); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer d.Shutdown()

	if d.Blocks() != 4 {
		t.Errorf("blocks = %d, want 4", d.Blocks())
	}

	rec := serve(d, blockCommand(smartport.OpReadBlock, 2), nil, (*Disk).ReadBlock)
	if got := rec.reply(t).Data()[0]; got != 0x77 {
		t.Errorf("block 2 byte 0 = 0x%02X, want 0x77", got)
	}

	rec = serve(d, blockCommand(smartport.OpWriteBlock, 1), dataPacket(t, bytes.Repeat([]byte{0x42}, smartport.BlockSize)), (*Disk).WriteBlock)
	if got := rec.reply(t).Status(); got != 0 {
		t.Fatalf("write status = 0x%02X", got)
	}
	d.Unmount()

	after, _ := os.ReadFile(path)
	if after[smartport.BlockSize] != 0x42 {
		t.Error("write did not reach the image file")
	}
}

func TestMount_2MG(t *testing.T) {
	header := make([]byte, twoMGHeaderLen)
	copy(header, twoMGMagic)
	binary.LittleEndian.PutUint32(header[twoMGDataOffset:], twoMGHeaderLen)
	binary.LittleEndian.PutUint32(header[twoMGDataLength:], 2*smartport.BlockSize)
	body := make([]byte, 2*smartport.BlockSize)
	body[smartport.BlockSize] = 0x99

	path := filepath.Join(t.TempDir(), "disk.2mg")
	if err := os.WriteFile(path, append(header, body...), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New("2MG")
	if err := d.Mount(path, true); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	defer d.Shutdown()

	if d.Blocks() != 2 {
		t.Errorf("blocks = %d, want 2", d.Blocks())
	}
	rec := serve(d, blockCommand(smartport.OpReadBlock, 1), nil, (*Disk).ReadBlock)
	if got := rec.reply(t).Data()[0]; got != 0x99 {
		t.Errorf("block 1 byte 0 = 0x%02X, want 0x99", got)
	}
}

func TestMount_BadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.po")
	if err := os.WriteFile(path, make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}
	err := New("ODD").Mount(path, false)
	if !errors.Is(err, ErrImageSize) {
		t.Errorf("Mount error = %v, want ErrImageSize", err)
	}
}
