// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package blockdisk emulates a SmartPort hard disk backed by a ProDOS-order image.
package blockdisk

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Thermoquad/smartport/pkg/iwm"
	"github.com/Thermoquad/smartport/pkg/smartport"
)

// DIB identity
const (
	DeviceType = smartport.DeviceTypeHardDisk
	Subtype    = 0x0A
)

// Version is the firmware version reported in the DIB
var Version = [2]byte{0x01, 0x0F}

// baseStatus is block, write, read and format allowed
const baseStatus = smartport.StatBlock | smartport.StatWrite | smartport.StatRead | smartport.StatFormat

// Disk is a block device. The zero image is an empty drive.
type Disk struct {
	iwm.BaseDevice

	name string

	mu       sync.Mutex
	image    Image
	file     *os.File
	blocks   uint32
	readOnly bool
}

// New creates an empty drive reporting name in its DIB
func New(name string) *Disk {
	return &Disk{name: name}
}

// Name returns the DIB name
func (d *Disk) Name() string {
	return d.name
}

// Mount opens an image file. Any mounted image is closed first.
func (d *Disk) Mount(path string, readOnly bool) error {
	f, img, blocks, err := openFile(path, readOnly)
	if err != nil {
		return fmt.Errorf("mount %s: %w", d.name, err)
	}

	d.mu.Lock()
	d.closeLocked()
	d.file = f
	d.image = img
	d.blocks = blocks
	d.readOnly = readOnly
	d.mu.Unlock()

	iwm.Logger(iwm.ComponentDisk).WithField("device", d.name).
		Infof("mounted %s (%d blocks, read_only=%v)", path, blocks, readOnly)
	return nil
}

// MountImage attaches an already opened image of the given size
func (d *Disk) MountImage(img Image, blocks uint32, readOnly bool) {
	d.mu.Lock()
	d.closeLocked()
	d.image = img
	d.blocks = blocks
	d.readOnly = readOnly
	d.mu.Unlock()
}

// Unmount ejects the image
func (d *Disk) Unmount() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Disk) closeLocked() error {
	var err error
	if d.file != nil {
		err = d.file.Close()
	}
	d.file = nil
	d.image = nil
	d.blocks = 0
	return err
}

// Mounted reports whether an image is attached
func (d *Disk) Mounted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.image != nil
}

// Blocks returns the size of the mounted image
func (d *Disk) Blocks() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks
}

func (d *Disk) statusByte() uint8 {
	stat := uint8(baseStatus)
	if d.image != nil {
		stat |= smartport.StatOnline
	}
	if d.readOnly {
		stat |= smartport.StatWriteProtect
	}
	return stat
}

// Status answers general status and DIB requests
func (d *Disk) Status(r *iwm.Request) {
	d.mu.Lock()
	stat, blocks := d.statusByte(), d.blocks
	d.mu.Unlock()

	ext := r.Command.IsExtended()

	switch r.Command.Code() {
	case smartport.StatusCodeStatus:
		if ext {
			r.ReplyStatus(smartport.ErrNoError, smartport.BuildExtStatus(stat, blocks))
			return
		}
		r.ReplyStatus(smartport.ErrNoError, smartport.BuildStatus(stat, blocks))

	case smartport.StatusCodeDIB:
		dib := smartport.BuildDIB(stat, blocks, d.name, DeviceType, Subtype, Version)
		if ext {
			// 32-bit block count
			dib = append(dib[:4:4], append([]byte{byte(blocks >> 24)}, dib[4:]...)...)
		}
		r.ReplyStatus(smartport.ErrNoError, dib)

	default:
		r.Reply(smartport.ErrBadCtl)
	}
}

// ReadBlock returns one 512-byte block
func (d *Disk) ReadBlock(r *iwm.Request) {
	block := r.Command.BlockNumber()
	log := iwm.Logger(iwm.ComponentDisk).WithField("device", d.name)

	d.mu.Lock()
	if d.image == nil {
		d.mu.Unlock()
		r.Offline()
		return
	}
	if block >= d.blocks {
		d.mu.Unlock()
		log.Debugf("read past end: block %d of %d", block, d.blocks)
		r.Reply(smartport.ErrBadBlock)
		return
	}

	buf := make([]byte, smartport.BlockSize)
	n, err := d.image.ReadAt(buf, int64(block)*smartport.BlockSize)
	d.mu.Unlock()

	if n != smartport.BlockSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		log.Warnf("read block %d: %v", block, err)
		r.IOError()
		return
	}

	r.ReplyData(smartport.ErrNoError, buf)
}

// WriteBlock stores the 512-byte data packet that followed the command
func (d *Disk) WriteBlock(r *iwm.Request) {
	block := r.Command.BlockNumber()
	log := iwm.Logger(iwm.ComponentDisk).WithField("device", d.name)

	data, err := r.ReadData()
	if err != nil {
		log.Debugf("write block %d: %v", block, err)
		r.IOError()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.image == nil:
		r.Offline()
		return
	case d.readOnly:
		r.Reply(smartport.ErrNoWrite)
		return
	case block >= d.blocks:
		r.Reply(smartport.ErrBadBlock)
		return
	case len(data) != smartport.BlockSize:
		log.Debugf("write block %d: %d bytes", block, len(data))
		r.IOError()
		return
	}

	if _, err := d.image.WriteAt(data, int64(block)*smartport.BlockSize); err != nil {
		log.Warnf("write block %d: %v", block, err)
		r.IOError()
		return
	}
	r.NoError()
}

// Control supports eject; everything else is BADCTL
func (d *Disk) Control(r *iwm.Request) {
	if r.Command.Code() != smartport.ControlCodeEject {
		r.BadCommand()
		return
	}

	log := iwm.Logger(iwm.ComponentDisk).WithField("device", d.name)

	// The control list is unused but must arrive intact
	if _, err := r.ReadData(); err != nil {
		log.Debugf("eject: %v", err)
		r.IOError()
		return
	}
	if err := d.Unmount(); err != nil {
		log.Warnf("eject: %v", err)
	}
	r.NoError()
}

// Shutdown closes the image file
func (d *Disk) Shutdown() error {
	return d.Unmount()
}
