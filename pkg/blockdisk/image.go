// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package blockdisk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Thermoquad/smartport/pkg/smartport"
)

// Image is random-access block storage behind a disk.
type Image interface {
	io.ReaderAt
	io.WriterAt
}

// ErrImageSize is returned for images that are not a whole number of blocks
var ErrImageSize = errors.New("blockdisk: image size is not a multiple of 512")

// 2MG container header
const (
	twoMGMagic      = "2IMG"
	twoMGHeaderLen  = 64
	twoMGDataOffset = 0x18
	twoMGDataLength = 0x1C
)

// MemoryImage is an in-memory ProDOS-order image
type MemoryImage struct {
	data []byte
}

// NewMemoryImage creates a zeroed image of the given block count
func NewMemoryImage(blocks uint32) *MemoryImage {
	return &MemoryImage{data: make([]byte, int(blocks)*smartport.BlockSize)}
}

// ReadAt implements io.ReaderAt
func (m *MemoryImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt
func (m *MemoryImage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

// Blocks returns the image size in blocks
func (m *MemoryImage) Blocks() uint32 {
	return uint32(len(m.data) / smartport.BlockSize)
}

// offsetImage shifts all accesses by a fixed header length
type offsetImage struct {
	f   *os.File
	off int64
}

func (o *offsetImage) ReadAt(p []byte, off int64) (int, error) {
	return o.f.ReadAt(p, off+o.off)
}

func (o *offsetImage) WriteAt(p []byte, off int64) (int, error) {
	return o.f.WriteAt(p, off+o.off)
}

// openFile opens a raw (.po/.hdv) or 2MG image and returns it with its block count
func openFile(path string, readOnly bool) (*os.File, Image, uint32, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}

	var header [twoMGHeaderLen]byte
	n, _ := f.ReadAt(header[:], 0)
	if n == twoMGHeaderLen && bytes.Equal(header[:4], []byte(twoMGMagic)) {
		offset := int64(binary.LittleEndian.Uint32(header[twoMGDataOffset:]))
		length := int64(binary.LittleEndian.Uint32(header[twoMGDataLength:]))
		if offset+length > info.Size() || length%smartport.BlockSize != 0 {
			f.Close()
			return nil, nil, 0, fmt.Errorf("%s: bad 2MG header: %w", path, ErrImageSize)
		}
		return f, &offsetImage{f: f, off: offset}, uint32(length / smartport.BlockSize), nil
	}

	if info.Size()%smartport.BlockSize != 0 {
		f.Close()
		return nil, nil, 0, fmt.Errorf("%s: %w", path, ErrImageSize)
	}
	return f, f, uint32(info.Size() / smartport.BlockSize), nil
}
