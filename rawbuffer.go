// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"bytes"
	"encoding/binary"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// rawBuffer owns the bytes of one image and exposes only length-checked
// reads. It is either memory-mapped from an open file or a plain
// owned/borrowed byte slice, depending on how the image was opened.
type rawBuffer struct {
	data  []byte
	mm    mmap.MMap // non-nil when backed by a memory-mapped file
	f     *os.File  // non-nil when backed by an open file
	owned bool       // true when the core allocated this buffer's storage
}

// newRawBufferFromFile memory-maps name read-only.
func newRawBufferFromFile(name string) (*rawBuffer, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rawBuffer{data: data, mm: data, f: f, owned: true}, nil
}

// newRawBufferFromBytes wraps an in-memory buffer. When copy is true, the
// core allocates and owns an independent copy; otherwise the caller must
// keep data alive for the Image's lifetime.
func newRawBufferFromBytes(data []byte, copy bool) *rawBuffer {
	if !copy {
		return &rawBuffer{data: data, owned: false}
	}
	dup := make([]byte, len(data))
	copyBytes(dup, data)
	return &rawBuffer{data: dup, owned: true}
}

func copyBytes(dst, src []byte) { // small indirection kept local to avoid a stutter import alias
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = src[i]
	}
}

// Len returns the number of bytes in the buffer.
func (b *rawBuffer) Len() uint32 { return uint32(len(b.data)) }

// close releases the file handle and unmaps the buffer, if any.
func (b *rawBuffer) close() error {
	if b.mm != nil {
		_ = b.mm.Unmap()
		b.mm = nil
	}
	if b.f != nil {
		err := b.f.Close()
		b.f = nil
		return err
	}
	return nil
}

// ReadBytes returns a length-checked slice [offset, offset+size) of the
// buffer without copying.
func (b *rawBuffer) ReadBytes(offset, size uint32) ([]byte, error) {
	total := offset + size
	if (total > offset) != (size > 0) { // overflow
		return nil, ErrOutsideBoundary
	}
	if offset > b.Len() || total > b.Len() {
		return nil, ErrOutsideBoundary
	}
	return b.data[offset:total], nil
}

// ReadUint8 reads a single byte at offset.
func (b *rawBuffer) ReadUint8(offset uint32) (uint8, error) {
	if offset+1 > b.Len() {
		return 0, ErrOutsideBoundary
	}
	return b.data[offset], nil
}

// ReadUint16 reads a little-endian uint16 at offset.
func (b *rawBuffer) ReadUint16(offset uint32) (uint16, error) {
	if offset+2 > b.Len() {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(b.data[offset:]), nil
}

// ReadUint32 reads a little-endian uint32 at offset.
func (b *rawBuffer) ReadUint32(offset uint32) (uint32, error) {
	if offset+4 > b.Len() {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(b.data[offset:]), nil
}

// ReadUint64 reads a little-endian uint64 at offset.
func (b *rawBuffer) ReadUint64(offset uint32) (uint64, error) {
	if offset+8 > b.Len() {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(b.data[offset:]), nil
}

// structUnpack decodes a fixed-size little-endian struct at offset. Every
// multi-byte field is modeled as an explicit LE decode regardless of host
// endianness.
func (b *rawBuffer) structUnpack(v interface{}, offset, size uint32) error {
	total := offset + size
	if (total > offset) != (size > 0) {
		return ErrOutsideBoundary
	}
	if offset >= b.Len() || total > b.Len() {
		return ErrOutsideBoundary
	}
	return binary.Read(bytes.NewReader(b.data[offset:total]), binary.LittleEndian, v)
}
