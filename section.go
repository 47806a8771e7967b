// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"encoding/binary"
	"sort"
)

// Section characteristics bits relevant to a loader.
const (
	ImageScnCntCode               = 0x00000020
	ImageScnCntInitializedData    = 0x00000040
	ImageScnCntUninitializedData  = 0x00000080
	ImageScnMemDiscardable        = 0x02000000
	ImageScnMemExecute            = 0x20000000
	ImageScnMemRead               = 0x40000000
	ImageScnMemWrite              = 0x80000000
)

// ImageSectionHeader is one 40-byte row of the section table.
type ImageSectionHeader struct {
	Name                 [8]uint8
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// Section is a parsed section plus the lazily-mapped slice of its raw data.
type Section struct {
	Header ImageSectionHeader
	data   []byte // non-nil once EnsureSection has mapped it
}

// Name returns the section's 8-byte name with trailing NULs trimmed.
func (s *Section) Name() string {
	n := 0
	for n < len(s.Header.Name) && s.Header.Name[n] != 0 {
		n++
	}
	return string(s.Header.Name[:n])
}

// Contains reports whether rva falls within this section's mapped range.
// Containment is defined in terms of SizeOfRawData alone, not VirtualSize:
// SizeOfRawData is file-alignment-rounded and is what's actually backed by
// bytes in the raw buffer.
func (s *Section) Contains(rva uint32) bool {
	return rva >= s.Header.VirtualAddress && rva < s.Header.VirtualAddress+s.Header.SizeOfRawData
}

// parseSectionHeader reads the NumberOfSections rows that immediately
// follow the optional header, sorted by VirtualAddress to
// make the RVA mapper's linear scan well-defined when sections overlap.
func (img *Image) parseSectionHeader() error {
	fileHeaderSize := uint32(binary.Size(img.NtHeader.FileHeader))
	optHeaderOffset := img.DOSHeader.AddressOfNewEXEHeader + 4 + fileHeaderSize
	offset := optHeaderOffset + uint32(img.NtHeader.FileHeader.SizeOfOptionalHeader)

	n := img.NtHeader.FileHeader.NumberOfSections
	headerSize := uint32(binary.Size(ImageSectionHeader{}))

	img.Sections = make([]*Section, 0, n)
	for i := uint16(0); i < n; i++ {
		var hdr ImageSectionHeader
		if err := img.buf.structUnpack(&hdr, offset, headerSize); err != nil {
			return ErrSectionOutOfBounds
		}
		if uint64(hdr.PointerToRawData)+uint64(hdr.SizeOfRawData) > uint64(img.buf.Len()) {
			return ErrSectionOutOfBounds
		}
		img.Sections = append(img.Sections, &Section{Header: hdr})
		offset += headerSize
	}

	sort.Slice(img.Sections, func(i, j int) bool {
		return img.Sections[i].Header.VirtualAddress < img.Sections[j].Header.VirtualAddress
	})

	img.HasSections = true
	return nil
}

// sectionForRVA returns the unique section containing rva, or nil.
func (img *Image) sectionForRVA(rva uint32) *Section {
	for _, s := range img.Sections {
		if s.Contains(rva) {
			return s
		}
	}
	return nil
}

// GetOffsetFromRVA translates an RVA into a raw-buffer file offset via the
// section table. Returns ErrOutsideBoundary when no
// section contains the RVA.
func (img *Image) GetOffsetFromRVA(rva uint32) (uint32, error) {
	if img.closed {
		return 0, ErrImageClosed
	}
	s := img.sectionForRVA(rva)
	if s == nil {
		return 0, ErrOutsideBoundary
	}
	return rva - s.Header.VirtualAddress + s.Header.PointerToRawData, nil
}

// EnsureSection lazily maps section idx's raw data into memory. Mapping is
// idempotent: calling it twice returns the same slice and mutates no state
// the second time.
func (img *Image) EnsureSection(idx int) ([]byte, error) {
	if img.closed {
		return nil, ErrImageClosed
	}
	if idx < 0 || idx >= len(img.Sections) {
		return nil, ErrOutsideBoundary
	}
	s := img.Sections[idx]
	if s.data != nil {
		return s.data, nil
	}
	data, err := img.buf.ReadBytes(s.Header.PointerToRawData, s.Header.SizeOfRawData)
	if err != nil {
		return nil, ErrSectionOutOfBounds
	}
	s.data = data
	return s.data, nil
}
