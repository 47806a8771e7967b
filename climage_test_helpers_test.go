// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import "encoding/binary"

// buildMinimalPE assembles the smallest byte buffer that satisfies
// parseDOSHeader/parseNTHeader/parseSectionHeader/parseDataDirectories:
// a 64-byte DOS stub, the PE signature, a COFF header declaring
// numSections sections, and a PE32 optional header with all sixteen data
// directories zeroed.
// Tests append section data and patch individual data directory slots.
func buildMinimalPE(numSections uint16) []byte {
	const dosHeaderSize = 64
	const lfanew = dosHeaderSize

	buf := make([]byte, lfanew)
	binary.LittleEndian.PutUint16(buf[0:], ImageDOSSignature)
	binary.LittleEndian.PutUint32(buf[60:], lfanew)

	// PE signature.
	buf = append(buf, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(buf[lfanew:], ImageNTSignature)

	// COFF header.
	coff := make([]byte, 20)
	binary.LittleEndian.PutUint16(coff[0:], ImageFileMachineI386)
	binary.LittleEndian.PutUint16(coff[2:], numSections)
	binary.LittleEndian.PutUint16(coff[16:], 224) // SizeOfOptionalHeader, PE32 + 16 dirs
	buf = append(buf, coff...)

	// PE32 optional header: fixed fields (96 bytes, ending with
	// NumberOfRvaAndSizes at byte 92) plus 16*8 bytes of data directories
	// = 224 bytes total.
	oh := make([]byte, 224)
	binary.LittleEndian.PutUint16(oh[0:], ImageNtOptionalHeader32Magic)
	binary.LittleEndian.PutUint32(oh[92:], 16) // NumberOfRvaAndSizes
	buf = append(buf, oh...)

	return buf
}

// testLfanew is the offset of the NT header within a buffer built by
// buildMinimalPE.
const testLfanew = 64

func optionalHeaderOffset() uint32 {
	return testLfanew + 4 + 20
}

// dataDirectoryOffset returns the byte offset of data directory entry idx
// within a buffer built by buildMinimalPE.
func dataDirectoryOffset(idx ImageDirectoryEntry) uint32 {
	return optionalHeaderOffset() + 96 + uint32(idx)*8
}

func putDataDirectory(buf []byte, idx ImageDirectoryEntry, rva, size uint32) {
	off := dataDirectoryOffset(idx)
	binary.LittleEndian.PutUint32(buf[off:], rva)
	binary.LittleEndian.PutUint32(buf[off+4:], size)
}

// appendSectionHeader appends one 40-byte IMAGE_SECTION_HEADER row right
// after the optional header, where buildMinimalPE's callers are expected
// to place them (NumberOfSections must match).
func appendSectionHeader(buf []byte, name string, virtualAddress, virtualSize, pointerToRawData, sizeOfRawData uint32) []byte {
	row := make([]byte, 40)
	copy(row[0:8], name)
	binary.LittleEndian.PutUint32(row[8:], virtualSize)
	binary.LittleEndian.PutUint32(row[12:], virtualAddress)
	binary.LittleEndian.PutUint32(row[16:], sizeOfRawData)
	binary.LittleEndian.PutUint32(row[20:], pointerToRawData)
	return append(buf, row...)
}

// newTestImage wraps raw bytes in an Image ready for load(), without
// touching the registry.
func newTestImage(data []byte, opts *Options) *Image {
	if opts == nil {
		opts = &Options{}
	}
	return newEmptyImage(newRawBufferFromBytes(data, false), "test-image", opts, true)
}
