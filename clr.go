// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// COMImageFlags bits of ImageCOR20Header.Flags.
const (
	COMImageFlagsILOnly            = 0x00000001
	COMImageFlags32BitRequired     = 0x00000002
	COMImageFlagsStrongNameSigned  = 0x00000008
	COMImageFlagsNativeEntrypoint  = 0x00000010
	COMImageFlags32BitPreferred    = 0x00020000
)

// ImageDataDirectory is one (rva, size) pair.
type ImageDataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// ImageCOR20Header is the CLI header, RVA-mapped from
// the CLR data directory entry.
type ImageCOR20Header struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                ImageDataDirectory
	Flags                   uint32
	EntryPointRVAorToken    uint32
	Resources               ImageDataDirectory
	StrongNameSignature     ImageDataDirectory
	CodeManagerTable        ImageDataDirectory
	VTableFixups            ImageDataDirectory
	ExportAddressTableJumps ImageDataDirectory
	ManagedNativeHeader     ImageDataDirectory
}

// HeapDescriptor locates one of the five well-known metadata heaps inside
// the raw buffer.
type HeapDescriptor struct {
	Offset uint32
	Size   uint32
}

// MetadataRoot is the BSJB-prefixed metadata root structure.
type MetadataRoot struct {
	MajorVersion uint16
	MinorVersion uint16
	Version      string

	Tables  HeapDescriptor // #~ or #-
	Strings HeapDescriptor
	US      HeapDescriptor
	Blob    HeapDescriptor
	GUID    HeapDescriptor

	// UncompressedMetadata is set when the tables stream is named "#-"
	// instead of "#~".
	UncompressedMetadata bool
}

// parseCLIHeader runs the CLI parser: CLI header, metadata root,
// stream headers, tables header. It only runs when Options.CareAboutCLI
// is set.
func (img *Image) parseCLIHeader(rva, size uint32) error {
	offset, err := img.GetOffsetFromRVA(rva)
	if err != nil {
		return ErrNoCLIHeader
	}

	hdrSize := uint32(binary.Size(img.CLIHeader))
	if err := img.buf.structUnpack(&img.CLIHeader, offset, hdrSize); err != nil {
		return ErrNoCLIHeader
	}

	// HasCLR is set only once every step below has succeeded: a directory
	// entry that's present but fails to parse means this isn't a valid CLI
	// image, not a clean PE with no metadata.
	if err := img.parseMetadataRoot(img.CLIHeader.MetaData.VirtualAddress); err != nil {
		return err
	}
	if err := img.parseTablesHeader(); err != nil {
		return err
	}
	img.HasCLR = true
	return nil
}

// parseMetadataRoot parses the BSJB metadata root and its stream headers.
func (img *Image) parseMetadataRoot(rva uint32) error {
	rootOffset, err := img.GetOffsetFromRVA(rva)
	if err != nil {
		return ErrMetadataRootSignature
	}

	sig, err := img.buf.ReadUint32(rootOffset)
	if err != nil || sig != 0x424A5342 { // "BSJB"
		return ErrMetadataRootSignature
	}

	major, err := img.buf.ReadUint16(rootOffset + 4)
	if err != nil {
		return ErrMetadataRootSignature
	}
	minor, err := img.buf.ReadUint16(rootOffset + 6)
	if err != nil {
		return ErrMetadataRootSignature
	}
	img.Metadata.MajorVersion = major
	img.Metadata.MinorVersion = minor

	versionLen, err := img.buf.ReadUint32(rootOffset + 12)
	if err != nil {
		return ErrMetadataRootSignature
	}
	versionBytes, err := img.buf.ReadBytes(rootOffset+16, versionLen)
	if err != nil {
		return ErrMetadataRootSignature
	}
	img.Metadata.Version = cStringFromBytes(versionBytes)

	pos := rootOffset + 16 + align4(versionLen)
	flagsAndCount, err := img.buf.ReadUint32(pos)
	if err != nil {
		return ErrMetadataRootSignature
	}
	_ = flagsAndCount // flags (low 16 bits) are reserved, unused
	streamCount, err := img.buf.ReadUint16(pos + 2)
	if err != nil {
		return ErrMetadataRootSignature
	}
	pos += 4

	for i := uint16(0); i < streamCount; i++ {
		streamOffset, err := img.buf.ReadUint32(pos)
		if err != nil {
			return ErrMetadataRootSignature
		}
		streamSize, err := img.buf.ReadUint32(pos + 4)
		if err != nil {
			return ErrMetadataRootSignature
		}
		name, nameLen, err := img.readCStringAt(pos + 8)
		if err != nil {
			return ErrMetadataRootSignature
		}
		pos += 8 + align4(uint32(nameLen)+1)

		hd := HeapDescriptor{Offset: rootOffset + streamOffset, Size: streamSize}
		switch name {
		case "#~":
			img.Metadata.Tables = hd
		case "#-":
			img.Metadata.Tables = hd
			img.Metadata.UncompressedMetadata = true
			img.addAnomaly(anoUncompressedMetadata)
		case "#Strings":
			img.Metadata.Strings = hd
		case "#US":
			img.Metadata.US = hd
		case "#Blob":
			img.Metadata.Blob = hd
		case "#GUID":
			img.Metadata.GUID = hd
		default:
			img.addAnomaly(anoUnknownStreamName)
		}
	}

	if img.Metadata.GUID.Size > 0 && img.Metadata.GUID.Size < 16 {
		return ErrGUIDHeapTooSmall
	}
	return nil
}

// parseTablesHeader parses the tables stream header
// and sets TablesBase to the position right after the row-count array —
// per-table offsets beyond that are the metadata decoder collaborator's
// job, except for the narrow Module/Assembly/ModuleRef/File lookups this
// loader performs itself.
func (img *Image) parseTablesHeader() error {
	if img.Metadata.Tables.Size == 0 {
		return nil
	}
	base := img.Metadata.Tables.Offset

	heapSizes, err := img.buf.ReadUint8(base + 6)
	if err != nil {
		return ErrOutsideBoundary
	}
	validMask, err := img.buf.ReadUint64(base + 8)
	if err != nil {
		return ErrOutsideBoundary
	}
	sortedMask, err := img.buf.ReadUint64(base + 16)
	if err != nil {
		return ErrOutsideBoundary
	}
	major, err := img.buf.ReadUint8(base + 4)
	if err != nil {
		return ErrOutsideBoundary
	}
	minor, err := img.buf.ReadUint8(base + 5)
	if err != nil {
		return ErrOutsideBoundary
	}

	img.Tables.MajorVersion = major
	img.Tables.MinorVersion = minor
	img.Tables.HeapSizes = heapSizes
	img.Tables.StringWide = heapSizes&0x01 != 0
	img.Tables.GUIDWide = heapSizes&0x02 != 0
	img.Tables.BlobWide = heapSizes&0x04 != 0
	img.Tables.ValidMask = validMask
	img.Tables.SortedMask = sortedMask

	pos := base + 24
	for i := 0; i < 64; i++ {
		if validMask&(uint64(1)<<uint(i)) == 0 {
			continue
		}
		if i >= numTables {
			img.addAnomaly(anoValidMaskAboveTable44)
			continue
		}
		count, err := img.buf.ReadUint32(pos)
		if err != nil {
			return ErrOutsideBoundary
		}
		img.Tables.RowCounts[i] = count
		pos += 4
	}
	img.Tables.TablesBase = pos
	return nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

func cStringFromBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// readCStringAt reads a NUL-terminated ASCII string starting at offset,
// returning it and its length excluding the terminator.
func (img *Image) readCStringAt(offset uint32) (string, int, error) {
	const maxLen = 1024
	for n := uint32(0); n < maxLen; n++ {
		b, err := img.buf.ReadUint8(offset + n)
		if err != nil {
			return "", 0, err
		}
		if b == 0 {
			bytes, err := img.buf.ReadBytes(offset, n)
			if err != nil {
				return "", 0, err
			}
			return string(bytes), int(n), nil
		}
	}
	return "", 0, ErrOutsideBoundary
}

// readHeapIndex reads a string/GUID/blob heap index at offset, whose width
// (2 or 4 bytes) depends on the corresponding heap_sizes bit.
func (img *Image) readHeapIndex(offset uint32, wide bool) (uint32, error) {
	if wide {
		return img.buf.ReadUint32(offset)
	}
	v, err := img.buf.ReadUint16(offset)
	return uint32(v), err
}

// stringsHeapString reads a NUL-terminated UTF-8 string at the given
// #Strings heap index.
func (img *Image) stringsHeapString(index uint32) (string, error) {
	if index == 0 || img.Metadata.Strings.Size == 0 {
		return "", nil
	}
	if index >= img.Metadata.Strings.Size {
		return "", ErrHeapOutOfBounds
	}
	s, _, err := img.readCStringAt(img.Metadata.Strings.Offset + index)
	return s, err
}

// UserString decodes a #US heap entry at the given heap index: a
// compressed-length prefix (same encoding as the #Blob heap) followed by
// UTF-16LE code units and a trailing byte whose low bit flags the presence
// of any non-ASCII/non-trivial character. This backs
// the ldstr operand lookup a metadata decoder collaborator needs; climage
// itself has no IL interpreter and only exposes the decoded text.
func (img *Image) UserString(index uint32) (string, error) {
	if index == 0 || img.Metadata.US.Size == 0 {
		return "", nil
	}
	base := img.Metadata.US.Offset + index
	first, err := img.buf.ReadUint8(base)
	if err != nil {
		return "", err
	}
	var length uint32
	var headerLen uint32
	switch {
	case first&0x80 == 0:
		length = uint32(first)
		headerLen = 1
	case first&0xC0 == 0x80:
		b2, err := img.buf.ReadUint8(base + 1)
		if err != nil {
			return "", err
		}
		length = uint32(first&0x3F)<<8 | uint32(b2)
		headerLen = 2
	default:
		b, err := img.buf.ReadBytes(base, 4)
		if err != nil {
			return "", err
		}
		length = uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		headerLen = 4
	}
	if length == 0 {
		return "", nil
	}
	// The trailing flag byte isn't part of the UTF-16 payload.
	payloadLen := length
	if payloadLen > 0 {
		payloadLen--
	}
	raw, err := img.buf.ReadBytes(base+headerLen, payloadLen)
	if err != nil {
		return "", err
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := decoder.Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// guidHeapValue reads the 16-byte GUID at the given one-based #GUID heap
// index (ECMA-335 indices into this heap are 1-based, 16 bytes per entry).
func (img *Image) guidHeapValue(index uint32) ([16]byte, error) {
	var g [16]byte
	if index == 0 {
		return g, nil
	}
	if img.Metadata.GUID.Size < 16*index {
		return g, ErrGUIDHeapTooSmall
	}
	b, err := img.buf.ReadBytes(img.Metadata.GUID.Offset+16*(index-1), 16)
	if err != nil {
		return g, err
	}
	copy(g[:], b)
	return g, nil
}
