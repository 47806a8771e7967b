// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import "encoding/binary"

// ImageDOSHeader represents the MS-DOS stub every PE file begins with.
// The need for it arose before a significant number of consumers were
// running Windows: executed on a machine without Windows, the stub could
// at least print a message saying Windows was required.
type ImageDOSHeader struct {
	Magic                    uint16
	BytesOnLastPageOfFile    uint16
	PagesInFile              uint16
	Relocations              uint16
	SizeOfHeader             uint16
	MinExtraParagraphsNeeded uint16
	MaxExtraParagraphsNeeded uint16
	InitialSS                uint16
	InitialSP                uint16
	Checksum                 uint16
	InitialIP                uint16
	InitialCS                uint16
	AddressOfRelocationTable uint16
	OverlayNumber            uint16
	ReservedWords1           [4]uint16
	OEMIdentifier            uint16
	OEMInformation           uint16
	ReservedWords2           [10]uint16
	AddressOfNewEXEHeader    uint32
}

// parseDOSHeader parses the MS-DOS stub. Any length overrun
// or signature mismatch fails the whole open with StatusImageInvalid.
func (img *Image) parseDOSHeader() error {
	size := uint32(binary.Size(img.DOSHeader))
	if err := img.buf.structUnpack(&img.DOSHeader, 0, size); err != nil {
		return err
	}

	// It can be ZM on a non-PE EXE; these still run under XP via ntvdm.
	if img.DOSHeader.Magic != ImageDOSSignature && img.DOSHeader.Magic != ImageDOSZMSignature {
		return ErrDOSMagicNotFound
	}

	// e_lfanew is the only required element (besides the signature) that
	// turns the EXE into a PE; it is a relative offset to the NT headers
	// and can't be null (the signatures would overlap). 4 is the minimum.
	if img.DOSHeader.AddressOfNewEXEHeader < 4 || img.DOSHeader.AddressOfNewEXEHeader > img.buf.Len() {
		return ErrInvalidElfanewValue
	}

	if img.DOSHeader.AddressOfNewEXEHeader <= 0x3c {
		img.addAnomaly(anoPEHeaderOverlapDOSHeader)
	}

	img.HasDOSHdr = true
	return nil
}
