// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"bytes"
	"encoding/binary"
)

const (
	richDansSignature = 0x536E6144 // "DanS"
	richSignature     = "Rich"
)

// CompID is one linker/tool entry decoded from the Rich header.
type CompID struct {
	MinorCV  uint16
	ProdID   uint16
	Count    uint32
	Unmasked uint32
}

// RichHeader is the MS-DOS stub's undocumented, XOR-obfuscated linker mark:
// auxiliary provenance metadata, never required for a successful open.
type RichHeader struct {
	XORKey     uint32
	CompIDs    []CompID
	DansOffset uint32
	Raw        []byte
}

// parseRichHeader looks for the "Rich"/"DanS" pair between the end of the
// fixed DOS header and e_lfanew. Absence is normal (e.g. non-MSVC-linked
// CLI images) and is not an anomaly by itself.
func (img *Image) parseRichHeader() error {
	ntOffset := img.DOSHeader.AddressOfNewEXEHeader
	stub, err := img.buf.ReadBytes(0, ntOffset)
	if err != nil {
		return nil
	}

	richOffset := bytes.Index(stub, []byte(richSignature))
	if richOffset < 0 {
		return nil
	}

	xorKey, err := img.buf.ReadUint32(uint32(richOffset) + 4)
	if err != nil {
		return nil
	}

	dosHeaderSize := uint32(binary.Size(ImageDOSHeader{}))
	estimatedDans := uint32(richOffset) - 4
	if estimatedDans > dosHeaderSize {
		estimatedDans -= dosHeaderSize
	} else {
		estimatedDans = 0
	}

	var decoded []uint32
	dansOffset := int64(-1)
	for step := uint32(0); step < estimatedDans; step += 4 {
		pos := uint32(richOffset) - 4 - step
		word, err := img.buf.ReadUint32(pos)
		if err != nil {
			break
		}
		v := word ^ xorKey
		if v == richDansSignature {
			dansOffset = int64(pos)
			break
		}
		decoded = append(decoded, v)
	}

	if dansOffset < 0 {
		img.addAnomaly(anoRichHeaderDanSNotFound)
		return nil
	}

	for i, j := 0, len(decoded)-1; i < j; i, j = i+1, j-1 {
		decoded[i], decoded[j] = decoded[j], decoded[i]
	}

	raw, err := img.buf.ReadBytes(uint32(dansOffset), uint32(richOffset)+8-uint32(dansOffset))
	if err != nil {
		return nil
	}

	rh := &RichHeader{XORKey: xorKey, DansOffset: uint32(dansOffset), Raw: raw}
	// Three zero-padded DWORDs follow DanS before the @comp.id entries begin.
	entries := decoded
	if len(entries) > 3 {
		entries = entries[3:]
	} else {
		entries = nil
	}
	for i := 0; i+1 < len(entries); i += 2 {
		rh.CompIDs = append(rh.CompIDs, CompID{
			MinorCV:  uint16(entries[i]),
			ProdID:   uint16(entries[i] >> 16),
			Count:    entries[i+1],
			Unmasked: entries[i],
		})
	}

	img.RichHeader = rh
	img.HasRichHdr = true
	return nil
}
