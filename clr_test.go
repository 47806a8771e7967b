// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"
)

// streamSpec is one named stream of a synthetic BSJB metadata root.
type streamSpec struct {
	name string
	data []byte
}

// bsjbBytes lays out: BSJB signature, version 1.1, reserved, the
// length-prefixed version string, flags, stream count, then each stream
// header + its payload (4-byte aligned), mirroring ECMA-335's metadata root
// layout.
func bsjbBytes(version string, streams []streamSpec) []byte {
	var out []byte
	put32 := func(v uint32) { out = binary.LittleEndian.AppendUint32(out, v) }
	put16 := func(v uint16) { out = binary.LittleEndian.AppendUint16(out, v) }

	put32(0x424A5342) // "BSJB"
	put16(1)          // major
	put16(1)          // minor
	put32(0)          // reserved
	vstr := append([]byte(version), 0)
	for len(vstr)%4 != 0 {
		vstr = append(vstr, 0)
	}
	put32(uint32(len(vstr)))
	out = append(out, vstr...)
	put16(0) // flags
	put16(uint16(len(streams)))

	// Stream payloads are laid out after every header, each 4-byte aligned;
	// headers reference them by offset from the metadata root.
	headerLen := 0
	for _, s := range streams {
		nameLen := len(s.name) + 1
		for nameLen%4 != 0 {
			nameLen++
		}
		headerLen += 8 + nameLen
	}
	payloadStart := uint32(len(out)) + uint32(headerLen)
	offsets := make([]uint32, len(streams))
	cursor := payloadStart
	for i, s := range streams {
		offsets[i] = cursor
		sz := uint32(len(s.data))
		for sz%4 != 0 {
			sz++
		}
		cursor += sz
	}

	for i, s := range streams {
		put32(offsets[i] - 0) // offsets are root-relative; root starts at 0 here
		put32(uint32(len(s.data)))
		name := append([]byte(s.name), 0)
		for len(name)%4 != 0 {
			name = append(name, 0)
		}
		out = append(out, name...)
	}
	for _, s := range streams {
		padded := append([]byte{}, s.data...)
		for len(padded)%4 != 0 {
			padded = append(padded, 0)
		}
		out = append(out, padded...)
	}
	return out
}

// buildTablesStreamPayload lays out a minimal #~ header: reserved,
// major/minor, heap_sizes, reserved, valid_mask, sorted_mask, then one uint32 row count
// per set bit of validMask in ascending table-index order.
func buildTablesStreamPayload(heapSizes uint8, validMask uint64, rowCounts map[TableIndex]uint32) []byte {
	var out []byte
	out = binary.LittleEndian.AppendUint32(out, 0) // reserved
	out = append(out, 0, 0)                        // major, minor (unused by the loader)
	out = append(out, heapSizes, 0)                // heap_sizes, reserved
	out = binary.LittleEndian.AppendUint64(out, validMask)
	out = binary.LittleEndian.AppendUint64(out, 0) // sorted_mask
	for i := 0; i < 64; i++ {
		if validMask&(uint64(1)<<uint(i)) == 0 {
			continue
		}
		out = binary.LittleEndian.AppendUint32(out, rowCounts[TableIndex(i)])
	}
	return out
}

// parsedMetadataImage wraps data in an Image with one section mapping
// RVA n to file offset n, so parseMetadataRoot(0) finds the root at byte 0.
func parsedMetadataImage(data []byte) *Image {
	img := newTestImage(data, nil)
	img.Sections = []*Section{{Header: ImageSectionHeader{SizeOfRawData: uint32(len(data))}}}
	return img
}

// buildCLIImagePE builds a full PE with one section holding a CLI header
// whose MetaData directory points at bsjb, and wires the CLR data
// directory entry to that CLI header's RVA.
func buildCLIImagePE(bsjb []byte) []byte {
	const sectionVA = uint32(0x1000)
	const cliHeaderSize = 72 // binary.Size(ImageCOR20Header{})
	metaRVA := sectionVA + cliHeaderSize

	data := buildMinimalPE(1)
	pointerToRawData := uint32(len(data)) + 40
	sectionSize := cliHeaderSize + uint32(len(bsjb))
	data = appendSectionHeader(data, ".text", sectionVA, sectionSize, pointerToRawData, sectionSize)

	var cli []byte
	put32 := func(v uint32) { cli = binary.LittleEndian.AppendUint32(cli, v) }
	put16 := func(v uint16) { cli = binary.LittleEndian.AppendUint16(cli, v) }
	put32(72)                   // Cb
	put16(2)                    // MajorRuntimeVersion
	put16(5)                    // MinorRuntimeVersion
	put32(metaRVA)               // MetaData.VirtualAddress
	put32(uint32(len(bsjb)))    // MetaData.Size
	put32(COMImageFlagsILOnly) // Flags
	put32(0)                   // EntryPointRVAorToken
	for i := 0; i < 6; i++ {
		put32(0) // Resources, StrongNameSignature, CodeManagerTable,
		put32(0) // VTableFixups, ExportAddressTableJumps, ManagedNativeHeader
	}

	data = append(data, cli...)
	data = append(data, bsjb...)

	putDataDirectory(data, ImageDirectoryEntryCLR, sectionVA, cliHeaderSize)
	return data
}

// TestOpenFromBytesFailsOnBadBSJBSignature drives a CLI image whose
// metadata root signature isn't BSJB through the full Open path: the
// whole open must fail rather than return a partially-parsed image with
// HasCLR wrongly set.
func TestOpenFromBytesFailsOnBadBSJBSignature(t *testing.T) {
	badRoot := append([]byte{'X', 'X', 'X', 'X'}, make([]byte, 12)...)
	data := buildCLIImagePE(badRoot)

	r := NewRegistry(&Options{CareAboutCLI: true})
	img, err := r.OpenFromBytes(data, true, true)
	if err == nil {
		t.Fatalf("OpenFromBytes() succeeded, want failure for a bad BSJB signature")
	}
	if err != ErrMetadataRootSignature {
		t.Errorf("OpenFromBytes() err = %v, want ErrMetadataRootSignature", err)
	}
	if img != nil {
		t.Errorf("OpenFromBytes() returned a non-nil image on failure")
	}
	if StatusFromError(err) != StatusImageInvalid {
		t.Errorf("StatusFromError(%v) = %v, want StatusImageInvalid", err, StatusFromError(err))
	}
}

// TestOpenFromBytesSucceedsWithValidBSJBSetsHasCLR is the positive
// counterpart: a well-formed CLI image opens cleanly and HasCLR is set
// only after the whole parse chain succeeds.
func TestOpenFromBytesSucceedsWithValidBSJBSetsHasCLR(t *testing.T) {
	streams := []streamSpec{
		{"#~", buildTablesStreamPayload(0, 1<<Module, map[TableIndex]uint32{Module: 1})},
		{"#GUID", make([]byte, 16)},
	}
	data := buildCLIImagePE(bsjbBytes("v4.0.30319", streams))

	r := NewRegistry(&Options{CareAboutCLI: true})
	img, err := r.OpenFromBytes(data, true, true)
	if err != nil {
		t.Fatalf("OpenFromBytes() failed, reason: %v", err)
	}
	defer img.Close()
	if !img.HasCLR {
		t.Errorf("HasCLR = false on a successfully parsed CLI image")
	}
}

func encodeUserStringHeapEntry(s string) []byte {
	units := utf16.Encode([]rune(s))
	payload := make([]byte, 0, len(units)*2+1)
	for _, u := range units {
		payload = binary.LittleEndian.AppendUint16(payload, u)
	}
	payload = append(payload, 0) // trailing flag byte: no significant chars
	length := uint8(len(payload))
	return append([]byte{length}, payload...)
}

func TestParseMetadataRootRecognizesWellKnownStreams(t *testing.T) {
	usHeap := append([]byte{0}, encodeUserStringHeapEntry("hi")...) // index 0 reserved, entry starts at 1
	streams := []streamSpec{
		{"#~", buildTablesStreamPayload(0, 1<<Module, map[TableIndex]uint32{Module: 1})},
		{"#Strings", []byte{0, 'a', 0}},
		{"#US", usHeap},
		{"#Blob", []byte{0}},
		{"#GUID", make([]byte, 16)},
	}
	data := bsjbBytes("v4.0.30319", streams)

	img := parsedMetadataImage(data)
	if err := img.parseMetadataRoot(0); err != nil {
		t.Fatalf("parseMetadataRoot() failed, reason: %v", err)
	}
	if img.Metadata.Version != "v4.0.30319" {
		t.Errorf("Version = %q, want %q", img.Metadata.Version, "v4.0.30319")
	}
	if img.Metadata.Tables.Size == 0 {
		t.Errorf("Tables stream not recognized")
	}
	if img.Metadata.UncompressedMetadata {
		t.Errorf("UncompressedMetadata set for a #~ stream")
	}
	if img.Metadata.Strings.Size == 0 || img.Metadata.US.Size == 0 || img.Metadata.Blob.Size == 0 || img.Metadata.GUID.Size == 0 {
		t.Errorf("not every well-known stream was recognized: %+v", img.Metadata)
	}
}

func TestParseMetadataRootFlagsUncompressedStream(t *testing.T) {
	streams := []streamSpec{
		{"#-", buildTablesStreamPayload(0, 1<<Module, map[TableIndex]uint32{Module: 1})},
	}
	data := bsjbBytes("v4.0.30319", streams)

	img := parsedMetadataImage(data)
	if err := img.parseMetadataRoot(0); err != nil {
		t.Fatalf("parseMetadataRoot() failed, reason: %v", err)
	}
	if !img.Metadata.UncompressedMetadata {
		t.Errorf("UncompressedMetadata not set for a #- stream")
	}
}

func TestParseMetadataRootRejectsShortGUIDHeap(t *testing.T) {
	streams := []streamSpec{
		{"#GUID", make([]byte, 8)}, // smaller than one 16-byte GUID
	}
	data := bsjbBytes("v4.0.30319", streams)

	img := parsedMetadataImage(data)
	if err := img.parseMetadataRoot(0); err != ErrGUIDHeapTooSmall {
		t.Fatalf("parseMetadataRoot() = %v, want ErrGUIDHeapTooSmall", err)
	}
}

func TestParseTablesHeaderDecodesHeapSizesAndRowCounts(t *testing.T) {
	validMask := uint64(1)<<Module | uint64(1)<<TypeRef | uint64(1)<<Assembly
	rowCounts := map[TableIndex]uint32{Module: 1, TypeRef: 5, Assembly: 1}
	payload := buildTablesStreamPayload(0x07, validMask, rowCounts) // wide strings/GUID/blob

	streams := []streamSpec{{"#~", payload}}
	data := bsjbBytes("v4.0.30319", streams)

	img := parsedMetadataImage(data)
	if err := img.parseMetadataRoot(0); err != nil {
		t.Fatalf("parseMetadataRoot() failed, reason: %v", err)
	}
	if err := img.parseTablesHeader(); err != nil {
		t.Fatalf("parseTablesHeader() failed, reason: %v", err)
	}
	if !img.Tables.StringWide || !img.Tables.GUIDWide || !img.Tables.BlobWide {
		t.Errorf("heap widths not decoded from heap_sizes: %+v", img.Tables)
	}
	if img.Tables.RowCounts[Module] != 1 || img.Tables.RowCounts[TypeRef] != 5 || img.Tables.RowCounts[Assembly] != 1 {
		t.Errorf("unexpected RowCounts: %+v", img.Tables.RowCounts)
	}
	wantBase := img.Metadata.Tables.Offset + 24 + 4*3
	if img.Tables.TablesBase != wantBase {
		t.Errorf("TablesBase = %d, want %d", img.Tables.TablesBase, wantBase)
	}
}

func TestParseTablesHeaderFlagsRowAboveDefinedRange(t *testing.T) {
	validMask := uint64(1) << 60 // far beyond GenericParamConstraint
	payload := buildTablesStreamPayload(0, validMask, nil)

	streams := []streamSpec{{"#~", payload}}
	data := bsjbBytes("v4.0.30319", streams)

	img := parsedMetadataImage(data)
	if err := img.parseMetadataRoot(0); err != nil {
		t.Fatalf("parseMetadataRoot() failed, reason: %v", err)
	}
	if err := img.parseTablesHeader(); err != nil {
		t.Fatalf("parseTablesHeader() failed, reason: %v", err)
	}
	if !stringInSlice(anoValidMaskAboveTable44, img.Anomalies) {
		t.Errorf("expected anoValidMaskAboveTable44, got: %v", img.Anomalies)
	}
}

func TestUserStringDecodesUTF16Payload(t *testing.T) {
	entry := encodeUserStringHeapEntry("hi")
	heap := append([]byte{0}, entry...)

	streams := []streamSpec{{"#US", heap}}
	data := bsjbBytes("v4.0.30319", streams)

	img := parsedMetadataImage(data)
	if err := img.parseMetadataRoot(0); err != nil {
		t.Fatalf("parseMetadataRoot() failed, reason: %v", err)
	}
	got, err := img.UserString(1)
	if err != nil {
		t.Fatalf("UserString(1) failed, reason: %v", err)
	}
	if got != "hi" {
		t.Errorf("UserString(1) = %q, want %q", got, "hi")
	}
}

func TestUserStringZeroIndexIsEmpty(t *testing.T) {
	img := parsedMetadataImage(bsjbBytes("v4.0.30319", nil))
	if err := img.parseMetadataRoot(0); err != nil {
		t.Fatalf("parseMetadataRoot() failed, reason: %v", err)
	}
	got, err := img.UserString(0)
	if err != nil || got != "" {
		t.Errorf("UserString(0) = (%q, %v), want (\"\", nil)", got, err)
	}
}
