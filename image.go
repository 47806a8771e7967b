// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// DynamicExtra holds the additional storage a runtime-emitted image owns
// beyond what a disk-loaded image has: token
// tables, caches and streams built incrementally by a reflection-emit
// collaborator rather than parsed from bytes. climage only owns its
// lifecycle, never its contents — see DESIGN.md for the tagged-variant
// rationale.
type DynamicExtra struct {
	TokenToTable map[uint32]TableIndex
	BlobCache    map[string][]byte
	Strings      []byte
	UserStrings  []byte
	Blob         []byte
	GUIDs        []byte
	Code         []byte
	Resources    []byte
	GenericParam []byte
	StrongName   []byte
}

// Image is the central entity: the product of the PE and CLI parsers plus per-image
// caches, sub-image slots, and the reference count the registry manages.
type Image struct {
	FileInfo

	DOSHeader  ImageDOSHeader
	NtHeader   ImageNtHeader
	RichHeader *RichHeader
	Sections   []*Section
	Certificates Certificate
	CLIHeader  ImageCOR20Header
	Metadata   MetadataRoot
	Tables     TablesDescriptor
	Anomalies  []string

	resourceRVA uint32

	// Identity.
	path         string // canonical absolute path, or "data-<addr>" for in-memory images
	assemblyName string
	guid         [16]byte
	hasGUID      bool

	buf      *rawBuffer
	opts     *Options
	registry *Registry

	refOnly  bool
	dynamic  *DynamicExtra
	refCount atomic.Int32
	closed   bool

	cache *imageCache

	// Sub-images.
	modules       []*Image
	modulesLoaded []bool
	files         []*Image
	filesLoaded   []bool

	// assembly is the weak back-reference a sub-image holds to the
	// assembly (primary image) that loaded it.
	assembly *Image
}

// newEmptyImage is step 1 of the two-phase construct/load sequence
//: allocate the raw-buffer owner, install empty caches,
// initialize the ref count to 1.
func newEmptyImage(buf *rawBuffer, path string, opts *Options, refOnly bool) *Image {
	img := &Image{
		buf:     buf,
		opts:    opts.copy(),
		path:    path,
		refOnly: refOnly,
		cache:   newImageCache(),
	}
	img.refCount.Store(1)
	return img
}

// load is step 2: runs the PE parser, optionally the CLI
// parser, reads the assembly/module row-0 names, and pre-sizes the
// module/file sub-image slots. Any failing step aborts with IMAGE_INVALID.
func (img *Image) load() error {
	if err := img.parseDOSHeader(); err != nil {
		return err
	}
	// Best-effort: absence or malformation of the Rich header is never
	// fatal to the open.
	_ = img.parseRichHeader()

	if err := img.parseNTHeader(); err != nil {
		return err
	}
	if err := img.parseSectionHeader(); err != nil {
		return err
	}
	if err := img.parseDataDirectories(); err != nil {
		return err
	}

	if !img.opts.CareAboutCLI || !img.HasCLR {
		return nil
	}

	if err := img.readModuleIdentity(); err != nil {
		return err
	}
	img.presizeSubImages()
	return nil
}

// readModuleIdentity reads the Assembly table's row 0 name (if present)
// and the Module table's row 0 name and Mvid.
func (img *Image) readModuleIdentity() error {
	if off, ok := img.Tables.rowOffset(Assembly, 1); ok {
		// Assembly row layout: 4+2+2+2+2+4 fixed bytes precede the
		// PublicKey blob index, then the Name string index.
		nameOffset := off + 16 + img.Tables.indexWidth(img.Tables.BlobWide)
		idx, err := img.readHeapIndex(nameOffset, img.Tables.StringWide)
		if err == nil {
			if name, err := img.stringsHeapString(idx); err == nil {
				img.assemblyName = name
			}
		}
	}

	if off, ok := img.Tables.rowOffset(Module, 1); ok {
		nameIdx, err := img.readHeapIndex(off+2, img.Tables.StringWide)
		if err != nil {
			return nil
		}
		mvidOffset := off + 2 + img.Tables.indexWidth(img.Tables.StringWide)
		mvidIdx, err := img.readHeapIndex(mvidOffset, img.Tables.GUIDWide)
		if err == nil {
			if g, err := img.guidHeapValue(mvidIdx); err == nil {
				img.guid = g
				img.hasGUID = true
			}
		}
		_ = nameIdx
	}
	return nil
}

// presizeSubImages allocates one slot per ModuleRef row and one per File
// row, with a parallel "loaded" bit per slot.
func (img *Image) presizeSubImages() {
	n := img.Tables.RowCounts[ModuleRef]
	img.modules = make([]*Image, n)
	img.modulesLoaded = make([]bool, n)

	n = img.Tables.RowCounts[FileMD]
	img.files = make([]*Image, n)
	img.filesLoaded = make([]bool, n)
}

// Name returns the canonical path or synthetic name this image was opened
// under.
func (img *Image) Name() string { return img.path }

// Filename is an alias for Name.
func (img *Image) Filename() string { return img.path }

// GUID stringifies the module GUID as a 36-character hyphenated hex string.
func (img *Image) GUID() string {
	if !img.hasGUID {
		return ""
	}
	g := img.guid
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		uint32(g[3])<<24|uint32(g[2])<<16|uint32(g[1])<<8|uint32(g[0]),
		uint16(g[5])<<8|uint16(g[4]),
		uint16(g[7])<<8|uint16(g[6]),
		uint16(g[8])<<8|uint16(g[9]),
		g[10:16])
}

// rawGUIDHex is used by the registry for map keys without the formatting
// cost of GUID() when only equality matters.
func (img *Image) rawGUIDHex() string { return hex.EncodeToString(img.guid[:]) }

// Assembly returns the image this one belongs to: a sub-image returns the
// assembly image recorded in its back-link, any other image returns itself.
func (img *Image) Assembly() *Image {
	if img.assembly != nil {
		return img.assembly
	}
	return img
}

// IsDynamic reports whether this is a runtime-emitted image.
func (img *Image) IsDynamic() bool { return img.dynamic != nil }

// HasAuthenticodeEntry reports whether the certificate data directory was
// present, regardless of whether its PKCS#7 envelope could be decoded.
func (img *Image) HasAuthenticodeEntry() bool { return img.HasCertificate }

// EntryPoint returns the CLI entry point token or RVA; zero for a library with no entry point.
func (img *Image) EntryPoint() uint32 {
	if !img.HasCLR {
		return 0
	}
	return img.CLIHeader.EntryPointRVAorToken
}

// StrongName returns the strong-name signature bytes and its size, or nil
// if the image carries none.
func (img *Image) StrongName() ([]byte, uint32, error) {
	d := img.CLIHeader.StrongNameSignature
	if d.VirtualAddress == 0 || d.Size == 0 {
		return nil, 0, nil
	}
	offset, err := img.GetOffsetFromRVA(d.VirtualAddress)
	if err != nil {
		return nil, 0, err
	}
	data, err := img.buf.ReadBytes(offset, d.Size)
	if err != nil {
		return nil, 0, err
	}
	return data, d.Size, nil
}

// StrongNamePosition returns the file offset and size of the strong-name
// signature.
func (img *Image) StrongNamePosition() (uint32, uint32, error) {
	d := img.CLIHeader.StrongNameSignature
	if d.VirtualAddress == 0 {
		return 0, 0, nil
	}
	offset, err := img.GetOffsetFromRVA(d.VirtualAddress)
	return offset, d.Size, err
}

// PublicKey returns the Assembly table row 0's public key blob, when
// present.
func (img *Image) PublicKey() ([]byte, error) {
	off, ok := img.Tables.rowOffset(Assembly, 1)
	if !ok {
		return nil, nil
	}
	blobOffset := off + 16 // HashAlgId, Major/Minor/Build/Revision, Flags
	idx, err := img.readHeapIndex(blobOffset, img.Tables.BlobWide)
	if err != nil || idx == 0 || img.Metadata.Blob.Size == 0 {
		return nil, err
	}
	return img.blobHeapValue(idx)
}

// blobHeapValue reads one length-prefixed #Blob heap entry.
func (img *Image) blobHeapValue(index uint32) ([]byte, error) {
	base := img.Metadata.Blob.Offset + index
	first, err := img.buf.ReadUint8(base)
	if err != nil {
		return nil, err
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
			return nil, err
		}
		length = uint32(first&0x3F)<<8 | uint32(b2)
		headerLen = 2
	default:
		b, err := img.buf.ReadBytes(base, 4)
		if err != nil {
			return nil, err
		}
		length = uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		headerLen = 4
	}
	return img.buf.ReadBytes(base+headerLen, length)
}

// Resource returns the bytes of a resource at the given (type, lang) pair,
// via LookupResource, joined with 's "resource(offset, &size)" shape:
// here offset selects the resource type for convenience.
func (img *Image) Resource(typeID, langID uint32) ([]byte, error) {
	entry, err := img.LookupResource(typeID, langID)
	if err != nil {
		return nil, err
	}
	offset, err := img.GetOffsetFromRVA(entry.OffsetToData)
	if err != nil {
		return nil, err
	}
	return img.buf.ReadBytes(offset, entry.Size)
}

// TableRows returns the row count of table id.
func (img *Image) TableRows(id TableIndex) uint32 {
	if int(id) >= len(img.Tables.RowCounts) {
		return 0
	}
	return img.Tables.RowCounts[id]
}

// TableInfo returns the row count and one-based row offset base of table
// id.
func (img *Image) TableInfo(id TableIndex) (rows uint32, base uint32, ok bool) {
	rows = img.TableRows(id)
	if rows == 0 {
		return 0, 0, false
	}
	base, ok = img.Tables.tableOffset(id)
	return rows, base, ok
}

// Addref increments the reference count.
func (img *Image) Addref() int32 {
	return img.refCount.Add(1)
}

// Close decrements the reference count and, when it reaches zero, tears
// the image down.
func (img *Image) Close() error {
	if img.refCount.Add(-1) > 0 {
		return nil
	}
	return img.destroy()
}

func (img *Image) destroy() error {
	if img.registry != nil {
		img.registry.unregister(img)
	}

	for i, sub := range img.modules {
		if sub != nil {
			_ = sub.Close()
			img.modules[i] = nil
		}
	}
	for i, sub := range img.files {
		if sub != nil {
			_ = sub.Close()
			img.files[i] = nil
		}
	}

	if img.cache != nil {
		img.cache.destroy()
		img.cache = nil
	}

	img.destroyDynamic()

	var closeErr error
	if img.buf != nil {
		closeErr = img.buf.close()
	}

	if img.opts != nil && img.opts.retainOnClose {
		img.path += " - UNLOADED"
		img.closed = true
		return closeErr
	}

	img.closed = true
	img.buf = nil
	return closeErr
}
