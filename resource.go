// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import "encoding/binary"

// maxResourceEntries bounds one directory level's entry count against
// corrupt or adversarial size fields.
const maxResourceEntries = 0x1000

// Well-known resource type identifiers (a small, commonly used subset).
const (
	ResIconID     = 3
	ResGroupIcon  = 14
	ResVersion    = 16
	ResManifest   = 24
)

// ImageResourceDirectory is the three-level resource tree's directory node
// header.
type ImageResourceDirectory struct {
	Characteristics      uint32
	TimeDateStamp        uint32
	MajorVersion         uint16
	MinorVersion         uint16
	NumberOfNamedEntries uint16
	NumberOfIDEntries    uint16
}

// ImageResourceDirectoryEntry is one entry following a directory header.
type ImageResourceDirectoryEntry struct {
	Name         uint32
	OffsetToData uint32
}

// ImageResourceDataEntry describes one leaf resource blob.
type ImageResourceDataEntry struct {
	OffsetToData uint32
	Size         uint32
	CodePage     uint32
	Reserved     uint32
}

func (img *Image) readResourceDirectory(rva uint32) (ImageResourceDirectory, uint32, error) {
	var dir ImageResourceDirectory
	offset, err := img.GetOffsetFromRVA(rva)
	if err != nil {
		return dir, 0, err
	}
	size := uint32(binary.Size(dir))
	if err := img.buf.structUnpack(&dir, offset, size); err != nil {
		return dir, 0, err
	}
	return dir, size, nil
}

func (img *Image) readResourceDirectoryEntry(rva uint32) (ImageResourceDirectoryEntry, error) {
	var e ImageResourceDirectoryEntry
	offset, err := img.GetOffsetFromRVA(rva)
	if err != nil {
		return e, err
	}
	err = img.buf.structUnpack(&e, offset, uint32(binary.Size(e)))
	return e, err
}

func (img *Image) readResourceDataEntry(rva uint32) (ImageResourceDataEntry, error) {
	var e ImageResourceDataEntry
	offset, err := img.GetOffsetFromRVA(rva)
	if err != nil {
		return e, err
	}
	err = img.buf.structUnpack(&e, offset, uint32(binary.Size(e)))
	return e, err
}

// parseResourceDirectory just records that a resource directory is present;
// the tree itself is walked lazily and only as far as LookupResource needs.
func (img *Image) parseResourceDirectory(rva, size uint32) error {
	if _, _, err := img.readResourceDirectory(rva); err != nil {
		return err
	}
	img.resourceRVA = rva
	img.HasResource = true
	return nil
}

// LookupResource walks the three-level PE resource directory
// (type -> name -> language) looking for resID/langID:
//
//	level 0: match entry.id == resID, skip name-keyed entries.
//	level 1: accept all entries (name-keyed lookup is a documented stub).
//	level 2: match entry.id == langID, or langID == 0 (wildcard).
//
// It returns the first hit in document order, or ErrOutsideBoundary if the
// image has no resource directory or no matching entry exists.
func (img *Image) LookupResource(resID, langID uint32) (*ImageResourceDataEntry, error) {
	if !img.HasResource {
		return nil, ErrOutsideBoundary
	}
	visited := map[uint32]bool{img.resourceRVA: true}
	return img.walkResourceLevel(img.resourceRVA, img.resourceRVA, 0, resID, langID, visited)
}

func (img *Image) walkResourceLevel(rva, baseRVA uint32, level int, resID, langID uint32, visited map[uint32]bool) (*ImageResourceDataEntry, error) {
	dir, dirSize, err := img.readResourceDirectory(rva)
	if err != nil {
		return nil, err
	}

	n := int(dir.NumberOfNamedEntries) + int(dir.NumberOfIDEntries)
	if n > maxResourceEntries {
		img.opts.logger().Warnf("resource directory at level %d has %d entries, truncating walk", level, n)
		n = maxResourceEntries
	}

	entryRVA := rva + dirSize
	entrySize := uint32(binary.Size(ImageResourceDirectoryEntry{}))
	for i := 0; i < n; i++ {
		entry, err := img.readResourceDirectoryEntry(entryRVA)
		entryRVA += entrySize
		if err != nil {
			break
		}

		nameIsString := entry.Name&0x80000000 != 0
		id := entry.Name
		switch level {
		case 0:
			if nameIsString || id != resID {
				continue
			}
		case 2:
			if nameIsString || (id != langID && langID != 0) {
				continue
			}
			// level 1 accepts every entry regardless of name/id.
		}

		isDirectory := entry.OffsetToData&0x80000000 != 0
		childOffset := entry.OffsetToData & 0x7FFFFFFF

		if isDirectory {
			childRVA := baseRVA + childOffset
			if visited[childRVA] {
				continue
			}
			visited[childRVA] = true
			data, err := img.walkResourceLevel(childRVA, baseRVA, level+1, resID, langID, visited)
			if err == nil && data != nil {
				return data, nil
			}
			continue
		}

		if level != 2 {
			continue
		}
		dataEntry, err := img.readResourceDataEntry(baseRVA + childOffset)
		if err != nil {
			continue
		}
		out := dataEntry
		return &out, nil
	}

	return nil, ErrOutsideBoundary
}
