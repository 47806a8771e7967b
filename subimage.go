// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

import "path/filepath"

// fileContainsNoMetaData is the File table's FileAttributes bit marking a
// file entry that carries no metadata of its own.
const fileContainsNoMetaData = 0x0001

// LoadModule resolves the one-based ModuleRef index idx to a sub-image,
// opening it lazily on first reference and caching the result — including
// a negative result — thereafter.
func (img *Image) LoadModule(idx int) (*Image, error) {
	return img.loadSubImage(idx, ModuleRef, img.modules, img.modulesLoaded, true)
}

// LoadFile resolves the one-based File table index idx to a sub-image, the
// symmetric counterpart of LoadModule without the File-table cross-check.
func (img *Image) LoadFile(idx int) (*Image, error) {
	return img.loadSubImage(idx, FileMD, img.files, img.filesLoaded, false)
}

func (img *Image) loadSubImage(idx int, table TableIndex, slots []*Image, loaded []bool, crossCheck bool) (*Image, error) {
	if idx < 1 || idx > len(slots) {
		return nil, ErrSubImageIndexRange
	}
	i := idx - 1
	if loaded[i] {
		return slots[i], nil
	}
	// Mark the slot loaded whether or not the open below succeeds, so a
	// failing reference isn't re-attempted on every call.
	loaded[i] = true

	name, err := img.subImageName(table, idx)
	if err != nil || name == "" {
		return nil, err
	}

	if crossCheck && !img.moduleNameValidAgainstFileTable(name) {
		return nil, nil
	}

	filename := filepath.Join(filepath.Dir(img.path), name)

	var sub *Image
	if img.registry != nil {
		sub, err = img.registry.Open(filename, img.refOnly)
	} else {
		sub, err = OpenPEOnly(filename, img.opts)
	}
	if err != nil {
		return nil, nil
	}

	sub.Addref()
	sub.assembly = img.Assembly()
	slots[i] = sub
	return sub, nil
}

// subImageName reads the Name string-heap index of row idx of table
// (ModuleRef or File, both of which have Name as their first/second
// column at a fixed schema position).
func (img *Image) subImageName(table TableIndex, idx int) (string, error) {
	off, ok := img.Tables.rowOffset(table, uint32(idx))
	if !ok {
		return "", nil
	}
	nameOffset := off
	if table == FileMD {
		nameOffset += 4 // skip the Flags fixed(4) column
	}
	strIdx, err := img.readHeapIndex(nameOffset, img.Tables.StringWide)
	if err != nil {
		return "", err
	}
	return img.stringsHeapString(strIdx)
}

// moduleNameValidAgainstFileTable cross-checks a ModuleRef name against
// the File table: only names present there, and not flagged
// fileContainsNoMetaData, are valid module references. An empty File
// table disables the check.
func (img *Image) moduleNameValidAgainstFileTable(name string) bool {
	n := img.Tables.RowCounts[FileMD]
	if n == 0 {
		return true
	}
	for i := uint32(1); i <= n; i++ {
		off, ok := img.Tables.rowOffset(FileMD, i)
		if !ok {
			continue
		}
		flags, err := img.buf.ReadUint32(off)
		if err != nil {
			continue
		}
		strIdx, err := img.readHeapIndex(off+4, img.Tables.StringWide)
		if err != nil {
			continue
		}
		fname, err := img.stringsHeapString(strIdx)
		if err != nil {
			continue
		}
		if fname == name {
			return flags&fileContainsNoMetaData == 0
		}
	}
	return false
}
