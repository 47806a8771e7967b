// Copyright 2024 The climage Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package climage

// TableIndex identifies one of the 64 possible logical metadata tables.
// Indices above GenericParamConstraint are never defined but are
// tolerated in valid_mask as a warning.
type TableIndex int

// The 45 defined table indices (ECMA-335 Partition II §22).
const (
	Module TableIndex = iota
	TypeRef
	TypeDef
	FieldPtr
	Field
	MethodPtr
	Method
	ParamPtr
	Param
	InterfaceImpl
	MemberRef
	Constant
	CustomAttribute
	FieldMarshal
	DeclSecurity
	ClassLayout
	FieldLayout
	StandAloneSig
	EventMap
	EventPtr
	Event
	PropertyMap
	PropertyPtr
	Property
	MethodSemantics
	MethodImpl
	ModuleRef
	TypeSpec
	ImplMap
	FieldRVA
	ENCLog
	ENCMap
	Assembly
	AssemblyProcessor
	AssemblyOS
	AssemblyRef
	AssemblyRefProcessor
	AssemblyRefOS
	FileMD
	ExportedType
	ManifestResource
	NestedClass
	GenericParam
	MethodSpec
	GenericParamConstraint
	numTables // 45; also the first position never defined in valid_mask
)

// MetadataTableIndexToString returns the table's ECMA-335 name.
func MetadataTableIndexToString(k TableIndex) string {
	names := [...]string{
		"Module", "TypeRef", "TypeDef", "FieldPtr", "Field", "MethodPtr",
		"Method", "ParamPtr", "Param", "InterfaceImpl", "MemberRef",
		"Constant", "CustomAttribute", "FieldMarshal", "DeclSecurity",
		"ClassLayout", "FieldLayout", "StandAloneSig", "EventMap", "EventPtr",
		"Event", "PropertyMap", "PropertyPtr", "Property", "MethodSemantics",
		"MethodImpl", "ModuleRef", "TypeSpec", "ImplMap", "FieldRVA",
		"ENCLog", "ENCMap", "Assembly", "AssemblyProcessor", "AssemblyOS",
		"AssemblyRef", "AssemblyRefProcessor", "AssemblyRefOS", "File",
		"ExportedType", "ManifestResource", "NestedClass", "GenericParam",
		"MethodSpec", "GenericParamConstraint",
	}
	if k < 0 || int(k) >= len(names) {
		return ""
	}
	return names[k]
}

// colKind classifies one column of a table row for the purpose of
// computing its on-disk width; it never decodes the column's value.
type colKind int

const (
	colFixed colKind = iota
	colString
	colGUID
	colBlob
	colSimple
	colCoded
)

type column struct {
	kind      colKind
	fixedSize uint32
	table     TableIndex // for colSimple
	coded     string     // key into codedIndexes, for colCoded
}

func fixed(n uint32) column       { return column{kind: colFixed, fixedSize: n} }
func strCol() column              { return column{kind: colString} }
func guidCol() column             { return column{kind: colGUID} }
func blobCol() column             { return column{kind: colBlob} }
func simple(t TableIndex) column  { return column{kind: colSimple, table: t} }
func coded(name string) column    { return column{kind: colCoded, coded: name} }

// codedIndex describes one of the coded-index kinds of ECMA-335 §II.24.2.6:
// a tag of tagBits bits selects among tables, the remaining bits are a row
// index into the selected table.
type codedIndex struct {
	tagBits uint
	tables  []TableIndex
}

var codedIndexes = map[string]codedIndex{
	"TypeDefOrRef":        {2, []TableIndex{TypeDef, TypeRef, TypeSpec}},
	"HasConstant":         {2, []TableIndex{Field, Param, Property}},
	"HasCustomAttribute":  {5, []TableIndex{Method, Field, TypeRef, TypeDef, Param, InterfaceImpl, MemberRef, Module, DeclSecurity, Property, Event, StandAloneSig, ModuleRef, TypeSpec, Assembly, AssemblyRef, FileMD, ExportedType, ManifestResource, GenericParam, GenericParamConstraint, MethodSpec}},
	"HasFieldMarshal":     {1, []TableIndex{Field, Param}},
	"HasDeclSecurity":     {2, []TableIndex{TypeDef, Method, Assembly}},
	"MemberRefParent":     {3, []TableIndex{TypeDef, TypeRef, ModuleRef, Method, TypeSpec}},
	"HasSemantics":        {1, []TableIndex{Event, Property}},
	"MethodDefOrRef":      {1, []TableIndex{Method, MemberRef}},
	"MemberForwarded":     {1, []TableIndex{Field, Method}},
	"Implementation":      {2, []TableIndex{FileMD, AssemblyRef, ExportedType}},
	"CustomAttributeType": {3, []TableIndex{Module /*unused*/, Module /*unused*/, Method, MemberRef, Module /*unused*/}},
	"ResolutionScope":     {2, []TableIndex{Module, ModuleRef, AssemblyRef, TypeRef}},
	"TypeOrMethodDef":     {1, []TableIndex{TypeDef, Method}},
}

// tableSchema is the column layout of every defined table,
// used only to compute row byte-widths so table boundaries can be located;
// decoding a row's actual values beyond what Module/Assembly and
// ModuleRef/File names require is left to the metadata decoder collaborator.
var tableSchema = map[TableIndex][]column{
	Module:                  {fixed(2), strCol(), guidCol(), guidCol(), guidCol()},
	TypeRef:                 {coded("ResolutionScope"), strCol(), strCol()},
	TypeDef:                 {fixed(4), strCol(), strCol(), coded("TypeDefOrRef"), simple(Field), simple(Method)},
	FieldPtr:                {simple(Field)},
	Field:                   {fixed(2), strCol(), blobCol()},
	MethodPtr:               {simple(Method)},
	Method:                  {fixed(4), fixed(2), fixed(2), strCol(), blobCol(), simple(Param)},
	ParamPtr:                {simple(Param)},
	Param:                   {fixed(2), fixed(2), strCol()},
	InterfaceImpl:           {simple(TypeDef), coded("TypeDefOrRef")},
	MemberRef:               {coded("MemberRefParent"), strCol(), blobCol()},
	Constant:                {fixed(2), coded("HasConstant"), blobCol()},
	CustomAttribute:         {coded("HasCustomAttribute"), coded("CustomAttributeType"), blobCol()},
	FieldMarshal:            {coded("HasFieldMarshal"), blobCol()},
	DeclSecurity:            {fixed(2), coded("HasDeclSecurity"), blobCol()},
	ClassLayout:             {fixed(2), fixed(4), simple(TypeDef)},
	FieldLayout:             {fixed(4), simple(Field)},
	StandAloneSig:           {blobCol()},
	EventMap:                {simple(TypeDef), simple(Event)},
	EventPtr:                {simple(Event)},
	Event:                   {fixed(2), strCol(), coded("TypeDefOrRef")},
	PropertyMap:             {simple(TypeDef), simple(Property)},
	PropertyPtr:             {simple(Property)},
	Property:                {fixed(2), strCol(), blobCol()},
	MethodSemantics:         {fixed(2), simple(Method), coded("HasSemantics")},
	MethodImpl:              {simple(TypeDef), coded("MethodDefOrRef"), coded("MethodDefOrRef")},
	ModuleRef:                {strCol()},
	TypeSpec:                {blobCol()},
	ImplMap:                 {fixed(2), coded("MemberForwarded"), strCol(), simple(ModuleRef)},
	FieldRVA:                {fixed(4), simple(Field)},
	ENCLog:                  {fixed(4), fixed(4)},
	ENCMap:                  {fixed(4)},
	Assembly:                {fixed(4), fixed(2), fixed(2), fixed(2), fixed(2), fixed(4), blobCol(), strCol(), strCol()},
	AssemblyProcessor:       {fixed(4)},
	AssemblyOS:              {fixed(4), fixed(4), fixed(4)},
	AssemblyRef:             {fixed(2), fixed(2), fixed(2), fixed(2), fixed(4), blobCol(), strCol(), strCol(), blobCol()},
	AssemblyRefProcessor:    {fixed(4), simple(AssemblyRef)},
	AssemblyRefOS:           {fixed(4), fixed(4), fixed(4), simple(AssemblyRef)},
	FileMD:                  {fixed(4), strCol(), blobCol()},
	ExportedType:            {fixed(4), fixed(4), strCol(), strCol(), coded("Implementation")},
	ManifestResource:        {fixed(4), fixed(4), strCol(), coded("Implementation")},
	NestedClass:             {simple(TypeDef), simple(TypeDef)},
	GenericParam:            {fixed(2), fixed(2), coded("TypeOrMethodDef"), strCol()},
	MethodSpec:              {coded("MethodDefOrRef"), blobCol()},
	GenericParamConstraint:  {simple(GenericParam), coded("TypeDefOrRef")},
}

// TablesDescriptor is the tables-stream header plus derived layout info.
type TablesDescriptor struct {
	MajorVersion uint8
	MinorVersion uint8
	HeapSizes    uint8
	StringWide   bool
	GUIDWide     bool
	BlobWide     bool
	ValidMask    uint64
	SortedMask   uint64
	RowCounts    [numTables]uint32
	// TablesBase is the offset, in the raw buffer, of the first row of the
	// first present table — i.e. the position right after the array of
	// per-table row counts.
	TablesBase uint32
}

func (t *TablesDescriptor) indexWidth(wide bool) uint32 {
	if wide {
		return 4
	}
	return 2
}

// rowWidth computes the byte width of one row of table idx, from the
// column schema and the current row counts (needed for simple/coded index
// widths). Indices with no schema entry (>= numTables) have width 0; a
// defined table with zero rows still has its schema width.
func (t *TablesDescriptor) rowWidth(idx TableIndex) uint32 {
	cols, ok := tableSchema[idx]
	if !ok {
		return 0
	}
	var width uint32
	for _, c := range cols {
		switch c.kind {
		case colFixed:
			width += c.fixedSize
		case colString:
			width += t.indexWidth(t.StringWide)
		case colGUID:
			width += t.indexWidth(t.GUIDWide)
		case colBlob:
			width += t.indexWidth(t.BlobWide)
		case colSimple:
			if int(c.table) < len(t.RowCounts) && t.RowCounts[c.table] >= 1<<16 {
				width += 4
			} else {
				width += 2
			}
		case colCoded:
			ci := codedIndexes[c.coded]
			var maxRows uint32
			for _, ref := range ci.tables {
				if int(ref) < len(t.RowCounts) && t.RowCounts[ref] > maxRows {
					maxRows = t.RowCounts[ref]
				}
			}
			if maxRows >= 1<<(16-ci.tagBits) {
				width += 4
			} else {
				width += 2
			}
		}
	}
	return width
}

// tableOffset returns the raw-buffer offset of row 1 of table idx, by
// summing the row widths of every lower-indexed present table starting
// from TablesBase. Returns false if the table has no rows.
func (t *TablesDescriptor) tableOffset(idx TableIndex) (uint32, bool) {
	if int(idx) >= len(t.RowCounts) || t.RowCounts[idx] == 0 {
		return 0, false
	}
	offset := t.TablesBase
	for i := TableIndex(0); i < idx; i++ {
		if int(i) >= len(t.RowCounts) || t.RowCounts[i] == 0 {
			continue
		}
		offset += t.rowWidth(i) * t.RowCounts[i]
	}
	return offset, true
}

// rowOffset returns the offset of the one-based row n of table idx.
func (t *TablesDescriptor) rowOffset(idx TableIndex, n uint32) (uint32, bool) {
	base, ok := t.tableOffset(idx)
	if !ok || n < 1 || n > t.RowCounts[idx] {
		return 0, false
	}
	return base + t.rowWidth(idx)*(n-1), true
}
