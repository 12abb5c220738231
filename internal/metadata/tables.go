package metadata

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// tableID is the number of a metadata table (ECMA-335 II.22).
type tableID uint8

const (
	tableModule tableID = iota
	tableTypeRef
	tableTypeDef
	tableFieldPtr
	tableField
	tableMethodPtr
	tableMethodDef
	tableParamPtr
	tableParam
	tableInterfaceImpl
	tableMemberRef
	tableConstant
	tableCustomAttribute
	tableFieldMarshal
	tableDeclSecurity
	tableClassLayout
	tableFieldLayout
	tableStandAloneSig
	tableEventMap
	tableEventPtr
	tableEvent
	tablePropertyMap
	tablePropertyPtr
	tableProperty
	tableMethodSemantics
	tableMethodImpl
	tableModuleRef
	tableTypeSpec
	tableImplMap
	tableFieldRVA
	tableEncLog
	tableEncMap
	tableAssembly
	tableAssemblyProcessor
	tableAssemblyOS
	tableAssemblyRef
	tableAssemblyRefProcessor
	tableAssemblyRefOS
	tableFile
	tableExportedType
	tableManifestResource
	tableNestedClass
	tableGenericParam
	tableMethodSpec
	tableGenericParamConstraint

	tableCount

	tableUnused tableID = 0xff
)

// heap size flags of the #~ stream header.
const (
	heapStringsWide = 0x01
	heapGUIDWide    = 0x02
	heapBlobWide    = 0x04
	heapExtraData   = 0x40
)

// codedIndex packs a table tag and a row into one column (ECMA-335 II.24.2.6).
type codedIndex struct {
	bits   uint
	tables []tableID
}

var (
	typeDefOrRef    = codedIndex{2, []tableID{tableTypeDef, tableTypeRef, tableTypeSpec}}
	hasConstant     = codedIndex{2, []tableID{tableField, tableParam, tableProperty}}
	hasFieldMarshal = codedIndex{1, []tableID{tableField, tableParam}}
	hasDeclSecurity = codedIndex{2, []tableID{tableTypeDef, tableMethodDef, tableAssembly}}
	memberRefParent = codedIndex{3, []tableID{tableTypeDef, tableTypeRef, tableModuleRef, tableMethodDef, tableTypeSpec}}
	hasSemantics    = codedIndex{1, []tableID{tableEvent, tableProperty}}
	methodDefOrRef  = codedIndex{1, []tableID{tableMethodDef, tableMemberRef}}
	memberForwarded = codedIndex{1, []tableID{tableField, tableMethodDef}}
	implementation  = codedIndex{2, []tableID{tableFile, tableAssemblyRef, tableExportedType}}
	resolutionScope = codedIndex{2, []tableID{tableModule, tableModuleRef, tableAssemblyRef, tableTypeRef}}
	typeOrMethodDef = codedIndex{1, []tableID{tableTypeDef, tableMethodDef}}

	customAttributeType = codedIndex{3, []tableID{
		tableUnused, tableUnused, tableMethodDef, tableMemberRef, tableUnused,
	}}

	hasCustomAttribute = codedIndex{5, []tableID{
		tableMethodDef, tableField, tableTypeRef, tableTypeDef, tableParam,
		tableInterfaceImpl, tableMemberRef, tableModule, tableDeclSecurity, tableProperty,
		tableEvent, tableStandAloneSig, tableModuleRef, tableTypeSpec, tableAssembly,
		tableAssemblyRef, tableFile, tableExportedType, tableManifestResource, tableGenericParam,
		tableGenericParamConstraint, tableMethodSpec,
	}}
)

// decode splits a coded index value into its table and row.
func (c *codedIndex) decode(v uint32) (tableID, uint32, bool) {
	tag := v & (1<<c.bits - 1)
	if int(tag) >= len(c.tables) || c.tables[tag] == tableUnused {
		return tableUnused, 0, false
	}

	return c.tables[tag], v >> c.bits, true
}

type columnKind uint8

const (
	colFixed2 columnKind = iota
	colFixed4
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

type column struct {
	kind  columnKind
	table tableID
	coded *codedIndex
}

var (
	fixed2  = column{kind: colFixed2}
	fixed4  = column{kind: colFixed4}
	strIdx  = column{kind: colString}
	guidIdx = column{kind: colGUID}
	blobIdx = column{kind: colBlob}
)

func ref(t tableID) column      { return column{kind: colTable, table: t} }
func coded(c *codedIndex) column { return column{kind: colCoded, coded: c} }

// schema lists the columns of every table. Constant.Type is a byte followed
// by a padding byte, so it is read as a 2-byte column.
var schema = [tableCount][]column{
	tableModule:                 {fixed2, strIdx, guidIdx, guidIdx, guidIdx},
	tableTypeRef:                {coded(&resolutionScope), strIdx, strIdx},
	tableTypeDef:                {fixed4, strIdx, strIdx, coded(&typeDefOrRef), ref(tableField), ref(tableMethodDef)},
	tableFieldPtr:               {ref(tableField)},
	tableField:                  {fixed2, strIdx, blobIdx},
	tableMethodPtr:              {ref(tableMethodDef)},
	tableMethodDef:              {fixed4, fixed2, fixed2, strIdx, blobIdx, ref(tableParam)},
	tableParamPtr:               {ref(tableParam)},
	tableParam:                  {fixed2, fixed2, strIdx},
	tableInterfaceImpl:          {ref(tableTypeDef), coded(&typeDefOrRef)},
	tableMemberRef:              {coded(&memberRefParent), strIdx, blobIdx},
	tableConstant:               {fixed2, coded(&hasConstant), blobIdx},
	tableCustomAttribute:        {coded(&hasCustomAttribute), coded(&customAttributeType), blobIdx},
	tableFieldMarshal:           {coded(&hasFieldMarshal), blobIdx},
	tableDeclSecurity:           {fixed2, coded(&hasDeclSecurity), blobIdx},
	tableClassLayout:            {fixed2, fixed4, ref(tableTypeDef)},
	tableFieldLayout:            {fixed4, ref(tableField)},
	tableStandAloneSig:          {blobIdx},
	tableEventMap:               {ref(tableTypeDef), ref(tableEvent)},
	tableEventPtr:               {ref(tableEvent)},
	tableEvent:                  {fixed2, strIdx, coded(&typeDefOrRef)},
	tablePropertyMap:            {ref(tableTypeDef), ref(tableProperty)},
	tablePropertyPtr:            {ref(tableProperty)},
	tableProperty:               {fixed2, strIdx, blobIdx},
	tableMethodSemantics:        {fixed2, ref(tableMethodDef), coded(&hasSemantics)},
	tableMethodImpl:             {ref(tableTypeDef), coded(&methodDefOrRef), coded(&methodDefOrRef)},
	tableModuleRef:              {strIdx},
	tableTypeSpec:               {blobIdx},
	tableImplMap:                {fixed2, coded(&memberForwarded), strIdx, ref(tableModuleRef)},
	tableFieldRVA:               {fixed4, ref(tableField)},
	tableEncLog:                 {fixed4, fixed4},
	tableEncMap:                 {fixed4},
	tableAssembly:               {fixed4, fixed2, fixed2, fixed2, fixed2, fixed4, blobIdx, strIdx, strIdx},
	tableAssemblyProcessor:      {fixed4},
	tableAssemblyOS:             {fixed4, fixed4, fixed4},
	tableAssemblyRef:            {fixed2, fixed2, fixed2, fixed2, fixed4, blobIdx, strIdx, strIdx, blobIdx},
	tableAssemblyRefProcessor:   {fixed4, ref(tableAssemblyRef)},
	tableAssemblyRefOS:          {fixed4, fixed4, fixed4, ref(tableAssemblyRef)},
	tableFile:                   {fixed4, strIdx, blobIdx},
	tableExportedType:           {fixed4, fixed4, strIdx, strIdx, coded(&implementation)},
	tableManifestResource:       {fixed4, fixed4, strIdx, coded(&implementation)},
	tableNestedClass:            {ref(tableTypeDef), ref(tableTypeDef)},
	tableGenericParam:           {fixed2, fixed2, coded(&typeOrMethodDef), strIdx},
	tableMethodSpec:             {coded(&methodDefOrRef), blobIdx},
	tableGenericParamConstraint: {ref(tableGenericParam), coded(&typeDefOrRef)},
}

// table is one decoded metadata table; rows are fixed width.
type table struct {
	rows    uint32
	width   int
	offsets []int
	sizes   []int
	data    []byte
}

// get reads column col of the 1-based row. Out-of-range rows read as zero.
func (t *table) get(row uint32, col int) uint32 {
	if row == 0 || row > t.rows || col >= len(t.offsets) {
		return 0
	}

	off := int(row-1)*t.width + t.offsets[col]
	if t.sizes[col] == 2 {
		return uint32(binary.LittleEndian.Uint16(t.data[off:]))
	}

	return binary.LittleEndian.Uint32(t.data[off:])
}

// tableSet holds every table of the #~ stream.
type tableSet struct {
	tables    [tableCount]table
	heapSizes byte
}

func (ts *tableSet) table(id tableID) *table {
	return &ts.tables[id]
}

func (ts *tableSet) rows(id tableID) uint32 {
	return ts.tables[id].rows
}

// parseTables decodes the #~ (or #-) stream.
func parseTables(stream []byte) (*tableSet, error) {
	const headerSize = 24

	if len(stream) < headerSize {
		return nil, errors.Errorf("table stream header truncated (%d bytes)", len(stream))
	}

	ts := &tableSet{heapSizes: stream[6]}
	valid := binary.LittleEndian.Uint64(stream[8:])

	var rows [64]uint32

	pos := headerSize
	for i := range 64 {
		if valid&(1<<uint(i)) == 0 {
			continue
		}

		if pos+4 > len(stream) {
			return nil, errors.Errorf("row count of table 0x%02x truncated", i)
		}

		rows[i] = binary.LittleEndian.Uint32(stream[pos:])
		pos += 4
	}

	if ts.heapSizes&heapExtraData != 0 {
		pos += 4
	}

	for id := range tableCount {
		if valid&(1<<uint(id)) == 0 {
			continue
		}

		t := &ts.tables[id]
		t.rows = rows[id]
		t.offsets = make([]int, len(schema[id]))
		t.sizes = make([]int, len(schema[id]))

		for i, col := range schema[id] {
			size := columnSize(col, &rows, ts.heapSizes)
			t.offsets[i] = t.width
			t.sizes[i] = size
			t.width += size
		}

		size := int(t.rows) * t.width
		if t.rows > 1<<24 || pos+size > len(stream) {
			return nil, errors.Errorf("table 0x%02x truncated: %d rows of %d bytes", uint8(id), t.rows, t.width)
		}

		t.data = stream[pos : pos+size]
		pos += size
	}

	return ts, nil
}

// columnSize returns the width of a column given the row counts and heap flags.
func columnSize(col column, rows *[64]uint32, heapSizes byte) int {
	switch col.kind {
	case colFixed2:
		return 2
	case colFixed4:
		return 4
	case colString:
		return wideIf(heapSizes&heapStringsWide != 0)
	case colGUID:
		return wideIf(heapSizes&heapGUIDWide != 0)
	case colBlob:
		return wideIf(heapSizes&heapBlobWide != 0)
	case colTable:
		return wideIf(rows[col.table] >= 1<<16)
	case colCoded:
		limit := uint32(1) << (16 - col.coded.bits)
		for _, t := range col.coded.tables {
			if t != tableUnused && rows[t] >= limit {
				return 4
			}
		}

		return 2
	default:
		return 0
	}
}

func wideIf(wide bool) int {
	if wide {
		return 4
	}

	return 2
}
