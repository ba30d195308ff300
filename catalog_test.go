// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// typeEntry builds a data type entry of the upload table.
type typeEntry struct {
	name, typeName, comment string
	size, offset, flags     uint32
	dims                    []ArrayDim
	members                 []typeEntry
	attrs                   [][2]string
	enums                   []EnumValue
}

func appendString(b []byte, s string) []byte {
	return append(append(b, s...), 0)
}

func appendAttributes(b []byte, attrs [][2]string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(attrs)))
	for _, a := range attrs {
		b = append(b, byte(len(a[0])), byte(len(a[1])))
		b = appendString(b, a[0])
		b = appendString(b, a[1])
	}
	return b
}

// withLength prepends the entry length to body.
func withLength(body []byte) []byte {
	return append(binary.LittleEndian.AppendUint32(nil, uint32(4+len(body))), body...)
}

func (e typeEntry) bytes() []byte {
	flags := e.flags
	if len(e.attrs) > 0 {
		flags |= dataTypeFlagAttributes
	}
	if len(e.enums) > 0 {
		flags |= dataTypeFlagEnumInfos
	}
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, 1) // version
	b = binary.LittleEndian.AppendUint32(b, 0) // hash
	b = binary.LittleEndian.AppendUint32(b, 0) // type hash
	b = binary.LittleEndian.AppendUint32(b, e.size)
	b = binary.LittleEndian.AppendUint32(b, e.offset)
	b = binary.LittleEndian.AppendUint32(b, 0) // data type id
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.name)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.typeName)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.comment)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.dims)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.members)))
	b = appendString(b, e.name)
	b = appendString(b, e.typeName)
	b = appendString(b, e.comment)
	for _, d := range e.dims {
		b = binary.LittleEndian.AppendUint32(b, uint32(d.LowerBound))
		b = binary.LittleEndian.AppendUint32(b, d.Length)
	}
	for _, m := range e.members {
		b = append(b, m.bytes()...)
	}
	if len(e.attrs) > 0 {
		b = appendAttributes(b, e.attrs)
	}
	if len(e.enums) > 0 {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(e.enums)))
		for _, v := range e.enums {
			b = append(b, byte(len(v.Name)))
			b = appendString(b, v.Name)
			b = append(b, v.Raw...)
		}
	}
	return withLength(b)
}

// symbolEntry builds a symbol entry of the upload table.
type symbolEntry struct {
	name, typeName, comment string
	group, offset, size     uint32
	flags                   uint32
	attrs                   [][2]string
}

func (e symbolEntry) bytes() []byte {
	flags := e.flags
	if len(e.attrs) > 0 {
		flags |= SymbolFlagAttributes
	}
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, e.group)
	b = binary.LittleEndian.AppendUint32(b, e.offset)
	b = binary.LittleEndian.AppendUint32(b, e.size)
	b = binary.LittleEndian.AppendUint32(b, 0) // data type id
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.name)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.typeName)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(e.comment)))
	b = appendString(b, e.name)
	b = appendString(b, e.typeName)
	b = appendString(b, e.comment)
	if len(e.attrs) > 0 {
		b = appendAttributes(b, e.attrs)
	}
	return withLength(b)
}

// tableTransport serves upload tables.
type tableTransport struct {
	*fakeTransport
	info, types, symbols []byte
	uploads              int
}

func newTableTransport(types []typeEntry, symbols []symbolEntry) *tableTransport {
	t := &tableTransport{fakeTransport: newFakeTransport()}
	for _, e := range types {
		t.types = append(t.types, e.bytes()...)
	}
	for _, e := range symbols {
		t.symbols = append(t.symbols, e.bytes()...)
	}
	t.info = binary.LittleEndian.AppendUint32(t.info, uint32(len(symbols)))
	t.info = binary.LittleEndian.AppendUint32(t.info, uint32(len(t.symbols)))
	t.info = binary.LittleEndian.AppendUint32(t.info, uint32(len(types)))
	t.info = binary.LittleEndian.AppendUint32(t.info, uint32(len(t.types)))
	t.info = append(t.info, make([]byte, 8)...)
	return t
}

func (t *tableTransport) Read(ctx context.Context, group, offset uint32, data []byte) (int, error) {
	switch group {
	case IndexGroupSymbolUploadInfo2:
		t.uploads++
		return copy(data, t.info), nil
	case IndexGroupDataTypeUpload:
		return copy(data, t.types), nil
	case IndexGroupSymbolUpload:
		return copy(data, t.symbols), nil
	}
	return t.fakeTransport.Read(ctx, group, offset, data)
}

func intRaw(v int16) []byte {
	return binary.LittleEndian.AppendUint16(nil, uint16(v))
}

func plcTables() ([]typeEntry, []symbolEntry) {
	types := []typeEntry{
		{name: "ST_Point", size: 4, comment: "a point", attrs: [][2]string{{"pack_mode", "1"}}, members: []typeEntry{
			{name: "x", typeName: "INT", size: 2, offset: 0},
			{name: "y", typeName: "INT", size: 2, offset: 2},
		}},
		{name: "U_Word", size: 2, members: []typeEntry{
			{name: "w", typeName: "WORD", size: 2, offset: 0},
			{name: "i", typeName: "INT", size: 2, offset: 0},
		}},
		{name: "E_Mode", typeName: "INT", size: 2, enums: []EnumValue{
			{Name: "Off", Raw: intRaw(0)},
			{Name: "Auto", Raw: intRaw(1)},
		}},
		{name: "T_Count", typeName: "DINT", size: 4},
		{name: "ARRAY [1..3] OF ST_Point", typeName: "ST_Point", size: 12, dims: []ArrayDim{{LowerBound: 1, Length: 3}}},
		{name: "POINTER TO ST_Point", size: 8},
		{name: "STRING(80)", size: 81},
		{name: "INT (0..100)", typeName: "INT", size: 2},
	}
	symbols := []symbolEntry{
		{name: "MAIN.aPoints", typeName: "ARRAY [1..3] OF ST_Point", group: 0x4040, offset: 8, size: 12},
		{name: "MAIN.mode", typeName: "E_Mode", group: 0x4040, offset: 20, size: 2, comment: "operating mode"},
		{name: "GVL.nCount", typeName: "T_Count", group: 0x4020, offset: 0, size: 4,
			flags: SymbolFlagPersistent, attrs: [][2]string{{"TcLinkTo", "Term1"}}},
		{name: "MAIN.sName", typeName: "STRING(80)", group: 0x4040, offset: 24, size: 81},
		{name: "MAIN.nLevel", typeName: "DINT", group: 0x4040, offset: 108, size: 4},
	}
	return types, symbols
}

func TestUploadCatalogLinksTypes(t *testing.T) {
	transport := newTableTransport(plcTables())
	catalog := NewUploadCatalog(transport, zerolog.Nop())

	types, err := catalog.DataTypes(context.Background())
	require.NoError(t, err)
	require.Len(t, types, 8)
	byName := make(map[string]*DataType, len(types))
	for _, dt := range types {
		byName[dt.Name] = dt
	}

	pt := byName["ST_Point"]
	assert.Equal(t, CategoryStruct, pt.Category)
	assert.Equal(t, "a point", pt.Comment)
	assert.Equal(t, map[string]string{"pack_mode": "1"}, pt.Attributes)
	require.Len(t, pt.Members, 2)
	assert.Equal(t, "y", pt.Members[1].Name)
	assert.Equal(t, uint32(2), pt.Members[1].Offset)
	assert.Equal(t, CategoryPrimitive, pt.Members[1].Type.Category)
	assert.Same(t, pt.Members[0].Type, pt.Members[1].Type, "INT is built once")

	assert.Equal(t, CategoryUnion, byName["U_Word"].Category)

	mode := byName["E_Mode"]
	assert.Equal(t, CategoryEnum, mode.Category)
	assert.Equal(t, "INT", mode.Base.Name)
	assert.Equal(t, []EnumValue{{Name: "Off", Raw: intRaw(0)}, {Name: "Auto", Raw: intRaw(1)}}, mode.EnumValues)

	count := byName["T_Count"]
	assert.Equal(t, CategoryAlias, count.Category)
	assert.Equal(t, "DINT", count.Base.Name)

	arr := byName["ARRAY [1..3] OF ST_Point"]
	assert.Equal(t, CategoryArray, arr.Category)
	assert.Same(t, pt, arr.Element)
	assert.Equal(t, 3, arr.ElementCount())

	ptr := byName["POINTER TO ST_Point"]
	assert.Equal(t, CategoryPointer, ptr.Category)
	assert.Same(t, pt, ptr.Base)

	assert.Equal(t, CategoryString, byName["STRING(80)"].Category)

	sub := byName["INT (0..100)"]
	assert.Equal(t, CategorySubRange, sub.Category)
	assert.Equal(t, "INT", sub.Base.Name)
}

func TestUploadCatalogSymbols(t *testing.T) {
	transport := newTableTransport(plcTables())
	catalog := NewUploadCatalog(transport, zerolog.Nop())

	symbols, err := catalog.Symbols(context.Background())
	require.NoError(t, err)
	require.Len(t, symbols, 5)

	points := symbols[0]
	assert.Equal(t, "MAIN.aPoints", points.Path)
	assert.Equal(t, CategoryArray, points.Type.Category)
	assert.Equal(t, uint32(0x4040), points.IndexGroup)
	assert.Equal(t, uint32(8), points.IndexOffset)

	assert.Equal(t, "operating mode", symbols[1].Comment)

	count := symbols[2]
	assert.True(t, count.Persistent)
	assert.Equal(t, map[string]string{"TcLinkTo": "Term1"}, count.Attributes)
	assert.False(t, symbols[1].Persistent)

	// Types missing from the table are synthesized from name and size.
	level := symbols[4].Type
	assert.Equal(t, "DINT", level.Name)
	assert.Equal(t, CategoryPrimitive, level.Category)
	assert.Equal(t, uint32(4), level.Size)
}

func TestUploadCatalogCachesUntilReset(t *testing.T) {
	transport := newTableTransport(plcTables())
	catalog := NewUploadCatalog(transport, zerolog.Nop())
	ctx := context.Background()

	_, err := catalog.Symbols(ctx)
	require.NoError(t, err)
	_, err = catalog.DataTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, transport.uploads)

	catalog.Reset()
	_, err = catalog.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, transport.uploads)
}

func TestUploadCatalogTruncatedEntry(t *testing.T) {
	transport := newTableTransport(plcTables())
	// Claim more bytes than the table holds.
	binary.LittleEndian.PutUint32(transport.types, uint32(len(transport.types)+1))
	catalog := NewUploadCatalog(transport, zerolog.Nop())

	_, err := catalog.Symbols(context.Background())
	assert.ErrorIs(t, err, ErrIncompleteResponse)
}

func TestUploadCatalogShortInfo(t *testing.T) {
	transport := newTableTransport(plcTables())
	transport.info = transport.info[:8]
	catalog := NewUploadCatalog(transport, zerolog.Nop())

	_, err := catalog.DataTypes(context.Background())
	assert.ErrorIs(t, err, ErrIncompleteResponse)
}

func TestUploadCatalogTransportError(t *testing.T) {
	transport := newTableTransport(plcTables())
	transport.setState(StateLost)
	catalog := NewUploadCatalog(&stateCheckedTransport{transport}, zerolog.Nop())

	_, err := catalog.Symbols(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

// stateCheckedTransport refuses uploads while the link is down.
type stateCheckedTransport struct {
	*tableTransport
}

func (s *stateCheckedTransport) Read(ctx context.Context, group, offset uint32, data []byte) (int, error) {
	if !s.IsConnected() {
		return 0, ErrNotConnected
	}
	return s.tableTransport.Read(ctx, group, offset, data)
}

func TestUploadCatalogInterfaces(t *testing.T) {
	types := []typeEntry{
		{name: "I_Motor", typeName: "PVOID", size: 8, flags: dataTypeFlagInterface},
		{name: "T_MotorRef", typeName: "ST_Motor", size: 8, flags: dataTypeFlagReference},
		{name: "ST_Motor", size: 2, members: []typeEntry{{name: "nSpeed", typeName: "INT", size: 2}}},
	}
	symbols := []symbolEntry{
		{name: "MAIN.ipMotor", typeName: "I_Motor", group: 0x4040, size: 8},
	}
	catalog := NewUploadCatalog(newTableTransport(types, symbols), zerolog.Nop())

	got, err := catalog.Symbols(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	motor := got[0].Type
	assert.Equal(t, CategoryInterface, motor.Category)
	assert.True(t, motor.IsReadOnly())

	l, err := NewLayoutCompiler(zerolog.Nop()).Compile(motor)
	require.NoError(t, err)
	assert.True(t, l.Address)
	assert.Equal(t, 8, l.Size)

	all, err := catalog.DataTypes(context.Background())
	require.NoError(t, err)
	ref := all[1]
	assert.Equal(t, CategoryReference, ref.Category)
	assert.Equal(t, "ST_Motor", ref.Base.Name)
}
