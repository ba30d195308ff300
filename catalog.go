// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Data type entry flags of the upload table.
const (
	dataTypeFlagReference   uint32 = 1 << 2
	dataTypeFlagTypeGUID    uint32 = 1 << 7
	dataTypeFlagCopyMask    uint32 = 1 << 9
	dataTypeFlagInterface   uint32 = 1 << 10
	dataTypeFlagMethodInfos uint32 = 1 << 11
	dataTypeFlagAttributes  uint32 = 1 << 12
	dataTypeFlagEnumInfos   uint32 = 1 << 13

	symbolFlagTypeGUID uint32 = 1 << 3

	uploadInfoSize      = 24
	dataTypeEntryHeader = 42
	symbolEntryHeader   = 30
)

var subRangePattern = regexp.MustCompile(`^\w+\s*\(\s*-?\d+\s*\.\.\s*-?\d+\s*\)$`)

// rawType is a data type entry as uploaded.
type rawType struct {
	name       string
	typeName   string
	comment    string
	size       uint32
	offset     uint32
	flags      uint32
	dims       []ArrayDim
	members    []*rawType
	attributes map[string]string
	enumValues []EnumValue
}

// rawSymbol is a symbol entry as uploaded.
type rawSymbol struct {
	name        string
	typeName    string
	comment     string
	indexGroup  uint32
	indexOffset uint32
	size        uint32
	flags       uint32
	attributes  map[string]string
}

// UploadCatalog implements SymbolCatalog by uploading the symbol and
// data type tables of the target.
type UploadCatalog struct {
	transport Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	loaded  bool
	types   []*DataType
	symbols []*Symbol
}

var _ SymbolCatalog = (*UploadCatalog)(nil)

// NewUploadCatalog creates a catalog reading through transport.
func NewUploadCatalog(transport Transport, logger zerolog.Logger) *UploadCatalog {
	return &UploadCatalog{transport: transport, logger: logger}
}

// Symbols returns the root symbols.
func (c *UploadCatalog) Symbols(ctx context.Context) ([]*Symbol, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c.symbols, nil
}

// DataTypes returns the declared data types.
func (c *UploadCatalog) DataTypes(ctx context.Context) ([]*DataType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c.types, nil
}

// Reset drops the uploaded tables. The next call uploads them again.
func (c *UploadCatalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaded = false
	c.types = nil
	c.symbols = nil
}

// load uploads both tables. Caller must hold the mutex.
//
//	Upload info:
//	 Symbol count         : 4 bytes
//	 Symbol table size    : 4 bytes
//	 Data type count      : 4 bytes
//	 Data type table size : 4 bytes
//	 Max dynamic symbols  : 4 bytes
//	 Used dynamic symbols : 4 bytes
func (c *UploadCatalog) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	var info [uploadInfoSize]byte
	n, err := c.transport.Read(ctx, IndexGroupSymbolUploadInfo2, 0, info[:])
	if err != nil {
		return fmt.Errorf("ads: reading upload info: %w", err)
	}
	if n < 16 {
		return fmt.Errorf("ads: upload info of '%v' bytes: %w", n, ErrIncompleteResponse)
	}
	symbolCount := binary.LittleEndian.Uint32(info[0:])
	symbolSize := binary.LittleEndian.Uint32(info[4:])
	typeCount := binary.LittleEndian.Uint32(info[8:])
	typeSize := binary.LittleEndian.Uint32(info[12:])

	typeTable := make([]byte, typeSize)
	if n, err = c.transport.Read(ctx, IndexGroupDataTypeUpload, 0, typeTable); err != nil {
		return fmt.Errorf("ads: uploading data types: %w", err)
	}
	rawTypes, err := parseDataTypes(typeTable[:n])
	if err != nil {
		return err
	}
	symbolTable := make([]byte, symbolSize)
	if n, err = c.transport.Read(ctx, IndexGroupSymbolUpload, 0, symbolTable); err != nil {
		return fmt.Errorf("ads: uploading symbols: %w", err)
	}
	rawSymbols, err := parseSymbols(symbolTable[:n])
	if err != nil {
		return err
	}
	if len(rawTypes) != int(typeCount) || len(rawSymbols) != int(symbolCount) {
		c.logger.Warn().
			Int("types", len(rawTypes)).Uint32("expectedTypes", typeCount).
			Int("symbols", len(rawSymbols)).Uint32("expectedSymbols", symbolCount).
			Msg("ads: upload counts differ from upload info")
	}
	c.types, c.symbols = link(rawTypes, rawSymbols)
	c.loaded = true
	c.logger.Debug().Int("types", len(c.types)).Int("symbols", len(c.symbols)).Msg("ads: catalog uploaded")
	return nil
}

// entryReader reads the fields of one upload entry. A read past the end
// records an error and yields zero values.
type entryReader struct {
	b   []byte
	off int
	err error
}

func (r *entryReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("ads: upload entry truncated at offset '%v': %w", r.off, ErrIncompleteResponse)
		return nil
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b
}

func (r *entryReader) u8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *entryReader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *entryReader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// str reads n characters and the terminating NUL.
func (r *entryReader) str(n int) string {
	b := r.next(n + 1)
	if b == nil {
		return ""
	}
	return string(b[:n])
}

func (r *entryReader) rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.b[r.off:]
}

//	Attributes:
//	 Count                : 2 bytes
//	 Name length          : 1 byte
//	 Value length         : 1 byte
//	 Name                 : n bytes + NUL
//	 Value                : n bytes + NUL
func (r *entryReader) attributes() map[string]string {
	count := int(r.u16())
	attrs := make(map[string]string, count)
	for i := 0; i < count && r.err == nil; i++ {
		nameLen, valueLen := int(r.u8()), int(r.u8())
		name := r.str(nameLen)
		attrs[name] = r.str(valueLen)
	}
	return attrs
}

func parseDataTypes(table []byte) ([]*rawType, error) {
	var types []*rawType
	for off := 0; off < len(table); {
		t, n, err := parseDataTypeEntry(table[off:])
		if err != nil {
			return nil, fmt.Errorf("ads: data type entry at offset '%v': %w", off, err)
		}
		types = append(types, t)
		off += n
	}
	return types, nil
}

// parseDataTypeEntry parses one data type entry and returns its length.
//
//	Entry length         : 4 bytes
//	Version              : 4 bytes
//	Hash                 : 4 bytes
//	Type hash            : 4 bytes
//	Size                 : 4 bytes
//	Offset               : 4 bytes
//	Data type id         : 4 bytes
//	Flags                : 4 bytes
//	Name length          : 2 bytes
//	Type length          : 2 bytes
//	Comment length       : 2 bytes
//	Array dimensions     : 2 bytes
//	Sub items            : 2 bytes
//	Name, type, comment  : NUL terminated
//	Array info           : 8 bytes per dimension
//	Sub items            : nested entries
//	Optional sections    : selected by flags
func parseDataTypeEntry(b []byte) (*rawType, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("ads: '%v' bytes left for an entry: %w", len(b), ErrIncompleteResponse)
	}
	entryLen := int(binary.LittleEndian.Uint32(b))
	if entryLen < dataTypeEntryHeader || entryLen > len(b) {
		return nil, 0, fmt.Errorf("ads: entry length '%v' with '%v' bytes left: %w", entryLen, len(b), ErrIncompleteResponse)
	}
	r := &entryReader{b: b[:entryLen], off: 4}
	t := &rawType{}
	r.u32() // version
	r.u32() // hash
	r.u32() // type hash
	t.size = r.u32()
	t.offset = r.u32()
	r.u32() // data type id
	t.flags = r.u32()
	nameLen, typeLen, commentLen := int(r.u16()), int(r.u16()), int(r.u16())
	arrayDim, subItems := int(r.u16()), int(r.u16())
	t.name = r.str(nameLen)
	t.typeName = r.str(typeLen)
	t.comment = r.str(commentLen)
	for i := 0; i < arrayDim; i++ {
		t.dims = append(t.dims, ArrayDim{LowerBound: int32(r.u32()), Length: r.u32()})
	}
	for i := 0; i < subItems && r.err == nil; i++ {
		sub, n, err := parseDataTypeEntry(r.rest())
		if err != nil {
			return nil, 0, fmt.Errorf("ads: member %d of '%s': %w", i, t.name, err)
		}
		r.next(n)
		t.members = append(t.members, sub)
	}
	if t.flags&dataTypeFlagTypeGUID != 0 {
		r.next(16)
	}
	if t.flags&dataTypeFlagCopyMask != 0 {
		r.next(int(t.size))
	}
	if t.flags&dataTypeFlagMethodInfos != 0 {
		count := int(r.u16())
		for i := 0; i < count && r.err == nil; i++ {
			rest := r.rest()
			if len(rest) < 4 {
				r.next(4)
				break
			}
			r.next(int(binary.LittleEndian.Uint32(rest)))
		}
	}
	if t.flags&dataTypeFlagAttributes != 0 {
		t.attributes = r.attributes()
	}
	if t.flags&dataTypeFlagEnumInfos != 0 {
		count := int(r.u16())
		for i := 0; i < count && r.err == nil; i++ {
			name := r.str(int(r.u8()))
			raw := r.next(int(t.size))
			t.enumValues = append(t.enumValues, EnumValue{Name: name, Raw: append([]byte(nil), raw...)})
		}
	}
	if r.err != nil {
		return nil, 0, fmt.Errorf("ads: data type '%s': %w", t.name, r.err)
	}
	// Later sections are skipped.
	return t, entryLen, nil
}

func parseSymbols(table []byte) ([]*rawSymbol, error) {
	var symbols []*rawSymbol
	for off := 0; off < len(table); {
		s, n, err := parseSymbolEntry(table[off:])
		if err != nil {
			return nil, fmt.Errorf("ads: symbol entry at offset '%v': %w", off, err)
		}
		symbols = append(symbols, s)
		off += n
	}
	return symbols, nil
}

// parseSymbolEntry parses one symbol entry and returns its length.
//
//	Entry length         : 4 bytes
//	Index group          : 4 bytes
//	Index offset         : 4 bytes
//	Size                 : 4 bytes
//	Data type id         : 4 bytes
//	Flags                : 4 bytes
//	Name length          : 2 bytes
//	Type length          : 2 bytes
//	Comment length       : 2 bytes
//	Name, type, comment  : NUL terminated
func parseSymbolEntry(b []byte) (*rawSymbol, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("ads: '%v' bytes left for an entry: %w", len(b), ErrIncompleteResponse)
	}
	entryLen := int(binary.LittleEndian.Uint32(b))
	if entryLen < symbolEntryHeader || entryLen > len(b) {
		return nil, 0, fmt.Errorf("ads: entry length '%v' with '%v' bytes left: %w", entryLen, len(b), ErrIncompleteResponse)
	}
	r := &entryReader{b: b[:entryLen], off: 4}
	s := &rawSymbol{}
	s.indexGroup = r.u32()
	s.indexOffset = r.u32()
	s.size = r.u32()
	r.u32() // data type id
	s.flags = r.u32()
	nameLen, typeLen, commentLen := int(r.u16()), int(r.u16()), int(r.u16())
	s.name = r.str(nameLen)
	s.typeName = r.str(typeLen)
	s.comment = r.str(commentLen)
	if s.flags&symbolFlagTypeGUID != 0 {
		r.next(16)
	}
	if s.flags&SymbolFlagAttributes != 0 {
		s.attributes = r.attributes()
	}
	if r.err != nil {
		return nil, 0, fmt.Errorf("ads: symbol '%s': %w", s.name, r.err)
	}
	return s, entryLen, nil
}

// linker turns uploaded entries into linked DataType descriptors.
type linker struct {
	raw   map[string]*rawType
	built map[string]*DataType
}

// link resolves type names of types, members and symbols. Names missing
// from the data type table are synthesized from the name and size.
func link(rawTypes []*rawType, rawSymbols []*rawSymbol) ([]*DataType, []*Symbol) {
	l := &linker{
		raw:   make(map[string]*rawType, len(rawTypes)),
		built: make(map[string]*DataType, len(rawTypes)),
	}
	for _, t := range rawTypes {
		l.raw[strings.ToUpper(t.name)] = t
	}
	types := make([]*DataType, 0, len(rawTypes))
	for _, t := range rawTypes {
		types = append(types, l.named(t.name, t.size))
	}
	symbols := make([]*Symbol, 0, len(rawSymbols))
	for _, s := range rawSymbols {
		sym := &Symbol{
			Path:        s.name,
			Type:        l.named(s.typeName, s.size),
			IndexGroup:  s.indexGroup,
			IndexOffset: s.indexOffset,
			Size:        s.size,
			Comment:     s.comment,
			Persistent:  s.flags&SymbolFlagPersistent != 0,
			Attributes:  s.attributes,
		}
		symbols = append(symbols, sym)
	}
	return types, symbols
}

// named returns the type called name, building it on first use.
func (l *linker) named(name string, size uint32) *DataType {
	key := strings.ToUpper(strings.TrimSpace(name))
	if t, ok := l.built[key]; ok {
		return t
	}
	if raw, ok := l.raw[key]; ok {
		return l.build(key, raw)
	}
	return l.build(key, &rawType{name: strings.TrimSpace(name), size: size})
}

// member returns the type of a member entry, falling back to the entry
// itself when its type is not in the table.
func (l *linker) member(m *rawType) *DataType {
	key := strings.ToUpper(strings.TrimSpace(m.typeName))
	if t, ok := l.built[key]; ok {
		return t
	}
	if raw, ok := l.raw[key]; ok {
		return l.build(key, raw)
	}
	if len(m.dims) > 0 || len(m.members) > 0 || len(m.enumValues) > 0 {
		anon := *m
		anon.name = m.typeName
		anon.typeName = ""
		return l.build(key, &anon)
	}
	return l.build(key, &rawType{name: strings.TrimSpace(m.typeName), size: m.size})
}

func (l *linker) build(key string, raw *rawType) *DataType {
	t := &DataType{
		Name:       raw.name,
		Size:       raw.size,
		Comment:    raw.comment,
		Attributes: raw.attributes,
	}
	// Registered before its dependencies, so self references terminate.
	l.built[key] = t

	upper := strings.ToUpper(raw.name)
	switch {
	case len(raw.dims) > 0:
		t.Category = CategoryArray
		t.Dims = raw.dims
		elemSize := uint32(0)
		if n := t.ElementCount(); n > 0 {
			elemSize = raw.size / uint32(n)
		}
		t.Element = l.named(raw.typeName, elemSize)
	case len(raw.enumValues) > 0:
		t.Category = CategoryEnum
		t.EnumValues = raw.enumValues
		t.Base = l.named(raw.typeName, raw.size)
	case strings.HasPrefix(upper, "POINTER TO "):
		t.Category = CategoryPointer
		t.Base = l.named(raw.name[len("POINTER TO "):], 0)
	case strings.HasPrefix(upper, "REFERENCE TO "):
		t.Category = CategoryReference
		t.Base = l.named(raw.name[len("REFERENCE TO "):], 0)
	case raw.flags&dataTypeFlagInterface != 0 || strings.HasPrefix(upper, "INTERFACE "):
		t.Category = CategoryInterface
	case raw.flags&dataTypeFlagReference != 0 && raw.typeName != "":
		t.Category = CategoryReference
		t.Base = l.named(raw.typeName, 0)
	case isStringName(upper):
		t.Category = CategoryString
	case len(raw.members) >= 2 && allAtZero(raw.members):
		t.Category = CategoryUnion
		t.Members = l.members(raw.members)
	case len(raw.members) > 0:
		t.Category = CategoryStruct
		t.Members = l.members(raw.members)
	case subRangePattern.MatchString(raw.name):
		t.Category = CategorySubRange
		base := raw.typeName
		if base == "" {
			base = raw.name[:strings.Index(raw.name, "(")]
		}
		t.Base = l.named(base, raw.size)
	case raw.typeName != "" && !strings.EqualFold(raw.typeName, raw.name):
		t.Category = CategoryAlias
		t.Base = l.named(raw.typeName, raw.size)
	default:
		t.Category = CategoryPrimitive
	}
	return t
}

func (l *linker) members(raw []*rawType) []Member {
	members := make([]Member, 0, len(raw))
	for _, m := range raw {
		members = append(members, Member{
			Name:       m.name,
			Type:       l.member(m),
			Offset:     m.offset,
			Comment:    m.comment,
			Attributes: m.attributes,
		})
	}
	return members
}

func isStringName(upper string) bool {
	return upper == "STRING" || upper == "WSTRING" ||
		strings.HasPrefix(upper, "STRING(") || strings.HasPrefix(upper, "WSTRING(")
}

func allAtZero(members []*rawType) bool {
	for _, m := range members {
		if m.offset != 0 {
			return false
		}
	}
	return true
}
