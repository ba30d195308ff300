// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Kind is the native representation selected for a compiled type.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindWString
	KindEnum
	KindArray
	KindStruct
	KindUnion
	KindPadding
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindBool:    "bool",
	KindInt8:    "int8",
	KindUint8:   "uint8",
	KindInt16:   "int16",
	KindUint16:  "uint16",
	KindInt32:   "int32",
	KindUint32:  "uint32",
	KindInt64:   "int64",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
	KindWString: "wstring",
	KindEnum:    "enum",
	KindArray:   "array",
	KindStruct:  "struct",
	KindUnion:   "union",
	KindPadding: "padding",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "invalid"
	}
	return kindNames[k]
}

// Width is the encoded size of a scalar kind, 0 for everything else.
func (k Kind) Width() int {
	switch k {
	case KindBool, KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	}
	return 0
}

// IsInteger reports whether k is a signed or unsigned integer kind.
func (k Kind) IsInteger() bool {
	return k >= KindInt8 && k <= KindUint64
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return true
	}
	return false
}

// IsScalar reports whether k is a fixed-width scalar.
func (k Kind) IsScalar() bool {
	return k.Width() > 0
}

func (k Kind) isString() bool {
	return k == KindString || k == KindWString
}

var primitiveKinds = map[string]Kind{
	"BOOL":          KindBool,
	"BYTE":          KindUint8,
	"USINT":         KindUint8,
	"SBYTE":         KindInt8,
	"SINT":          KindInt8,
	"UINT":          KindUint16,
	"WORD":          KindUint16,
	"INT":           KindInt16,
	"UDINT":         KindUint32,
	"DWORD":         KindUint32,
	"TIME":          KindUint32,
	"DATE":          KindUint32,
	"DT":            KindUint32,
	"DATE_AND_TIME": KindUint32,
	"TOD":           KindUint32,
	"TIME_OF_DAY":   KindUint32,
	"DINT":          KindInt32,
	"ULINT":         KindUint64,
	"LWORD":         KindUint64,
	"LTIME":         KindUint64,
	"LDATE":         KindUint64,
	"UXINT":         KindUint64,
	"LINT":          KindInt64,
	"XINT":          KindInt64,
	"REAL":          KindFloat32,
	"LREAL":         KindFloat64,
}

// Layout is the compiled, offset-resolved form of a DataType. Layouts are
// shared between callers and must not be modified.
type Layout struct {
	// Name is the name of the source data type.
	Name    string
	Kind    Kind
	Size    int
	Comment string

	// Fields of a struct or union, padding included.
	Fields []Field
	// Elem, Count and Dims describe an array.
	Elem  *Layout
	Count int
	Dims  []ArrayDim
	// Base and Enumerators describe an enum.
	Base        *Layout
	Enumerators []Enumerator

	ReadOnly   bool
	BlockWrite bool
	// Address is set for collapsed pointers, references and interfaces.
	Address    bool
	Attributes map[string]string
}

// Field is a member of a struct or union layout.
type Field struct {
	Name       string
	Offset     int
	Layout     *Layout
	ReadOnly   bool
	BlockWrite bool
	// Padding fields fill the gaps between members and are never decoded.
	Padding    bool
	Comment    string
	Attributes map[string]string
}

// Enumerator is a named enum value.
type Enumerator struct {
	Name  string
	Value int64
}

// FieldByName finds a non-padding field by case-insensitive name.
func (l *Layout) FieldByName(name string) (*Field, bool) {
	for i := range l.Fields {
		f := &l.Fields[i]
		if !f.Padding && strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return nil, false
}

// EnumName returns the enumerator name of v.
func (l *Layout) EnumName(v int64) (string, bool) {
	for _, e := range l.Enumerators {
		if e.Value == v {
			return e.Name, true
		}
	}
	return "", false
}

// EnumValue returns the value of the enumerator called name.
func (l *Layout) EnumValue(name string) (int64, bool) {
	for _, e := range l.Enumerators {
		if strings.EqualFold(e.Name, name) {
			return e.Value, true
		}
	}
	return 0, false
}

// TypeName is the name a value must carry to be written through the
// untyped write path. Scalars use the Go type name, arrays prefix the
// element name with "[]".
func (l *Layout) TypeName() string {
	switch l.Kind {
	case KindString, KindWString:
		return "string"
	case KindArray:
		return "[]" + l.Elem.TypeName()
	case KindEnum, KindStruct, KindUnion:
		return l.Name
	}
	return l.Kind.String()
}

// LayoutCompiler compiles data types into layouts and memoizes the result
// by type name.
type LayoutCompiler struct {
	cache  atomic.Pointer[sync.Map]
	logger zerolog.Logger
}

// NewLayoutCompiler allocates a compiler with an empty cache.
func NewLayoutCompiler(logger zerolog.Logger) *LayoutCompiler {
	c := &LayoutCompiler{logger: logger}
	c.cache.Store(new(sync.Map))
	return c
}

// ResetCache drops every memoized layout. Compilations running
// concurrently finish against the old cache.
func (c *LayoutCompiler) ResetCache() {
	c.cache.Store(new(sync.Map))
	c.logger.Debug().Msg("ads: layout cache reset")
}

// Compile returns the layout of t.
func (c *LayoutCompiler) Compile(t *DataType) (*Layout, error) {
	return c.compileIn(c.cache.Load(), t)
}

func (c *LayoutCompiler) compileIn(cache *sync.Map, t *DataType) (*Layout, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: missing data type", ErrUnsupportedLayout)
	}
	if t.Name != "" {
		if l, ok := cache.Load(t.Name); ok {
			return l.(*Layout), nil
		}
	}
	l, err := c.compile(cache, t)
	if err != nil {
		return nil, err
	}
	if t.Name != "" {
		actual, _ := cache.LoadOrStore(t.Name, l)
		l = actual.(*Layout)
	}
	c.logger.Debug().Str("type", t.Name).Stringer("kind", l.Kind).Int("size", l.Size).Msg("ads: compiled layout")
	return l, nil
}

func (c *LayoutCompiler) compile(cache *sync.Map, t *DataType) (*Layout, error) {
	switch t.Category {
	case CategoryPrimitive:
		return compilePrimitive(t)
	case CategoryString:
		return compileString(t)
	case CategoryAlias, CategorySubRange:
		return c.compileAlias(cache, t)
	case CategoryEnum:
		return c.compileEnum(cache, t)
	case CategoryPointer, CategoryReference, CategoryInterface:
		return compileAddress(t), nil
	case CategoryArray:
		return c.compileArray(cache, t)
	case CategoryStruct:
		return c.compileStruct(cache, t)
	case CategoryUnion:
		return c.compileUnion(cache, t)
	}
	return nil, fmt.Errorf("%w: type '%s' has unknown category", ErrUnsupportedLayout, t.Name)
}

func compilePrimitive(t *DataType) (*Layout, error) {
	kind, ok := primitiveKinds[strings.ToUpper(t.Name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown primitive '%s'", ErrUnsupportedLayout, t.Name)
	}
	if t.Size != 0 && int(t.Size) != kind.Width() {
		return nil, fmt.Errorf("%w: primitive '%s' declares size '%d', expected '%d'",
			ErrUnsupportedLayout, t.Name, t.Size, kind.Width())
	}
	ro := t.HasAttribute(AttributeReadOnly)
	return &Layout{
		Name:       t.Name,
		Kind:       kind,
		Size:       kind.Width(),
		Comment:    t.Comment,
		ReadOnly:   ro,
		BlockWrite: !ro,
		Attributes: t.Attributes,
	}, nil
}

func compileString(t *DataType) (*Layout, error) {
	if t.Size == 0 {
		return nil, fmt.Errorf("%w: string '%s' has no capacity", ErrUnsupportedLayout, t.Name)
	}
	kind := KindString
	if strings.HasPrefix(strings.ToUpper(t.Name), "WSTRING") {
		kind = KindWString
		if t.Size%2 != 0 {
			return nil, fmt.Errorf("%w: wide string '%s' has odd size '%d'", ErrUnsupportedLayout, t.Name, t.Size)
		}
	}
	ro := t.HasAttribute(AttributeReadOnly)
	return &Layout{
		Name:       t.Name,
		Kind:       kind,
		Size:       int(t.Size),
		Comment:    t.Comment,
		ReadOnly:   ro,
		BlockWrite: !ro,
		Attributes: t.Attributes,
	}, nil
}

// compileAlias returns the layout of the base type. Only the capability
// attributes of the alias itself produce a distinct layout.
func (c *LayoutCompiler) compileAlias(cache *sync.Map, t *DataType) (*Layout, error) {
	if t.Base == nil {
		return nil, fmt.Errorf("%w: %s '%s' has no base type", ErrUnsupportedLayout, t.Category, t.Name)
	}
	base, err := c.compileIn(cache, t.Base)
	if err != nil {
		return nil, err
	}
	ro := t.HasAttribute(AttributeReadOnly)
	nbw := t.HasAttribute(AttributeNotBlockWritable)
	if !ro && !nbw {
		return base, nil
	}
	l := *base
	l.ReadOnly = l.ReadOnly || ro
	l.BlockWrite = l.BlockWrite && !ro && !nbw
	return &l, nil
}

func (c *LayoutCompiler) compileEnum(cache *sync.Map, t *DataType) (*Layout, error) {
	if t.Base == nil {
		return nil, fmt.Errorf("%w: enum '%s' has no base type", ErrUnsupportedLayout, t.Name)
	}
	base, err := c.compileIn(cache, t.Base)
	if err != nil {
		return nil, err
	}
	if !base.Kind.IsInteger() {
		return nil, fmt.Errorf("%w: enum '%s' has base '%s' of kind '%s'",
			ErrUnsupportedLayout, t.Name, t.Base.Name, base.Kind)
	}
	values := make([]Enumerator, 0, len(t.EnumValues))
	for _, v := range t.EnumValues {
		if len(v.Raw) != base.Size {
			return nil, fmt.Errorf("%w: enumerator '%s.%s' has '%d' bytes, expected '%d'",
				ErrUnsupportedLayout, t.Name, v.Name, len(v.Raw), base.Size)
		}
		values = append(values, Enumerator{Name: v.Name, Value: decodeInteger(base.Kind, v.Raw)})
	}
	ro := t.HasAttribute(AttributeReadOnly)
	return &Layout{
		Name:        t.Name,
		Kind:        KindEnum,
		Size:        base.Size,
		Comment:     t.Comment,
		Base:        base,
		Enumerators: values,
		ReadOnly:    ro,
		BlockWrite:  !ro && !t.HasAttribute(AttributeNotBlockWritable),
		Attributes:  t.Attributes,
	}, nil
}

// compileAddress collapses pointers, references and interfaces to an
// unsigned integer of the declared width.
func compileAddress(t *DataType) *Layout {
	kind := KindUint64
	if t.Size == 4 {
		kind = KindUint32
	}
	return &Layout{
		Name:       t.Name,
		Kind:       kind,
		Size:       kind.Width(),
		Comment:    t.Comment,
		ReadOnly:   true,
		BlockWrite: false,
		Address:    true,
		Attributes: t.Attributes,
	}
}

func (c *LayoutCompiler) compileArray(cache *sync.Map, t *DataType) (*Layout, error) {
	if t.Element == nil {
		return nil, fmt.Errorf("%w: array '%s' has no element type", ErrUnsupportedLayout, t.Name)
	}
	elem, err := c.compileIn(cache, t.Element)
	if err != nil {
		return nil, err
	}
	if elem.Size == 0 || int(t.Size)%elem.Size != 0 {
		return nil, fmt.Errorf("%w: array '%s' of size '%d' does not hold whole elements of size '%d'",
			ErrUnsupportedLayout, t.Name, t.Size, elem.Size)
	}
	count := int(t.Size) / elem.Size
	if n := t.ElementCount(); n != 0 && n != count {
		return nil, fmt.Errorf("%w: array '%s' declares '%d' elements, size holds '%d'",
			ErrUnsupportedLayout, t.Name, n, count)
	}
	ro := t.HasAttribute(AttributeReadOnly)
	return &Layout{
		Name:       t.Name,
		Kind:       KindArray,
		Size:       int(t.Size),
		Comment:    t.Comment,
		Elem:       elem,
		Count:      count,
		Dims:       t.Dims,
		ReadOnly:   ro,
		BlockWrite: !ro && elem.BlockWrite && !elem.Kind.isString() && !t.HasAttribute(AttributeNotBlockWritable),
		Attributes: t.Attributes,
	}, nil
}

func (c *LayoutCompiler) compileStruct(cache *sync.Map, t *DataType) (*Layout, error) {
	ro := t.HasAttribute(AttributeReadOnly)
	blockWrite := !ro && !t.HasAttribute(AttributeNotBlockWritable)
	fields := make([]Field, 0, len(t.Members))
	cursor, pads := 0, 0
	for _, m := range t.Members {
		sub, err := c.compileIn(cache, m.Type)
		if err != nil {
			return nil, fmt.Errorf("member '%s.%s': %w", t.Name, m.Name, err)
		}
		offset := int(m.Offset)
		if offset > cursor {
			fields = append(fields, padding(pads, cursor, offset-cursor))
			pads++
			cursor = offset
		} else if offset < cursor {
			// Overlapping members share storage and cannot be written as a block.
			blockWrite = false
		}
		_, memberRO := m.Attribute(AttributeReadOnly)
		_, memberNBW := m.Attribute(AttributeNotBlockWritable)
		f := Field{
			Name:       m.Name,
			Offset:     offset,
			Layout:     sub,
			ReadOnly:   sub.ReadOnly || memberRO,
			Comment:    m.Comment,
			Attributes: m.Attributes,
		}
		f.BlockWrite = sub.BlockWrite && !f.ReadOnly && !memberNBW
		blockWrite = blockWrite && f.BlockWrite
		fields = append(fields, f)
		if end := offset + sub.Size; end > cursor {
			cursor = end
		}
	}
	size := int(t.Size)
	if cursor > size {
		return nil, fmt.Errorf("%w: members of struct '%s' extend to '%d', past its size '%d'",
			ErrUnsupportedLayout, t.Name, cursor, size)
	}
	if cursor < size {
		fields = append(fields, padding(pads, cursor, size-cursor))
	}
	return &Layout{
		Name:       t.Name,
		Kind:       KindStruct,
		Size:       size,
		Comment:    t.Comment,
		Fields:     fields,
		ReadOnly:   ro,
		BlockWrite: blockWrite,
		Attributes: t.Attributes,
	}, nil
}

func (c *LayoutCompiler) compileUnion(cache *sync.Map, t *DataType) (*Layout, error) {
	ro := t.HasAttribute(AttributeReadOnly)
	blockWrite := !ro && !t.HasAttribute(AttributeNotBlockWritable)
	size := int(t.Size)
	fields := make([]Field, 0, len(t.Members))
	for _, m := range t.Members {
		sub, err := c.compileIn(cache, m.Type)
		if err != nil {
			return nil, fmt.Errorf("member '%s.%s': %w", t.Name, m.Name, err)
		}
		_, memberRO := m.Attribute(AttributeReadOnly)
		if sub.Kind.isString() {
			return nil, fmt.Errorf("%w: union '%s' has string member '%s'", ErrUnsupportedLayout, t.Name, m.Name)
		}
		if sub.ReadOnly || memberRO {
			return nil, fmt.Errorf("%w: union '%s' has read-only member '%s'", ErrUnsupportedLayout, t.Name, m.Name)
		}
		if sub.Size > size {
			return nil, fmt.Errorf("%w: union '%s' member '%s' of size '%d' exceeds '%d'",
				ErrUnsupportedLayout, t.Name, m.Name, sub.Size, size)
		}
		_, memberNBW := m.Attribute(AttributeNotBlockWritable)
		f := Field{
			Name:       m.Name,
			Layout:     sub,
			BlockWrite: sub.BlockWrite && !memberNBW,
			Comment:    m.Comment,
			Attributes: m.Attributes,
		}
		blockWrite = blockWrite && f.BlockWrite
		fields = append(fields, f)
	}
	return &Layout{
		Name:       t.Name,
		Kind:       KindUnion,
		Size:       size,
		Comment:    t.Comment,
		Fields:     fields,
		ReadOnly:   ro,
		BlockWrite: blockWrite,
		Attributes: t.Attributes,
	}, nil
}

func padding(n, offset, size int) Field {
	return Field{
		Name:       fmt.Sprintf("_pad%d", n),
		Offset:     offset,
		Layout:     &Layout{Kind: KindPadding, Size: size, BlockWrite: true},
		BlockWrite: true,
		Padding:    true,
	}
}
