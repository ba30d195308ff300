// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import "strings"

// Attribute names with a meaning for the layout compiler.
const (
	AttributeReadOnly         = "ReadOnly"
	AttributeNotBlockWritable = "NotBlockWritable"
)

// Category classifies a DataType.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryPrimitive
	CategoryString
	CategoryStruct
	CategoryUnion
	CategoryArray
	CategoryEnum
	CategoryAlias
	CategorySubRange
	CategoryPointer
	CategoryReference
	CategoryInterface
)

func (c Category) String() string {
	switch c {
	case CategoryPrimitive:
		return "primitive"
	case CategoryString:
		return "string"
	case CategoryStruct:
		return "struct"
	case CategoryUnion:
		return "union"
	case CategoryArray:
		return "array"
	case CategoryEnum:
		return "enum"
	case CategoryAlias:
		return "alias"
	case CategorySubRange:
		return "subrange"
	case CategoryPointer:
		return "pointer"
	case CategoryReference:
		return "reference"
	case CategoryInterface:
		return "interface"
	default:
		return "unknown"
	}
}

// DataType describes a type declared by the PLC program.
type DataType struct {
	// Name is the full type name. It identifies the type within a
	// program and keys the layout cache.
	Name     string
	Category Category
	// Size in bytes.
	Size       uint32
	Comment    string
	Attributes map[string]string

	// Base is the underlying type of an alias, subrange or enum and the
	// pointed-to type of a pointer or reference.
	Base *DataType
	// Element and Dims describe an array.
	Element *DataType
	Dims    []ArrayDim
	// Members of a struct or union in declaration order.
	Members []Member
	// EnumValues of an enum, raw in the width of the base type.
	EnumValues []EnumValue
}

// Member is a struct or union member.
type Member struct {
	Name       string
	Type       *DataType
	Offset     uint32
	Comment    string
	Attributes map[string]string
}

// EnumValue is one enumerator.
type EnumValue struct {
	Name string
	Raw  []byte
}

// ArrayDim is one array dimension.
type ArrayDim struct {
	LowerBound int32
	Length     uint32
}

// Attribute looks up an attribute by case-insensitive name.
func (t *DataType) Attribute(name string) (string, bool) {
	return attribute(t.Attributes, name)
}

// HasAttribute reports whether the attribute is declared.
func (t *DataType) HasAttribute(name string) bool {
	_, ok := t.Attribute(name)
	return ok
}

// IsReadOnly reports whether values of the type cannot be written.
func (t *DataType) IsReadOnly() bool {
	switch t.Category {
	case CategoryPointer, CategoryReference, CategoryInterface:
		return true
	}
	return t.HasAttribute(AttributeReadOnly)
}

// Resolve follows aliases and subranges to the type that defines the layout.
func (t *DataType) Resolve() *DataType {
	for t != nil && (t.Category == CategoryAlias || t.Category == CategorySubRange) && t.Base != nil {
		t = t.Base
	}
	return t
}

// ElementCount is the total number of elements of an array.
func (t *DataType) ElementCount() int {
	if len(t.Dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Dims {
		n *= int(d.Length)
	}
	return n
}

// Attribute looks up a member attribute by case-insensitive name.
func (m *Member) Attribute(name string) (string, bool) {
	return attribute(m.Attributes, name)
}

func attribute(attrs map[string]string, name string) (string, bool) {
	if v, ok := attrs[name]; ok {
		return v, true
	}
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
