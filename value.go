// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Struct is the decoded value of a struct or union.
type Struct struct {
	// Type is the PLC type name.
	Type   string
	Fields []StructField
}

// StructField is one decoded member.
type StructField struct {
	Name  string
	Value any
}

// Field returns the value of the member called name, compared case-insensitively.
func (s *Struct) Field(name string) (any, bool) {
	for _, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return nil, false
}

// MarshalJSON writes the members as an object in declaration order.
func (s *Struct) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range s.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field '%s': %w", f.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Enum is the decoded value of an enum.
type Enum struct {
	// Type is the PLC type name.
	Type string
	// Name is empty if Value matches no enumerator.
	Name  string
	Value int64
}

func (e Enum) String() string {
	if e.Name != "" {
		return e.Name
	}
	return strconv.FormatInt(e.Value, 10)
}

// MarshalJSON writes the enumerator name, or the number if it has none.
func (e Enum) MarshalJSON() ([]byte, error) {
	if e.Name != "" {
		return json.Marshal(e.Name)
	}
	return []byte(strconv.FormatInt(e.Value, 10)), nil
}

// ParseValue converts text into a value of l. Enums accept a numeric
// literal first and an enumerator name second. Strings are taken
// verbatim, structs and arrays are read as JSON.
func ParseValue(l *Layout, text string) (any, error) {
	switch l.Kind {
	case KindEnum:
		if n, err := strconv.ParseInt(strings.TrimSpace(text), 0, 64); err == nil {
			name, _ := l.EnumName(n)
			return Enum{Type: l.Name, Name: name, Value: n}, nil
		}
		n, ok := l.EnumValue(strings.TrimSpace(text))
		if !ok {
			return nil, fmt.Errorf("%w: '%s' is not an enumerator of '%s'", ErrTypeMismatch, text, l.Name)
		}
		name, _ := l.EnumName(n)
		return Enum{Type: l.Name, Name: name, Value: n}, nil
	case KindString, KindWString:
		return text, nil
	case KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return nil, parseError(l, text, err)
		}
		return b, nil
	case KindFloat32:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 32)
		if err != nil {
			return nil, parseError(l, text, err)
		}
		return float32(f), nil
	case KindFloat64:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, parseError(l, text, err)
		}
		return f, nil
	case KindArray, KindStruct, KindUnion:
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, parseError(l, text, err)
		}
		return v, nil
	}
	if l.Kind.IsInteger() {
		bits := 8 * l.Kind.Width()
		if l.Kind.IsSigned() {
			n, err := strconv.ParseInt(strings.TrimSpace(text), 0, bits)
			if err != nil {
				return nil, parseError(l, text, err)
			}
			return reflect.ValueOf(n).Convert(valueType(l)).Interface(), nil
		}
		n, err := strconv.ParseUint(strings.TrimSpace(text), 0, bits)
		if err != nil {
			return nil, parseError(l, text, err)
		}
		return reflect.ValueOf(n).Convert(valueType(l)).Interface(), nil
	}
	return nil, fmt.Errorf("%w: cannot parse kind '%s'", ErrUnsupportedLayout, l.Kind)
}

func parseError(l *Layout, text string, err error) error {
	return fmt.Errorf("%w: cannot parse '%s' as '%s': %v", ErrTypeMismatch, text, l.Name, err)
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// TypeName returns the runtime type name of v in the form Layout.TypeName
// uses. Decoded structs and enums carry the PLC type name, Go structs use
// their type name.
func TypeName(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case *Struct:
		return x.Type
	case Struct:
		return x.Type
	case Enum:
		return x.Type
	}
	return valueTypeName(reflect.ValueOf(v))
}

func valueTypeName(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return ""
		}
		return TypeName(v.Elem().Interface())
	case reflect.Slice, reflect.Array:
		t := v.Type().Elem()
		if t.Kind() == reflect.Interface || t == structPtr || t == enumType {
			// The element name lives in the value.
			if v.Len() == 0 {
				return "[]"
			}
			return "[]" + TypeName(v.Index(0).Interface())
		}
		return "[]" + staticTypeName(t)
	}
	return staticTypeName(v.Type())
}

func staticTypeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return staticTypeName(t.Elem())
	case reflect.Slice, reflect.Array:
		return "[]" + staticTypeName(t.Elem())
	case reflect.Struct:
		return t.Name()
	}
	// Named scalar types such as `type Speed int16` match by kind.
	return t.Kind().String()
}

// typeNameMatches compares a declared type name with a runtime one. PLC
// names may carry a namespace prefix that Go type names lack.
func typeNameMatches(declared, actual string) bool {
	if strings.EqualFold(declared, actual) {
		return true
	}
	strip := func(s string) string {
		prefix := ""
		for strings.HasPrefix(s, "[]") {
			prefix += "[]"
			s = s[2:]
		}
		if i := strings.LastIndexByte(s, '.'); i >= 0 {
			s = s[i+1:]
		}
		return prefix + s
	}
	return strings.EqualFold(strip(declared), strip(actual))
}
