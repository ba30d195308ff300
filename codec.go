// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode/utf16"
)

var (
	enumType   = reflect.TypeOf(Enum{})
	structType = reflect.TypeOf(Struct{})
	structPtr  = reflect.TypeOf(&Struct{})
)

// Decode converts raw bytes into the canonical value of l:
//
//	scalars       : bool, int8 ... uint64, float32, float64
//	strings       : string
//	enums         : Enum
//	arrays        : a slice of the element value type, e.g. []int16
//	structs/unions: *Struct
//
// The buffer must be exactly l.Size bytes long.
func Decode(l *Layout, data []byte) (any, error) {
	if len(data) != l.Size {
		return nil, fmt.Errorf("%w: '%s' needs '%d' bytes, got '%d'", ErrSizeMismatch, l.Name, l.Size, len(data))
	}
	return decode(l, data), nil
}

// DecodeAs decodes raw bytes into a T. Struct fields are matched by the
// `ads` tag or by case-insensitive name; fields without a counterpart
// are left untouched.
func DecodeAs[T any](l *Layout, data []byte) (T, error) {
	var out T
	if len(data) != l.Size {
		return out, fmt.Errorf("%w: '%s' needs '%d' bytes, got '%d'", ErrSizeMismatch, l.Name, l.Size, len(data))
	}
	if err := decodeInto(l, data, reflect.ValueOf(&out).Elem()); err != nil {
		return out, err
	}
	return out, nil
}

// Encode converts v into the raw bytes of l. Besides the values produced
// by Decode it accepts Go structs, maps with string keys, slices and
// arrays of matching length, any integer or float for numeric kinds, and
// enumerator names for enums. Struct fields missing from v are encoded as
// zero.
func Encode(l *Layout, v any) ([]byte, error) {
	data := make([]byte, l.Size)
	if err := encode(l, data, v); err != nil {
		return nil, err
	}
	return data, nil
}

func decode(l *Layout, data []byte) any {
	switch l.Kind {
	case KindString:
		return decodeString(data)
	case KindWString:
		return decodeWString(data)
	case KindEnum:
		v := decodeInteger(l.Base.Kind, data)
		name, _ := l.EnumName(v)
		return Enum{Type: l.Name, Name: name, Value: v}
	case KindArray:
		out := reflect.MakeSlice(reflect.SliceOf(valueType(l.Elem)), l.Count, l.Count)
		offset := 0
		for i := 0; i < l.Count; i++ {
			el := decode(l.Elem, data[offset:offset+l.Elem.Size])
			out.Index(i).Set(reflect.ValueOf(el))
			offset += l.Elem.Size
		}
		return out.Interface()
	case KindStruct, KindUnion:
		s := &Struct{Type: l.Name, Fields: make([]StructField, 0, len(l.Fields))}
		for _, f := range l.Fields {
			if f.Padding {
				continue
			}
			s.Fields = append(s.Fields, StructField{
				Name:  f.Name,
				Value: decode(f.Layout, data[f.Offset:f.Offset+f.Layout.Size]),
			})
		}
		return s
	case KindPadding:
		return nil
	}
	return decodeScalar(l.Kind, data)
}

// valueType is the Go type Decode produces for l.
func valueType(l *Layout) reflect.Type {
	switch l.Kind {
	case KindBool:
		return reflect.TypeOf(false)
	case KindInt8:
		return reflect.TypeOf(int8(0))
	case KindUint8:
		return reflect.TypeOf(uint8(0))
	case KindInt16:
		return reflect.TypeOf(int16(0))
	case KindUint16:
		return reflect.TypeOf(uint16(0))
	case KindInt32:
		return reflect.TypeOf(int32(0))
	case KindUint32:
		return reflect.TypeOf(uint32(0))
	case KindInt64:
		return reflect.TypeOf(int64(0))
	case KindUint64:
		return reflect.TypeOf(uint64(0))
	case KindFloat32:
		return reflect.TypeOf(float32(0))
	case KindFloat64:
		return reflect.TypeOf(float64(0))
	case KindString, KindWString:
		return reflect.TypeOf("")
	case KindEnum:
		return enumType
	case KindArray:
		return reflect.SliceOf(valueType(l.Elem))
	case KindStruct, KindUnion:
		return structPtr
	}
	return reflect.TypeOf((*any)(nil)).Elem()
}

func decodeScalar(kind Kind, data []byte) any {
	switch kind {
	case KindBool:
		return data[0] != 0
	case KindInt8:
		return int8(data[0])
	case KindUint8:
		return data[0]
	case KindInt16:
		return int16(binary.LittleEndian.Uint16(data))
	case KindUint16:
		return binary.LittleEndian.Uint16(data)
	case KindInt32:
		return int32(binary.LittleEndian.Uint32(data))
	case KindUint32:
		return binary.LittleEndian.Uint32(data)
	case KindInt64:
		return int64(binary.LittleEndian.Uint64(data))
	case KindUint64:
		return binary.LittleEndian.Uint64(data)
	case KindFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data))
	case KindFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data))
	}
	return nil
}

// decodeInteger sign-extends signed kinds; unsigned 64-bit values keep
// their bit pattern.
func decodeInteger(kind Kind, data []byte) int64 {
	switch kind {
	case KindInt8:
		return int64(int8(data[0]))
	case KindUint8:
		return int64(data[0])
	case KindInt16:
		return int64(int16(binary.LittleEndian.Uint16(data)))
	case KindUint16:
		return int64(binary.LittleEndian.Uint16(data))
	case KindInt32:
		return int64(int32(binary.LittleEndian.Uint32(data)))
	case KindUint32:
		return int64(binary.LittleEndian.Uint32(data))
	case KindInt64, KindUint64:
		return int64(binary.LittleEndian.Uint64(data))
	}
	return 0
}

func putInteger(kind Kind, data []byte, v uint64) {
	switch kind.Width() {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(data, v)
	}
}

func decodeString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

func decodeWString(data []byte) string {
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		u := binary.LittleEndian.Uint16(data[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

func decodeInto(l *Layout, data []byte, dst reflect.Value) error {
	switch dst.Kind() {
	case reflect.Interface:
		v := reflect.ValueOf(decode(l, data))
		if !v.IsValid() {
			return nil
		}
		if !v.Type().AssignableTo(dst.Type()) {
			return mismatch(l, dst.Type())
		}
		dst.Set(v)
		return nil
	case reflect.Pointer:
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return decodeInto(l, data, dst.Elem())
	}

	switch l.Kind {
	case KindString, KindWString:
		if dst.Kind() != reflect.String {
			return mismatch(l, dst.Type())
		}
		dst.SetString(decode(l, data).(string))
		return nil
	case KindEnum:
		e := decode(l, data).(Enum)
		switch {
		case dst.Type() == enumType:
			dst.Set(reflect.ValueOf(e))
			return nil
		case dst.Kind() == reflect.String:
			dst.SetString(e.String())
			return nil
		}
		return setNumber(l, dst, e.Value, l.Base.Kind != KindUint64)
	case KindArray:
		return decodeArrayInto(l, data, dst)
	case KindStruct, KindUnion:
		return decodeStructInto(l, data, dst)
	case KindBool:
		if dst.Kind() != reflect.Bool {
			return mismatch(l, dst.Type())
		}
		dst.SetBool(data[0] != 0)
		return nil
	case KindFloat32, KindFloat64:
		if dst.Kind() != reflect.Float32 && dst.Kind() != reflect.Float64 {
			return mismatch(l, dst.Type())
		}
		v := reflect.ValueOf(decodeScalar(l.Kind, data))
		if v.Type() == dst.Type() {
			dst.Set(v)
		} else {
			dst.SetFloat(v.Float())
		}
		return nil
	}
	if l.Kind.IsInteger() {
		return setNumber(l, dst, decodeInteger(l.Kind, data), l.Kind != KindUint64)
	}
	return mismatch(l, dst.Type())
}

// setNumber stores an integer read from the device. signed is false when
// v carries the bit pattern of a uint64.
func setNumber(l *Layout, dst reflect.Value, v int64, signed bool) error {
	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if (!signed && v < 0) || dst.OverflowInt(v) {
			return fmt.Errorf("%w: value of '%s' overflows %s", ErrTypeMismatch, l.Name, dst.Type())
		}
		dst.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if signed && v < 0 {
			return fmt.Errorf("%w: negative value of '%s' for %s", ErrTypeMismatch, l.Name, dst.Type())
		}
		if dst.OverflowUint(uint64(v)) {
			return fmt.Errorf("%w: value of '%s' overflows %s", ErrTypeMismatch, l.Name, dst.Type())
		}
		dst.SetUint(uint64(v))
	case reflect.Float32, reflect.Float64:
		if signed {
			dst.SetFloat(float64(v))
		} else {
			dst.SetFloat(float64(uint64(v)))
		}
	default:
		return mismatch(l, dst.Type())
	}
	return nil
}

func decodeArrayInto(l *Layout, data []byte, dst reflect.Value) error {
	switch dst.Kind() {
	case reflect.Slice:
		if dst.IsNil() || dst.Len() != l.Count {
			dst.Set(reflect.MakeSlice(dst.Type(), l.Count, l.Count))
		}
	case reflect.Array:
		if dst.Len() != l.Count {
			return fmt.Errorf("%w: array '%s' has '%d' elements, target holds '%d'",
				ErrSizeMismatch, l.Name, l.Count, dst.Len())
		}
	default:
		return mismatch(l, dst.Type())
	}
	offset := 0
	for i := 0; i < l.Count; i++ {
		if err := decodeInto(l.Elem, data[offset:offset+l.Elem.Size], dst.Index(i)); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		offset += l.Elem.Size
	}
	return nil
}

func decodeStructInto(l *Layout, data []byte, dst reflect.Value) error {
	switch {
	case dst.Type() == structType:
		dst.Set(reflect.ValueOf(*decode(l, data).(*Struct)))
		return nil
	case dst.Kind() == reflect.Map && dst.Type().Key().Kind() == reflect.String:
		if dst.IsNil() {
			dst.Set(reflect.MakeMap(dst.Type()))
		}
		for _, f := range l.Fields {
			if f.Padding {
				continue
			}
			el := reflect.New(dst.Type().Elem()).Elem()
			if err := decodeInto(f.Layout, data[f.Offset:f.Offset+f.Layout.Size], el); err != nil {
				return fmt.Errorf("field '%s': %w", f.Name, err)
			}
			dst.SetMapIndex(reflect.ValueOf(f.Name).Convert(dst.Type().Key()), el)
		}
		return nil
	case dst.Kind() != reflect.Struct:
		return mismatch(l, dst.Type())
	}
	for _, f := range l.Fields {
		if f.Padding {
			continue
		}
		field, ok := goField(dst, f.Name)
		if !ok {
			continue
		}
		if err := decodeInto(f.Layout, data[f.Offset:f.Offset+f.Layout.Size], field); err != nil {
			return fmt.Errorf("field '%s': %w", f.Name, err)
		}
	}
	return nil
}

func encode(l *Layout, data []byte, v any) error {
	if v == nil {
		return fmt.Errorf("%w: nil value for '%s'", ErrTypeMismatch, l.Name)
	}
	switch l.Kind {
	case KindPadding:
		return nil
	case KindString:
		s, ok := stringValue(v)
		if !ok {
			return mismatch(l, reflect.TypeOf(v))
		}
		if len(s) > l.Size {
			return fmt.Errorf("%w: string of '%d' bytes exceeds '%s'", ErrSizeMismatch, len(s), l.Name)
		}
		copy(data, s)
		return nil
	case KindWString:
		s, ok := stringValue(v)
		if !ok {
			return mismatch(l, reflect.TypeOf(v))
		}
		units := utf16.Encode([]rune(s))
		if 2*len(units) > l.Size {
			return fmt.Errorf("%w: string of '%d' characters exceeds '%s'", ErrSizeMismatch, len(units), l.Name)
		}
		for i, u := range units {
			binary.LittleEndian.PutUint16(data[2*i:], u)
		}
		return nil
	case KindEnum:
		return encodeEnum(l, data, v)
	case KindArray:
		return encodeArray(l, data, v)
	case KindStruct, KindUnion:
		return encodeStruct(l, data, v)
	case KindBool:
		b, ok := indirect(reflect.ValueOf(v))
		if !ok || b.Kind() != reflect.Bool {
			return mismatch(l, reflect.TypeOf(v))
		}
		if b.Bool() {
			data[0] = 1
		} else {
			data[0] = 0
		}
		return nil
	case KindFloat32, KindFloat64:
		if f, ok := float32Value(v); ok && l.Kind == KindFloat32 {
			binary.LittleEndian.PutUint32(data, math.Float32bits(f))
			return nil
		}
		f, err := floatValue(l, v)
		if err != nil {
			return err
		}
		if l.Kind == KindFloat32 {
			binary.LittleEndian.PutUint32(data, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(data, math.Float64bits(f))
		}
		return nil
	}
	if l.Kind.IsInteger() {
		u, err := integerValue(l, l.Kind, v)
		if err != nil {
			return err
		}
		putInteger(l.Kind, data, u)
		return nil
	}
	return fmt.Errorf("%w: cannot encode kind '%s'", ErrUnsupportedLayout, l.Kind)
}

func encodeEnum(l *Layout, data []byte, v any) error {
	switch e := v.(type) {
	case Enum:
		if e.Name != "" {
			if n, ok := l.EnumValue(e.Name); ok {
				putInteger(l.Base.Kind, data, uint64(n))
				return nil
			}
		}
		if l.Base.Kind == KindUint64 {
			putInteger(l.Base.Kind, data, uint64(e.Value))
			return nil
		}
		v = e.Value
	case *Enum:
		return encodeEnum(l, data, *e)
	case string:
		n, ok := l.EnumValue(e)
		if !ok {
			return fmt.Errorf("%w: '%s' is not an enumerator of '%s'", ErrTypeMismatch, e, l.Name)
		}
		putInteger(l.Base.Kind, data, uint64(n))
		return nil
	}
	u, err := integerValue(l, l.Base.Kind, v)
	if err != nil {
		return err
	}
	putInteger(l.Base.Kind, data, u)
	return nil
}

func encodeArray(l *Layout, data []byte, v any) error {
	rv, ok := indirect(reflect.ValueOf(v))
	if !ok || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return mismatch(l, reflect.TypeOf(v))
	}
	if rv.Len() != l.Count {
		return fmt.Errorf("%w: array '%s' has '%d' elements, value has '%d'", ErrSizeMismatch, l.Name, l.Count, rv.Len())
	}
	offset := 0
	for i := 0; i < l.Count; i++ {
		if err := encode(l.Elem, data[offset:offset+l.Elem.Size], rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		offset += l.Elem.Size
	}
	return nil
}

// encodeStruct writes the fields in layout order. Union fields all start
// at offset zero, so a later field overwrites an earlier one.
func encodeStruct(l *Layout, data []byte, v any) error {
	lookup, ok := fieldLookup(v)
	if !ok {
		return mismatch(l, reflect.TypeOf(v))
	}
	for _, f := range l.Fields {
		if f.Padding {
			continue
		}
		fv, ok := lookup(f.Name)
		if !ok {
			continue
		}
		if err := encode(f.Layout, data[f.Offset:f.Offset+f.Layout.Size], fv); err != nil {
			return fmt.Errorf("field '%s': %w", f.Name, err)
		}
	}
	return nil
}

// fieldLookup returns a by-name accessor for the members of a struct-like value.
func fieldLookup(v any) (func(name string) (any, bool), bool) {
	switch s := v.(type) {
	case *Struct:
		return s.Field, true
	case Struct:
		return s.Field, true
	}
	rv, ok := indirect(reflect.ValueOf(v))
	if !ok {
		return nil, false
	}
	switch {
	case rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String:
		return func(name string) (any, bool) {
			iter := rv.MapRange()
			for iter.Next() {
				if strings.EqualFold(iter.Key().String(), name) {
					return iter.Value().Interface(), true
				}
			}
			return nil, false
		}, true
	case rv.Kind() == reflect.Struct:
		return func(name string) (any, bool) {
			f, ok := goField(rv, name)
			if !ok {
				return nil, false
			}
			return f.Interface(), true
		}, true
	}
	return nil, false
}

// goField finds an exported struct field by `ads` tag or case-insensitive name.
func goField(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("ads")
		if tag == "-" {
			continue
		}
		if tag != "" {
			if strings.EqualFold(tag, name) {
				return v.Field(i), true
			}
			continue
		}
		if strings.EqualFold(sf.Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func indirect(v reflect.Value) (reflect.Value, bool) {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	return v, v.IsValid()
}

func stringValue(v any) (string, bool) {
	rv, ok := indirect(reflect.ValueOf(v))
	if !ok || rv.Kind() != reflect.String {
		return "", false
	}
	return rv.String(), true
}

// integerValue converts v to the bit pattern of kind, rejecting values
// that do not fit.
func integerValue(l *Layout, kind Kind, v any) (uint64, error) {
	var (
		i        int64
		u        uint64
		unsigned bool
	)
	switch n := v.(type) {
	case json.Number:
		if x, err := n.Int64(); err == nil {
			i = x
		} else if y, err := parseUint(string(n)); err == nil {
			u, unsigned = y, true
		} else {
			return 0, fmt.Errorf("%w: '%s' is not an integer for '%s'", ErrTypeMismatch, n, l.Name)
		}
	case Enum:
		i = n.Value
	default:
		rv, ok := indirect(reflect.ValueOf(v))
		if !ok {
			return 0, mismatch(l, reflect.TypeOf(v))
		}
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i = rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			u, unsigned = rv.Uint(), true
		case reflect.Float32, reflect.Float64:
			f := rv.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxUint64 {
				return 0, fmt.Errorf("%w: '%v' is not an integer for '%s'", ErrTypeMismatch, f, l.Name)
			}
			if f < 0 {
				i = int64(f)
			} else {
				u, unsigned = uint64(f), true
			}
		default:
			return 0, mismatch(l, reflect.TypeOf(v))
		}
	}
	if !unsigned {
		if i >= 0 {
			u, unsigned = uint64(i), true
		} else {
			if !kind.IsSigned() || i < -(int64(1)<<(8*kind.Width()-1)) {
				return 0, fmt.Errorf("%w: '%d' overflows '%s'", ErrTypeMismatch, i, l.Name)
			}
			return uint64(i), nil
		}
	}
	bits := 8 * kind.Width()
	limit := uint64(math.MaxUint64)
	if bits < 64 {
		limit = uint64(1)<<bits - 1
	}
	if kind.IsSigned() {
		limit >>= 1
	}
	if u > limit {
		return 0, fmt.Errorf("%w: '%d' overflows '%s'", ErrTypeMismatch, u, l.Name)
	}
	return u, nil
}

func floatValue(l *Layout, v any) (float64, error) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: '%s' is not a number for '%s'", ErrTypeMismatch, n, l.Name)
		}
		return f, nil
	}
	rv, ok := indirect(reflect.ValueOf(v))
	if !ok {
		return 0, mismatch(l, reflect.TypeOf(v))
	}
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, mismatch(l, reflect.TypeOf(v))
}

// float32Value returns v without conversion so NaN payloads are kept.
func float32Value(v any) (float32, bool) {
	switch f := v.(type) {
	case float32:
		return f, true
	case *float32:
		if f != nil {
			return *f, true
		}
	}
	return 0, false
}

func mismatch(l *Layout, t reflect.Type) error {
	return fmt.Errorf("%w: cannot use %v as '%s' (%s)", ErrTypeMismatch, t, l.Name, l.Kind)
}
