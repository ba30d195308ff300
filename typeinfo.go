// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

// TypeInfo is a presentation-friendly description of a variable or type.
type TypeInfo struct {
	Name         string            `json:"name"`
	Comment      string            `json:"comment,omitempty"`
	DataType     string            `json:"dataType"`
	BaseDataType string            `json:"baseDataType,omitempty"`
	Kind         string            `json:"kind"`
	Size         int               `json:"size"`
	Offset       int               `json:"offset"`
	ArraySize    int               `json:"arraySize,omitempty"`
	EnumValue    *int64            `json:"enumValue,omitempty"`
	IsArray      bool              `json:"isArray,omitempty"`
	IsEnum       bool              `json:"isEnum,omitempty"`
	IsEnumValue  bool              `json:"isEnumValue,omitempty"`
	IsString     bool              `json:"isString,omitempty"`
	IsBoolean    bool              `json:"isBoolean,omitempty"`
	IsAddress    bool              `json:"isAddress,omitempty"`
	Persistent   bool              `json:"persistent,omitempty"`
	ReadOnly     bool              `json:"readOnly"`
	BlockWrite   bool              `json:"blockWrite"`
	Children     []*TypeInfo       `json:"children,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// describe builds the description of l. t supplies the declared name of
// aliases, whose layout is the layout of the base type.
func describe(name string, t *DataType, l *Layout) *TypeInfo {
	info := describeLayout(name, l)
	if t != nil {
		info.DataType = t.Name
		if t.Comment != "" {
			info.Comment = t.Comment
		}
		if t.Category == CategoryAlias || t.Category == CategorySubRange {
			info.BaseDataType = l.Name
		}
	}
	return info
}

func describeLayout(name string, l *Layout) *TypeInfo {
	info := &TypeInfo{
		Name:       name,
		Comment:    l.Comment,
		DataType:   l.Name,
		Kind:       l.Kind.String(),
		Size:       l.Size,
		IsString:   l.Kind.isString(),
		IsBoolean:  l.Kind == KindBool,
		IsAddress:  l.Address,
		ReadOnly:   l.ReadOnly,
		BlockWrite: l.BlockWrite,
		Attributes: l.Attributes,
	}
	switch l.Kind {
	case KindArray:
		info.IsArray = true
		info.ArraySize = l.Count
		info.BaseDataType = l.Elem.Name
		info.Children = []*TypeInfo{describeLayout(name+"[]", l.Elem)}
	case KindEnum:
		info.IsEnum = true
		info.BaseDataType = l.Base.Name
		for _, e := range l.Enumerators {
			v := e.Value
			info.Children = append(info.Children, &TypeInfo{
				Name:        e.Name,
				DataType:    l.Name,
				Kind:        l.Base.Kind.String(),
				Size:        l.Size,
				EnumValue:   &v,
				IsEnumValue: true,
			})
		}
	case KindStruct, KindUnion:
		for _, f := range l.Fields {
			if f.Padding {
				continue
			}
			child := describeLayout(f.Name, f.Layout)
			child.Offset = f.Offset
			child.ReadOnly = f.ReadOnly
			child.BlockWrite = f.BlockWrite
			if f.Comment != "" {
				child.Comment = f.Comment
			}
			if len(f.Attributes) > 0 {
				child.Attributes = f.Attributes
			}
			info.Children = append(info.Children, child)
		}
	}
	return info
}
