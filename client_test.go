// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfgType() *DataType {
	id := member("id", primitive("INT"), 0)
	id.Attributes = map[string]string{AttributeReadOnly: ""}
	return newStruct("ST_Cfg", 4, id, member("limit", primitive("INT"), 2))
}

// newDeviceClient creates a client over a small program:
//
//	MAIN.n      : INT
//	MAIN.pt     : ST_Point
//	MAIN.cfg    : ST_Cfg, id is read-only
//	MAIN.mode   : E_Mode
//	MAIN.arr    : ARRAY [1..3] OF INT
//	GVL.cMax    : T_Const, a read-only alias of DINT
//	GVL.aLimits : ARRAY [1..2] OF INT, declared read-only
func newDeviceClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	transport.set("MAIN.n", []byte{0xfd, 0xff})
	transport.set("MAIN.pt", []byte{1, 0, 2, 0, 'a', 0, 0, 0, 0, 0, 0, 0})
	transport.set("MAIN.pt.x", []byte{1, 0})
	transport.set("MAIN.pt.y", []byte{2, 0})
	transport.set("MAIN.pt.name", []byte{'a', 0, 0, 0, 0, 0, 0, 0})
	transport.set("MAIN.cfg", []byte{9, 0, 100, 0})
	transport.set("MAIN.cfg.id", []byte{9, 0})
	transport.set("MAIN.cfg.limit", []byte{100, 0})
	transport.set("MAIN.mode", []byte{1, 0})
	transport.set("MAIN.arr", []byte{1, 0, 2, 0, 3, 0})
	transport.set("GVL.cMax", []byte{0x10, 0, 0, 0})
	transport.set("GVL.aLimits", []byte{1, 0, 2, 0})
	transport.set("GVL.aLimits[1]", []byte{1, 0})

	limits := NewSymbol("GVL.aLimits", arrayOf(primitive("INT"), ArrayDim{LowerBound: 1, Length: 2}))
	limits.Attributes = map[string]string{AttributeReadOnly: ""}

	constant := &DataType{
		Name:       "T_Const",
		Category:   CategoryAlias,
		Size:       4,
		Base:       primitive("DINT"),
		Attributes: map[string]string{AttributeReadOnly: ""},
	}
	catalog := &fakeCatalog{
		symbols: []*Symbol{
			NewSymbol("MAIN.n", primitive("INT")),
			NewSymbol("MAIN.pt", pointType()),
			NewSymbol("MAIN.cfg", cfgType()),
			NewSymbol("MAIN.mode", enumOf("E_Mode", primitive("INT"), "Off", "Manual", "Auto")),
			NewSymbol("MAIN.arr", arrayOf(primitive("INT"), ArrayDim{LowerBound: 1, Length: 3})),
			NewSymbol("GVL.cMax", constant),
			limits,
		},
		types: []*DataType{pointType(), cfgType(), constant},
	}
	c := New(transport, catalog, WithScanInterval(time.Hour))
	t.Cleanup(func() { _ = c.Close() })
	return c, transport
}

func TestGetValue(t *testing.T) {
	c, transport := newDeviceClient(t)
	ctx := context.Background()

	v, err := c.GetValue(ctx, "main.n")
	require.NoError(t, err)
	assert.Equal(t, int16(-3), v)

	v, err = c.GetValue(ctx, "MAIN.mode")
	require.NoError(t, err)
	assert.Equal(t, Enum{Type: "E_Mode", Name: "Manual", Value: 1}, v)

	v, err = c.GetValue(ctx, "MAIN.arr")
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, v)

	v, err = c.GetValue(ctx, "MAIN.pt")
	require.NoError(t, err)
	want := &Struct{Type: "ST_Point", Fields: []StructField{
		{Name: "x", Value: int16(1)},
		{Name: "y", Value: int16(2)},
		{Name: "name", Value: "a"},
	}}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatalf("value mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4, transport.readsByName)

	p, err := GetValueAs[point](ctx, c, "MAIN.pt")
	require.NoError(t, err)
	assert.Equal(t, point{X: 1, Y: 2, Label: "a"}, p)

	_, err = c.GetValue(ctx, "MAIN.none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadRaw(t *testing.T) {
	c, _ := newDeviceClient(t)
	ctx := context.Background()

	data, err := c.ReadRaw(ctx, "GVL.cMax")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0, 0, 0}, data)

	// The symbol resolves but the device does not know it.
	_, err = c.ReadRaw(ctx, "MAIN.arr[2]")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetValue(t *testing.T) {
	c, transport := newDeviceClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetValue(ctx, "MAIN.n", int16(42)))
	assert.Equal(t, []byte{42, 0}, transport.get("MAIN.n"))
	assert.Zero(t, transport.liveHandles(), "write handles are released")

	require.NoError(t, c.SetValue(ctx, "MAIN.arr", []int16{7, 8, 9}))
	assert.Equal(t, []byte{7, 0, 8, 0, 9, 0}, transport.get("MAIN.arr"))

	require.NoError(t, c.SetValue(ctx, "MAIN.mode", Enum{Type: "E_Mode", Name: "Auto"}))
	assert.Equal(t, []byte{2, 0}, transport.get("MAIN.mode"))
}

func TestSetValueTypeMismatch(t *testing.T) {
	c, transport := newDeviceClient(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
		v    any
	}{
		{"int as string", "MAIN.n", "42"},
		{"int as int32", "MAIN.n", int32(42)},
		{"array element type", "MAIN.arr", []float32{1, 2, 3}},
		{"struct type", "MAIN.pt", &Struct{Type: "ST_Line"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.SetValue(ctx, tt.path, tt.v)
			assert.ErrorIs(t, err, ErrTypeMismatch)
		})
	}
	assert.Empty(t, transport.writes)
}

func TestSetValueReadOnly(t *testing.T) {
	c, transport := newDeviceClient(t)
	err := c.SetValue(context.Background(), "GVL.cMax", int32(1))
	assert.ErrorIs(t, err, ErrReadOnly)
	err = SetValueAs(context.Background(), c, "GVL.cMax", 1)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Empty(t, transport.writes)
}

func TestSetValueReadOnlyMember(t *testing.T) {
	c, transport := newDeviceClient(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		write func() error
	}{
		{"member", func() error { return c.SetValue(ctx, "MAIN.cfg.id", int16(1)) }},
		{"member as", func() error { return SetValueAs(ctx, c, "MAIN.cfg.id", int16(1)) }},
		{"member string", func() error { return c.SetValueString(ctx, "main.CFG.ID", "1") }},
		{"symbol", func() error { return c.SetValue(ctx, "GVL.aLimits", []int16{5, 6}) }},
		{"element", func() error { return c.SetValue(ctx, "GVL.aLimits[1]", int16(5)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.write(), ErrReadOnly)
		})
	}
	assert.Empty(t, transport.writes)
	assert.Equal(t, []byte{9, 0}, transport.get("MAIN.cfg.id"))
	assert.Equal(t, []byte{1, 0}, transport.get("GVL.aLimits[1]"))

	require.NoError(t, c.SetValue(ctx, "MAIN.cfg.limit", int16(7)), "writable sibling")
	assert.Equal(t, []byte{7, 0}, transport.get("MAIN.cfg.limit"))
}

func TestSetValueMemberWise(t *testing.T) {
	c, transport := newDeviceClient(t)
	ctx := context.Background()

	l, err := c.DataType(ctx, "MAIN.cfg")
	require.NoError(t, err)
	require.False(t, l.BlockWrite)

	v, err := c.GetValue(ctx, "MAIN.cfg")
	require.NoError(t, err)
	cfg := v.(*Struct)
	cfg.Fields[0].Value = int16(1)
	cfg.Fields[1].Value = int16(250)

	require.NoError(t, c.SetValue(ctx, "MAIN.cfg", cfg))
	assert.Equal(t, []string{"main.cfg.limit"}, transport.writes)
	assert.Equal(t, []byte{250, 0}, transport.get("MAIN.cfg.limit"))
	assert.Equal(t, []byte{9, 0}, transport.get("MAIN.cfg.id"), "read-only member is skipped")
}

func TestSetValueString(t *testing.T) {
	c, transport := newDeviceClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetValueString(ctx, "MAIN.mode", "auto"))
	assert.Equal(t, []byte{2, 0}, transport.get("MAIN.mode"))
	require.NoError(t, c.SetValueString(ctx, "MAIN.mode", "0"))
	assert.Equal(t, []byte{0, 0}, transport.get("MAIN.mode"))
	require.NoError(t, c.SetValueString(ctx, "MAIN.pt", `{"x": 5, "name": "b"}`))
	assert.Equal(t, []byte{5, 0, 0, 0, 'b', 0, 0, 0, 0, 0, 0, 0}, transport.get("MAIN.pt"))

	assert.ErrorIs(t, c.SetValueString(ctx, "MAIN.n", "many"), ErrTypeMismatch)
}

func TestGetValues(t *testing.T) {
	c, transport := newDeviceClient(t)
	transport.failItems["main.mode"] = uint32(ReturnCodeDeviceInvalidAccess)

	got, err := c.GetValues(context.Background(), "MAIN.n", "MAIN.arr", "MAIN.mode")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"MAIN.n":   int16(-3),
		"MAIN.arr": []int16{1, 2, 3},
	}, got)
	assert.Equal(t, 1, transport.sumReads)
	assert.Zero(t, transport.liveHandles())
}

func TestVariableExists(t *testing.T) {
	c, transport := newDeviceClient(t)
	ctx := context.Background()
	assert.True(t, c.VariableExists(ctx, "main.pt.NAME"))
	assert.False(t, c.VariableExists(ctx, "MAIN.pt.z"))

	transport.setState(StateLost)
	assert.False(t, c.VariableExists(ctx, "MAIN.pt"))
}

func TestTypeInfo(t *testing.T) {
	c, _ := newDeviceClient(t)
	ctx := context.Background()

	info, err := c.TypeInfo(ctx, "GVL.cMax")
	require.NoError(t, err)
	assert.Equal(t, "T_Const", info.DataType)
	assert.Equal(t, "DINT", info.BaseDataType)
	assert.True(t, info.ReadOnly)
	assert.False(t, info.BlockWrite)

	info, err = c.TypeInfo(ctx, "MAIN.mode")
	require.NoError(t, err)
	assert.True(t, info.IsEnum)
	require.Len(t, info.Children, 3)
	assert.Equal(t, "Auto", info.Children[2].Name)
	assert.Equal(t, int64(2), *info.Children[2].EnumValue)

	types, err := c.DataTypes(ctx)
	require.NoError(t, err)
	names := make([]string, len(types))
	for i, ti := range types {
		names[i] = ti.Name
	}
	assert.Equal(t, []string{"ST_Point", "ST_Cfg", "T_Const"}, names)
}

func TestStateChangeResetsCaches(t *testing.T) {
	c, transport := newDeviceClient(t)
	ctx := context.Background()

	before, err := c.DataType(ctx, "MAIN.n")
	require.NoError(t, err)

	transport.setState(StateLost)
	_, err = c.GetValue(ctx, "MAIN.n")
	assert.ErrorIs(t, err, ErrNotConnected)

	transport.setState(StateConnected)
	after, err := c.DataType(ctx, "MAIN.n")
	require.NoError(t, err)
	assert.NotSame(t, before, after)

	v, err := c.GetValue(ctx, "MAIN.n")
	require.NoError(t, err)
	assert.Equal(t, int16(-3), v)
}
