// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// axisCatalog declares MAIN.stAxis of type ST_Axis with an array of
// ST_Point members and a pointer to ST_Point.
func axisCatalog() *fakeCatalog {
	pt := newStruct("ST_Point", 4,
		member("x", primitive("INT"), 0),
		member("y", primitive("INT"), 2),
	)
	axis := newStruct("ST_Axis", 24,
		member("aPoints", arrayOf(pt, ArrayDim{LowerBound: 1, Length: 3}), 0),
		member("pNext", pointerTo(pt), 16),
	)
	main := NewSymbol("MAIN.stAxis", axis)
	main.IndexGroup = 0x4040
	main.IndexOffset = 100
	retain := NewSymbol("GVL.nCounter", primitive("DINT"))
	retain.Persistent = true
	return &fakeCatalog{symbols: []*Symbol{main, retain}, types: []*DataType{pt, axis}}
}

func TestResolveNestedPath(t *testing.T) {
	r := NewSymbolResolver(newFakeTransport(), axisCatalog(), zerolog.Nop())
	ctx := context.Background()

	s, err := r.Resolve(ctx, "main.STAXIS.aPoints[2].Y")
	require.NoError(t, err)
	assert.Equal(t, "MAIN.stAxis.aPoints[2].y", s.Path)
	assert.Equal(t, "INT", s.Type.Name)
	assert.Equal(t, uint32(0x4040), s.IndexGroup)
	assert.Equal(t, uint32(100+4+2), s.IndexOffset)

	again, err := r.Resolve(ctx, "MAIN.stAxis.aPoints[2].y")
	require.NoError(t, err)
	assert.Same(t, s, again)
}

func TestResolveDoesNotEnterPointers(t *testing.T) {
	r := NewSymbolResolver(newFakeTransport(), axisCatalog(), zerolog.Nop())
	ctx := context.Background()

	s, err := r.Resolve(ctx, "MAIN.stAxis.pNext")
	require.NoError(t, err)
	assert.True(t, s.IsPointer())

	_, err = r.Resolve(ctx, "MAIN.stAxis.pNext^.x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveMissing(t *testing.T) {
	r := NewSymbolResolver(newFakeTransport(), axisCatalog(), zerolog.Nop())
	_, err := r.Resolve(context.Background(), "MAIN.stAxis.aPoints[4]")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveNotConnected(t *testing.T) {
	transport := newFakeTransport()
	transport.setState(StateLost)
	r := NewSymbolResolver(transport, axisCatalog(), zerolog.Nop())
	_, err := r.Resolve(context.Background(), "MAIN.stAxis")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestResolverReset(t *testing.T) {
	catalog := axisCatalog()
	r := NewSymbolResolver(newFakeTransport(), catalog, zerolog.Nop())
	ctx := context.Background()

	before, err := r.Resolve(ctx, "MAIN.stAxis.aPoints[1]")
	require.NoError(t, err)

	r.Reset()
	assert.Equal(t, int32(1), catalog.resets.Load())

	// The catalog now serves a new program.
	catalog.symbols = []*Symbol{NewSymbol("MAIN.stAxis", primitive("BOOL"))}
	after, err := r.Resolve(ctx, "MAIN.stAxis")
	require.NoError(t, err)
	assert.Equal(t, "BOOL", after.Type.Name)
	_, err = r.Resolve(ctx, before.Path)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVariables(t *testing.T) {
	r := NewSymbolResolver(newFakeTransport(), axisCatalog(), zerolog.Nop())
	ctx := context.Background()

	got, err := r.Variables(ctx, "MAIN.stAxis", false)
	require.NoError(t, err)
	want := []string{
		"MAIN.stAxis",
		"MAIN.stAxis.aPoints",
		"MAIN.stAxis.aPoints[1]",
		"MAIN.stAxis.aPoints[1].x",
		"MAIN.stAxis.aPoints[1].y",
		"MAIN.stAxis.aPoints[2]",
		"MAIN.stAxis.aPoints[2].x",
		"MAIN.stAxis.aPoints[2].y",
		"MAIN.stAxis.aPoints[3]",
		"MAIN.stAxis.aPoints[3].x",
		"MAIN.stAxis.aPoints[3].y",
		"MAIN.stAxis.pNext",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("variables mismatch (-want +got):\n%s", diff)
	}

	got, err = r.Variables(ctx, "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"GVL.nCounter"}, got)
}

func TestElementIndices(t *testing.T) {
	got := elementIndices([]ArrayDim{{LowerBound: 0, Length: 2}, {LowerBound: -1, Length: 2}})
	assert.Equal(t, []string{"[0,-1]", "[0,0]", "[1,-1]", "[1,0]"}, got)
	assert.Nil(t, elementIndices(nil))
}

func TestWithChildren(t *testing.T) {
	leaf := NewSymbol("MAIN.a.b", primitive("INT"))
	root := NewSymbol("MAIN.a", newStruct("ST_Empty", 2)).WithChildren(leaf)
	r := NewSymbolResolver(newFakeTransport(), &fakeCatalog{symbols: []*Symbol{root}}, zerolog.Nop())

	s, err := r.Resolve(context.Background(), "main.a.b")
	require.NoError(t, err)
	assert.Same(t, leaf, s)
}
