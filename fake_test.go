// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func primitive(name string) *DataType {
	return &DataType{Name: name, Category: CategoryPrimitive, Size: uint32(primitiveKinds[name].Width())}
}

func stringOf(n int) *DataType {
	return &DataType{Name: fmt.Sprintf("STRING(%d)", n), Category: CategoryString, Size: uint32(n + 1)}
}

func newStruct(name string, size uint32, members ...Member) *DataType {
	return &DataType{Name: name, Category: CategoryStruct, Size: size, Members: members}
}

func newUnion(name string, size uint32, members ...Member) *DataType {
	return &DataType{Name: name, Category: CategoryUnion, Size: size, Members: members}
}

func member(name string, t *DataType, offset uint32) Member {
	return Member{Name: name, Type: t, Offset: offset}
}

func arrayOf(elem *DataType, dims ...ArrayDim) *DataType {
	count := uint32(1)
	bounds := make([]string, len(dims))
	for i, d := range dims {
		count *= d.Length
		bounds[i] = fmt.Sprintf("%d..%d", d.LowerBound, d.LowerBound+int32(d.Length)-1)
	}
	return &DataType{
		Name:     fmt.Sprintf("ARRAY [%s] OF %s", strings.Join(bounds, ","), elem.Name),
		Category: CategoryArray,
		Size:     elem.Size * count,
		Element:  elem,
		Dims:     dims,
	}
}

func enumOf(name string, base *DataType, names ...string) *DataType {
	t := &DataType{Name: name, Category: CategoryEnum, Size: base.Size, Base: base}
	for i, n := range names {
		raw := make([]byte, base.Size)
		putInteger(primitiveKinds[base.Name], raw, uint64(i))
		t.EnumValues = append(t.EnumValues, EnumValue{Name: n, Raw: raw})
	}
	return t
}

func pointerTo(base *DataType) *DataType {
	return &DataType{Name: "POINTER TO " + base.Name, Category: CategoryPointer, Size: 8, Base: base}
}

// fakeCatalog serves a fixed symbol table.
type fakeCatalog struct {
	symbols []*Symbol
	types   []*DataType
	resets  atomic.Int32
}

func (c *fakeCatalog) Symbols(context.Context) ([]*Symbol, error) { return c.symbols, nil }

func (c *fakeCatalog) DataTypes(context.Context) ([]*DataType, error) { return c.types, nil }

func (c *fakeCatalog) Reset() { c.resets.Add(1) }

// fakeTransport is an in-memory device. Values are keyed by lower-case
// instance path.
type fakeTransport struct {
	mu         sync.Mutex
	state      ConnectionState
	memory     map[string][]byte
	handles    map[uint32]string
	nextHandle uint32
	listeners  []func(StateChange)

	// failItems makes sum read items fail with a result code.
	failItems map[string]uint32
	// packed selects the compact sum read response layout.
	packed bool
	// sumReadErr fails every sum read.
	sumReadErr error
	// createErr fails handle creation for a lower-case path.
	createErr map[string]error

	sumReads    int
	sumItems    []int
	created     []string
	released    []uint32
	writes      []string
	readsByName int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:     StateConnected,
		memory:    make(map[string][]byte),
		handles:   make(map[uint32]string),
		failItems: make(map[string]uint32),
		createErr: make(map[string]error),
	}
}

func (f *fakeTransport) set(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memory[strings.ToLower(path)] = append([]byte(nil), data...)
}

func (f *fakeTransport) get(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.memory[strings.ToLower(path)]...)
}

func (f *fakeTransport) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.memory, strings.ToLower(path))
}

func (f *fakeTransport) setState(s ConnectionState) {
	f.mu.Lock()
	old := f.state
	f.state = s
	listeners := slices.Clone(f.listeners)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(StateChange{Old: old, New: s})
	}
}

func (f *fakeTransport) liveHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.setState(StateConnected)
	return nil
}

func (f *fakeTransport) Close() error {
	f.setState(StateDisconnected)
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.State() == StateConnected }

func (f *fakeTransport) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Subscribe(fn func(StateChange)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeTransport) CreateHandle(_ context.Context, path string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return 0, ErrNotConnected
	}
	key := strings.ToLower(path)
	if err := f.createErr[key]; err != nil {
		return 0, err
	}
	if _, ok := f.memory[key]; !ok {
		return 0, &Error{Code: ReturnCodeDeviceSymbolNotFound}
	}
	f.nextHandle++
	f.handles[f.nextHandle] = key
	f.created = append(f.created, path)
	return f.nextHandle, nil
}

func (f *fakeTransport) ReleaseHandle(_ context.Context, handle uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, handle)
	f.released = append(f.released, handle)
	return nil
}

func (f *fakeTransport) Read(_ context.Context, group, offset uint32, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return 0, ErrNotConnected
	}
	if group != IndexGroupSymbolValueByHandle {
		return 0, &Error{Code: ReturnCodeDeviceInvalidGroup}
	}
	key, ok := f.handles[offset]
	if !ok {
		return 0, &Error{Code: ReturnCodeDeviceInvalidOffset}
	}
	return copy(data, f.memory[key]), nil
}

func (f *fakeTransport) Write(_ context.Context, group, offset uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if group != IndexGroupSymbolValueByHandle {
		return &Error{Code: ReturnCodeDeviceInvalidGroup}
	}
	key, ok := f.handles[offset]
	if !ok {
		return &Error{Code: ReturnCodeDeviceInvalidOffset}
	}
	if len(data) != len(f.memory[key]) {
		return &Error{Code: ReturnCodeDeviceInvalidSize}
	}
	f.memory[key] = append([]byte(nil), data...)
	f.writes = append(f.writes, key)
	return nil
}

func (f *fakeTransport) ReadWrite(_ context.Context, group, offset uint32, response, request []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return 0, ErrNotConnected
	}
	switch group {
	case IndexGroupSymbolValueByName:
		f.readsByName++
		key := strings.ToLower(strings.TrimRight(string(request), "\x00"))
		data, ok := f.memory[key]
		if !ok {
			return 0, &Error{Code: ReturnCodeDeviceSymbolNotFound}
		}
		return copy(response, data), nil
	case IndexGroupSumRead:
		if f.sumReadErr != nil {
			return 0, f.sumReadErr
		}
		return f.sumRead(int(offset), response, request), nil
	}
	return 0, &Error{Code: ReturnCodeDeviceInvalidGroup}
}

func (f *fakeTransport) sumRead(n int, response, request []byte) int {
	f.sumReads++
	f.sumItems = append(f.sumItems, n)
	offset := 4 * n
	for i := 0; i < n; i++ {
		item := request[sumReadItemSize*i:]
		handle := binary.LittleEndian.Uint32(item[4:])
		size := int(binary.LittleEndian.Uint32(item[8:]))
		key, ok := f.handles[handle]
		code := uint32(0)
		if !ok {
			code = uint32(ReturnCodeDeviceInvalidOffset)
		} else if c, failed := f.failItems[key]; failed {
			code = c
		}
		binary.LittleEndian.PutUint32(response[4*i:], code)
		if code != 0 {
			if !f.packed {
				offset += size
			}
			continue
		}
		copy(response[offset:offset+size], f.memory[key])
		offset += size
	}
	return offset
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
