// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Symbol flags of the upload table.
const (
	SymbolFlagPersistent uint32 = 1 << 0
	SymbolFlagAttributes uint32 = 0x1000
)

// Symbol is an addressable variable of the PLC program.
type Symbol struct {
	// Path is the instance path, e.g. "MAIN.stAxis.fPosition".
	Path        string
	Type        *DataType
	IndexGroup  uint32
	IndexOffset uint32
	Size        uint32
	Comment     string
	Persistent  bool
	Attributes  map[string]string
	// ReadOnly is set on members and elements of read-only parents.
	ReadOnly bool

	once     sync.Once
	children []*Symbol
}

// NewSymbol creates a symbol whose sub-symbols are derived from its type.
func NewSymbol(path string, t *DataType) *Symbol {
	s := &Symbol{Path: path, Type: t}
	if t != nil {
		s.Size = t.Size
	}
	return s
}

// WithChildren sets explicit sub-symbols in place of the derived ones.
func (s *Symbol) WithChildren(children ...*Symbol) *Symbol {
	s.once.Do(func() {})
	s.children = children
	return s
}

// IsReadOnly reports whether the symbol or one of its parents was
// declared read-only.
func (s *Symbol) IsReadOnly() bool {
	if s.ReadOnly {
		return true
	}
	_, ok := attribute(s.Attributes, AttributeReadOnly)
	return ok
}

// IsPointer reports whether the symbol is a pointer.
func (s *Symbol) IsPointer() bool {
	return s.Type != nil && s.Type.Resolve().Category == CategoryPointer
}

// IsReference reports whether the symbol is a reference.
func (s *Symbol) IsReference() bool {
	return s.Type != nil && s.Type.Resolve().Category == CategoryReference
}

// SubSymbols returns the members, array elements or dereferenced target
// of the symbol. They are derived once on first use.
func (s *Symbol) SubSymbols() []*Symbol {
	s.once.Do(func() {
		s.children = s.derive()
	})
	return s.children
}

func (s *Symbol) derive() []*Symbol {
	t := s.Type.Resolve()
	if t == nil {
		return nil
	}
	child := func(path string, ct *DataType, offset uint32) *Symbol {
		c := NewSymbol(path, ct)
		c.IndexGroup = s.IndexGroup
		c.IndexOffset = s.IndexOffset + offset
		c.Persistent = s.Persistent
		c.ReadOnly = s.IsReadOnly()
		return c
	}
	switch t.Category {
	case CategoryStruct, CategoryUnion:
		out := make([]*Symbol, 0, len(t.Members))
		for _, m := range t.Members {
			c := child(s.Path+"."+m.Name, m.Type, m.Offset)
			c.Comment = m.Comment
			c.Attributes = m.Attributes
			out = append(out, c)
		}
		return out
	case CategoryArray:
		if t.Element == nil {
			return nil
		}
		indices := elementIndices(t.Dims)
		out := make([]*Symbol, 0, len(indices))
		for i, idx := range indices {
			out = append(out, child(s.Path+idx, t.Element, uint32(i)*t.Element.Size))
		}
		return out
	case CategoryPointer, CategoryReference:
		if t.Base == nil {
			return nil
		}
		// The target lives at an address only the device knows.
		c := NewSymbol(s.Path+"^", t.Base)
		c.Persistent = s.Persistent
		return []*Symbol{c}
	}
	return nil
}

// elementIndices renders the index suffixes of every array element in
// memory order, e.g. "[1]" or "[0,2]".
func elementIndices(dims []ArrayDim) []string {
	if len(dims) == 0 {
		return nil
	}
	out := []string{""}
	for d, dim := range dims {
		next := make([]string, 0, len(out)*int(dim.Length))
		for _, prefix := range out {
			for i := uint32(0); i < dim.Length; i++ {
				idx := strconv.FormatInt(int64(dim.LowerBound)+int64(i), 10)
				if d == 0 {
					next = append(next, idx)
				} else {
					next = append(next, prefix+","+idx)
				}
			}
		}
		out = next
	}
	for i := range out {
		out[i] = "[" + out[i] + "]"
	}
	return out
}

// SymbolResolver finds symbols by instance path. Lookups are
// case-insensitive and cached until Reset.
type SymbolResolver struct {
	transport Transport
	catalog   SymbolCatalog
	logger    zerolog.Logger

	cache sync.Map

	mu    sync.Mutex
	roots []*Symbol
}

// NewSymbolResolver creates a resolver over the catalog of transport.
func NewSymbolResolver(transport Transport, catalog SymbolCatalog, logger zerolog.Logger) *SymbolResolver {
	return &SymbolResolver{transport: transport, catalog: catalog, logger: logger}
}

// Resolve returns the symbol at path.
func (r *SymbolResolver) Resolve(ctx context.Context, path string) (*Symbol, error) {
	if !r.transport.IsConnected() {
		return nil, ErrNotConnected
	}
	key := strings.ToLower(strings.TrimSpace(path))
	if s, ok := r.cache.Load(key); ok {
		return s.(*Symbol), nil
	}
	roots, err := r.rootSymbols(ctx)
	if err != nil {
		return nil, err
	}
	s := findSymbol(roots, key)
	if s == nil {
		return nil, fmt.Errorf("%w: symbol '%s'", ErrNotFound, path)
	}
	r.cache.Store(key, s)
	return s, nil
}

// Reset drops the symbol cache and the root list.
func (r *SymbolResolver) Reset() {
	r.cache.Range(func(k, _ any) bool {
		r.cache.Delete(k)
		return true
	})
	r.mu.Lock()
	r.roots = nil
	r.mu.Unlock()
	if c, ok := r.catalog.(resetter); ok {
		c.Reset()
	}
	r.logger.Debug().Msg("ads: symbol cache reset")
}

// Variables lists the instance paths below start, or of the whole program
// if start is empty. Pointers and references are listed but not descended.
func (r *SymbolResolver) Variables(ctx context.Context, start string, persistentOnly bool) ([]string, error) {
	var symbols []*Symbol
	if start == "" {
		if !r.transport.IsConnected() {
			return nil, ErrNotConnected
		}
		roots, err := r.rootSymbols(ctx)
		if err != nil {
			return nil, err
		}
		symbols = roots
	} else {
		s, err := r.Resolve(ctx, start)
		if err != nil {
			return nil, err
		}
		symbols = []*Symbol{s}
	}
	var out []string
	collectVariables(symbols, persistentOnly, &out)
	return out, nil
}

func (r *SymbolResolver) rootSymbols(ctx context.Context) ([]*Symbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roots != nil {
		return r.roots, nil
	}
	roots, err := r.catalog.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("ads: loading symbols: %w", err)
	}
	r.roots = roots
	return roots, nil
}

// findSymbol searches the branch whose path prefixes key. Pointers and
// references are never entered.
func findSymbol(symbols []*Symbol, key string) *Symbol {
	for _, s := range symbols {
		p := strings.ToLower(s.Path)
		if p == key {
			return s
		}
		if s.IsPointer() || s.IsReference() {
			continue
		}
		if strings.HasPrefix(key, p+".") || strings.HasPrefix(key, p+"[") {
			if found := findSymbol(s.SubSymbols(), key); found != nil {
				return found
			}
		}
	}
	return nil
}

func collectVariables(symbols []*Symbol, persistentOnly bool, out *[]string) {
	for _, s := range symbols {
		if !persistentOnly || s.Persistent {
			*out = append(*out, s.Path)
		}
		if s.IsPointer() || s.IsReference() {
			continue
		}
		collectVariables(s.SubSymbols(), persistentOnly, out)
	}
}
