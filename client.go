// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// Client reads, writes and watches PLC variables by instance path.
type Client struct {
	transport Transport
	catalog   SymbolCatalog
	compiler  *LayoutCompiler
	resolver  *SymbolResolver
	reader    *SumReader
	engine    *NotificationEngine
	logger    zerolog.Logger
	metrics   *Metrics

	unsubscribe func()
}

// New creates a client on an existing transport and starts the
// notification timer. The transport is not closed by the client.
func New(transport Transport, catalog SymbolCatalog, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{
		transport: transport,
		catalog:   catalog,
		compiler:  NewLayoutCompiler(o.logger),
		logger:    o.logger,
		metrics:   o.metrics,
	}
	c.resolver = NewSymbolResolver(transport, catalog, o.logger)
	c.reader = NewSumReader(transport, o.metrics, o.logger)
	c.engine = newNotificationEngine(transport, c.resolver, c.compiler, c.reader, o)
	c.unsubscribe = transport.Subscribe(c.handleStateChange)
	c.engine.start()
	return c
}

// Close stops the notification timer and releases every notification handle.
func (c *Client) Close() error {
	c.unsubscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.engine.close(ctx)
	return nil
}

func (c *Client) handleStateChange(ev StateChange) {
	c.metrics.stateChange(ev.New)
	c.logger.Info().Stringer("old", ev.Old).Stringer("new", ev.New).AnErr("cause", ev.Err).Msg("ads: connection state changed")
	c.engine.handleStateChange(ev)
}

// lookup resolves path and compiles its type.
func (c *Client) lookup(ctx context.Context, path string) (*Symbol, *Layout, error) {
	sym, err := c.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	l, err := c.compiler.Compile(sym.Type)
	if err != nil {
		return nil, nil, fmt.Errorf("ads: type of '%s': %w", sym.Path, err)
	}
	return sym, l, nil
}

// ReadRaw reads the bytes of the variable at path.
//
// Request:
//
//	Index group           : 4 bytes (0xF004)
//	Index offset          : 4 bytes (0)
//	Write data            : instance path, NUL terminated
//
// Response:
//
//	Data                  : symbol size
func (c *Client) ReadRaw(ctx context.Context, path string) ([]byte, error) {
	sym, err := c.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	return c.readRaw(ctx, sym)
}

func (c *Client) readRaw(ctx context.Context, sym *Symbol) ([]byte, error) {
	data := make([]byte, sym.Size)
	n, err := c.transport.ReadWrite(ctx, IndexGroupSymbolValueByName, 0, data, append([]byte(sym.Path), 0))
	if err != nil {
		return nil, fmt.Errorf("ads: read '%s': %w", sym.Path, err)
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: read '%s' returned '%d' bytes, expected '%d'", ErrSizeMismatch, sym.Path, n, len(data))
	}
	return data, nil
}

// GetValue reads the variable at path and decodes it according to its
// live data type. See Decode for the value types.
func (c *Client) GetValue(ctx context.Context, path string) (any, error) {
	sym, l, err := c.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	data, err := c.readRaw(ctx, sym)
	if err != nil {
		return nil, err
	}
	return Decode(l, data)
}

// GetValueAs reads the variable at path into a T.
func GetValueAs[T any](ctx context.Context, c *Client, path string) (T, error) {
	var zero T
	sym, l, err := c.lookup(ctx, path)
	if err != nil {
		return zero, err
	}
	data, err := c.readRaw(ctx, sym)
	if err != nil {
		return zero, err
	}
	return DecodeAs[T](l, data)
}

// GetValues reads many variables in sum reads. Variables the device
// fails to read are missing from the result.
func (c *Client) GetValues(ctx context.Context, paths ...string) (map[string]any, error) {
	type entry struct {
		symbol *Symbol
		layout *Layout
	}
	entries := make(map[uint32]entry, len(paths))
	items := make(map[uint32]*Symbol, len(paths))
	defer func() {
		for h := range entries {
			if err := c.transport.ReleaseHandle(ctx, h); err != nil {
				c.logger.Debug().Err(err).Uint32("handle", h).Msg("ads: release handle failed")
			}
		}
	}()
	for _, p := range paths {
		sym, l, err := c.lookup(ctx, p)
		if err != nil {
			return nil, err
		}
		h, err := c.transport.CreateHandle(ctx, sym.Path)
		if err != nil {
			return nil, fmt.Errorf("ads: create handle for '%s': %w", sym.Path, err)
		}
		entries[h] = entry{symbol: sym, layout: l}
		items[h] = sym
	}
	raw, err := c.reader.ReadMany(ctx, items)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for _, e := range entries {
		data, ok := raw[e.symbol]
		if !ok {
			continue
		}
		v, err := Decode(e.layout, data)
		if err != nil {
			return nil, err
		}
		out[e.symbol.Path] = v
	}
	return out, nil
}

// SetValue writes v to the variable at path after checking that the
// runtime type of v matches the declared type. See Layout.TypeName.
func (c *Client) SetValue(ctx context.Context, path string, v any) error {
	sym, l, err := c.lookup(ctx, path)
	if err != nil {
		return err
	}
	if l.ReadOnly || sym.IsReadOnly() {
		return fmt.Errorf("%w: '%s'", ErrReadOnly, sym.Path)
	}
	if declared, actual := l.TypeName(), TypeName(v); !typeNameMatches(declared, actual) {
		return fmt.Errorf("%w: '%s' is '%s', value is '%s'", ErrTypeMismatch, sym.Path, declared, actual)
	}
	return c.write(ctx, sym, l, v)
}

// SetValueAs writes v to the variable at path. The value is converted by
// Encode without a type name check.
func SetValueAs[T any](ctx context.Context, c *Client, path string, v T) error {
	sym, l, err := c.lookup(ctx, path)
	if err != nil {
		return err
	}
	return c.write(ctx, sym, l, v)
}

// SetValueString parses text with ParseValue and writes the result.
func (c *Client) SetValueString(ctx context.Context, path, text string) error {
	sym, l, err := c.lookup(ctx, path)
	if err != nil {
		return err
	}
	v, err := ParseValue(l, text)
	if err != nil {
		return err
	}
	return c.write(ctx, sym, l, v)
}

// write sends v as one block when the layout allows it and member by
// member otherwise, skipping read-only members.
func (c *Client) write(ctx context.Context, sym *Symbol, l *Layout, v any) error {
	if l.ReadOnly || sym.IsReadOnly() {
		return fmt.Errorf("%w: '%s'", ErrReadOnly, sym.Path)
	}
	if l.BlockWrite || (l.Kind != KindStruct && l.Kind != KindArray) {
		data, err := Encode(l, v)
		if err != nil {
			return fmt.Errorf("ads: encode '%s': %w", sym.Path, err)
		}
		return c.writeRaw(ctx, sym, data)
	}
	c.logger.Debug().Str("path", sym.Path).Msg("ads: block write not allowed, writing members")
	if l.Kind == KindArray {
		return c.writeElements(ctx, sym, l, v)
	}
	lookup, ok := fieldLookup(v)
	if !ok {
		return fmt.Errorf("ads: '%s': %w", sym.Path, mismatch(l, reflect.TypeOf(v)))
	}
	for _, f := range l.Fields {
		if f.Padding || f.ReadOnly {
			continue
		}
		fv, ok := lookup(f.Name)
		if !ok {
			continue
		}
		member, ml, err := c.lookup(ctx, sym.Path+"."+f.Name)
		if err != nil {
			return err
		}
		if err := c.write(ctx, member, ml, fv); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeElements(ctx context.Context, sym *Symbol, l *Layout, v any) error {
	values, ok := sliceValues(v)
	if !ok {
		return fmt.Errorf("ads: '%s': %w", sym.Path, mismatch(l, reflect.TypeOf(v)))
	}
	indices := elementIndices(l.Dims)
	if len(indices) != l.Count {
		indices = elementIndices([]ArrayDim{{Length: uint32(l.Count)}})
	}
	if len(values) != l.Count {
		return fmt.Errorf("%w: array '%s' has '%d' elements, value has '%d'", ErrSizeMismatch, sym.Path, l.Count, len(values))
	}
	if l.Elem.ReadOnly {
		return nil
	}
	for i, ev := range values {
		elem, elemLayout, err := c.lookup(ctx, sym.Path+indices[i])
		if err != nil {
			return err
		}
		if err := c.write(ctx, elem, elemLayout, ev); err != nil {
			return err
		}
	}
	return nil
}

// Request:
//
//	Index group           : 4 bytes (0xF005)
//	Index offset          : 4 bytes (handle)
//	Data                  : symbol size
func (c *Client) writeRaw(ctx context.Context, sym *Symbol, data []byte) error {
	h, err := c.transport.CreateHandle(ctx, sym.Path)
	if err != nil {
		return fmt.Errorf("ads: create handle for '%s': %w", sym.Path, err)
	}
	defer func() {
		if err := c.transport.ReleaseHandle(ctx, h); err != nil {
			c.logger.Debug().Err(err).Str("path", sym.Path).Msg("ads: release handle failed")
		}
	}()
	if err := c.transport.Write(ctx, IndexGroupSymbolValueByHandle, h, data); err != nil {
		return fmt.Errorf("ads: write '%s': %w", sym.Path, err)
	}
	return nil
}

// AddNotification calls fn with the raw old and new bytes whenever the
// variable at path changes, checking at most once per rate.
func (c *Client) AddNotification(ctx context.Context, path string, rate time.Duration, fn func(path string, old, new []byte)) (*Subscription, error) {
	return c.engine.add(ctx, path, rate, func(p string, old, new []byte) error {
		fn(p, old, new)
		return nil
	})
}

// AddNotificationAs calls fn with decoded values whenever the variable
// at path changes. Use T = any for the values of Decode.
func AddNotificationAs[T any](ctx context.Context, c *Client, path string, rate time.Duration, fn func(path string, old, new T)) (*Subscription, error) {
	return c.engine.add(ctx, path, rate, func(p string, old, new []byte) error {
		sym, l, err := c.lookup(context.Background(), p)
		if err != nil {
			return err
		}
		if len(new) != l.Size {
			return fmt.Errorf("%w: '%s' returned '%d' bytes, layout has '%d'", ErrSizeMismatch, sym.Path, len(new), l.Size)
		}
		var before T
		if len(old) == l.Size {
			if before, err = DecodeAs[T](l, old); err != nil {
				return err
			}
		}
		after, err := DecodeAs[T](l, new)
		if err != nil {
			return err
		}
		fn(p, before, after)
		return nil
	})
}

// RemoveAllNotifications removes every subscription of path.
func (c *Client) RemoveAllNotifications(ctx context.Context, path string) error {
	return c.engine.removeAll(ctx, path)
}

// Variables lists instance paths below start, or of the whole program if
// start is empty.
func (c *Client) Variables(ctx context.Context, start string, persistentOnly bool) ([]string, error) {
	return c.resolver.Variables(ctx, start, persistentOnly)
}

// VariableExists reports whether path resolves.
func (c *Client) VariableExists(ctx context.Context, path string) bool {
	_, err := c.resolver.Resolve(ctx, path)
	return err == nil
}

// DataType returns the compiled layout of the variable at path.
func (c *Client) DataType(ctx context.Context, path string) (*Layout, error) {
	_, l, err := c.lookup(ctx, path)
	return l, err
}

// TypeInfo describes the variable at path.
func (c *Client) TypeInfo(ctx context.Context, path string) (*TypeInfo, error) {
	sym, l, err := c.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	info := describe(sym.Path, sym.Type, l)
	info.Persistent = sym.Persistent
	return info, nil
}

// DataTypes describes every declared struct, union, enum and alias type
// that compiles.
func (c *Client) DataTypes(ctx context.Context) ([]*TypeInfo, error) {
	if !c.transport.IsConnected() {
		return nil, ErrNotConnected
	}
	types, err := c.catalog.DataTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("ads: loading data types: %w", err)
	}
	out := make([]*TypeInfo, 0, len(types))
	for _, t := range types {
		switch t.Category {
		case CategoryPrimitive, CategoryArray, CategoryString, CategoryPointer, CategoryReference:
			continue
		}
		l, err := c.compiler.Compile(t)
		if err != nil {
			c.logger.Debug().Err(err).Str("type", t.Name).Msg("ads: skipping data type")
			continue
		}
		out = append(out, describe(t.Name, t, l))
	}
	return out, nil
}

func sliceValues(v any) ([]any, bool) {
	if xs, ok := v.([]any); ok {
		return xs, true
	}
	rv, ok := indirect(reflect.ValueOf(v))
	if !ok || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
