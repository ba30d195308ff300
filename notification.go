// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("ads: client closed")

// Subscription is a change callback registered for one variable.
type Subscription struct {
	path   string
	rate   time.Duration
	notify func(path string, old, new []byte) error

	lastUpdate atomic.Int64

	mu   sync.Mutex
	last []byte
}

// Path is the instance path of the watched variable.
func (s *Subscription) Path() string { return s.path }

// Rate is the update interval.
func (s *Subscription) Rate() time.Duration { return s.rate }

// LastUpdate is the time the variable was last checked for this subscription.
func (s *Subscription) LastUpdate() time.Time {
	return time.Unix(0, s.lastUpdate.Load())
}

func (s *Subscription) due(now time.Time) bool {
	d := now.Sub(s.LastUpdate())
	if d < 0 {
		d = -d
	}
	return d >= s.rate
}

// observe stores data as the last known value and returns the previous
// one if it differs.
func (s *Subscription) observe(data []byte, now time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUpdate.Store(now.UnixNano())
	if bytes.Equal(s.last, data) {
		return nil, false
	}
	old := s.last
	s.last = data
	return old, true
}

// variable holds the subscriptions sharing one handle.
type variable struct {
	path    string
	removed atomic.Bool

	mu     sync.RWMutex
	handle uint32
	symbol *Symbol
	subs   []*Subscription
	// stale is set while the variable has no valid handle.
	stale bool
}

func (v *variable) snapshot() (uint32, *Symbol, []*Subscription) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.handle, v.symbol, v.subs
}

func (v *variable) add(s *Subscription) {
	v.mu.Lock()
	defer v.mu.Unlock()
	subs := make([]*Subscription, len(v.subs), len(v.subs)+1)
	copy(subs, v.subs)
	v.subs = append(subs, s)
}

func (v *variable) rebind(handle uint32, symbol *Symbol) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handle = handle
	v.symbol = symbol
	v.stale = false
}

// unbind marks the handle as invalid and returns it. ok is false when
// the variable was already unbound.
func (v *variable) unbind() (handle uint32, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stale {
		return 0, false
	}
	v.stale = true
	return v.handle, true
}

func (v *variable) isStale() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.stale
}

func registryKey(path string) string {
	return strings.ToLower(strings.TrimSpace(path))
}

// NotificationEngine polls registered variables and calls back on change.
type NotificationEngine struct {
	transport Transport
	resolver  *SymbolResolver
	compiler  *LayoutCompiler
	reader    *SumReader
	logger    zerolog.Logger
	metrics   *Metrics
	interval  time.Duration
	workers   int
	now       func() time.Time

	registry sync.Map
	addMu    sync.Mutex

	closed     atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	dispatches sync.WaitGroup
}

func newNotificationEngine(transport Transport, resolver *SymbolResolver, compiler *LayoutCompiler, reader *SumReader, o options) *NotificationEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &NotificationEngine{
		transport: transport,
		resolver:  resolver,
		compiler:  compiler,
		reader:    reader,
		logger:    o.logger,
		metrics:   o.metrics,
		interval:  o.scanInterval,
		workers:   o.workers,
		now:       o.now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// start runs the scan timer until close.
func (e *NotificationEngine) start() {
	go func() {
		defer close(e.done)

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.scan(e.ctx, e.now())
			}
		}
	}()
}

// close stops the timer. Dispatches in flight observe the closed flag and
// return without invoking further callbacks.
func (e *NotificationEngine) close(ctx context.Context) {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	<-e.done

	e.addMu.Lock()
	defer e.addMu.Unlock()
	e.registry.Range(func(key, value any) bool {
		v := value.(*variable)
		e.registry.Delete(key)
		v.removed.Store(true)
		if e.transport.IsConnected() {
			if handle, ok := v.unbind(); ok {
				e.releaseHandle(ctx, v, handle)
			}
		}
		return true
	})
}

// add registers a subscription. The handle of the variable is created with
// the first subscription and the initial value becomes the baseline for
// change detection.
func (e *NotificationEngine) add(ctx context.Context, path string, rate time.Duration, notify func(path string, old, new []byte) error) (*Subscription, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.addMu.Lock()
	defer e.addMu.Unlock()

	sym, err := e.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	key := registryKey(path)
	var (
		v       *variable
		created bool
	)
	if existing, ok := e.registry.Load(key); ok {
		v = existing.(*variable)
		if v.isStale() {
			if err := e.bind(ctx, key, v); err != nil {
				return nil, err
			}
		}
	} else {
		handle, err := e.transport.CreateHandle(ctx, sym.Path)
		if err != nil {
			return nil, fmt.Errorf("ads: create handle for '%s': %w", sym.Path, err)
		}
		v = &variable{path: sym.Path, handle: handle, symbol: sym}
		created = true
	}

	handle, current, _ := v.snapshot()
	initial, err := e.readHandle(ctx, handle, current)
	if err != nil {
		if created {
			_ = e.transport.ReleaseHandle(ctx, handle)
		}
		return nil, err
	}
	s := &Subscription{path: v.path, rate: rate, notify: notify, last: initial}
	s.lastUpdate.Store(e.now().UnixNano())
	v.add(s)
	if created {
		e.registry.Store(key, v)
	}
	e.logger.Debug().Str("path", v.path).Dur("rate", rate).Msg("ads: notification added")
	return s, nil
}

// removeAll removes every subscription of path and releases its handle.
func (e *NotificationEngine) removeAll(ctx context.Context, path string) error {
	e.addMu.Lock()
	defer e.addMu.Unlock()

	value, ok := e.registry.LoadAndDelete(registryKey(path))
	if !ok {
		return nil
	}
	v := value.(*variable)
	v.removed.Store(true)
	if !e.transport.IsConnected() {
		return nil
	}
	handle, ok := v.unbind()
	if !ok {
		return nil
	}
	if err := e.transport.ReleaseHandle(ctx, handle); err != nil {
		return fmt.Errorf("ads: release handle for '%s': %w", v.path, err)
	}
	return nil
}

func (e *NotificationEngine) readHandle(ctx context.Context, handle uint32, s *Symbol) ([]byte, error) {
	data := make([]byte, s.Size)
	n, err := e.transport.Read(ctx, IndexGroupSymbolValueByHandle, handle, data)
	if err != nil {
		return nil, fmt.Errorf("ads: read '%s': %w", s.Path, err)
	}
	return data[:n], nil
}

// scan reads every due variable in one sum read and dispatches the result
// on a separate goroutine.
func (e *NotificationEngine) scan(ctx context.Context, now time.Time) {
	if e.closed.Load() || !e.transport.IsConnected() {
		return
	}
	e.bindStale(ctx)
	items := e.collectDue(now)
	if len(items) == 0 {
		return
	}
	start := time.Now()
	results, err := e.reader.ReadMany(ctx, items)
	e.metrics.scan(err == nil, time.Since(start))
	if err != nil {
		e.logger.Error().Err(err).Int("variables", len(items)).Msg("ads: notification scan failed")
		return
	}
	e.dispatchAsync(results, now, false)
}

func (e *NotificationEngine) collectDue(now time.Time) map[uint32]*Symbol {
	var (
		mu    sync.Mutex
		items = make(map[uint32]*Symbol)
		g     errgroup.Group
	)
	g.SetLimit(e.workers)
	e.registry.Range(func(_, value any) bool {
		v := value.(*variable)
		g.Go(func() error {
			if v.isStale() {
				return nil
			}
			handle, sym, subs := v.snapshot()
			for _, s := range subs {
				if s.due(now) {
					mu.Lock()
					items[handle] = sym
					mu.Unlock()
					break
				}
			}
			return nil
		})
		return true
	})
	_ = g.Wait()
	return items
}

func (e *NotificationEngine) dispatchAsync(results map[*Symbol][]byte, now time.Time, force bool) {
	e.dispatches.Add(1)
	go func() {
		defer e.dispatches.Done()
		e.dispatch(results, now, force)
	}()
}

// dispatch compares each result with the last value of every subscription
// of that variable. Unless force is set, only subscriptions that are
// still due are considered.
func (e *NotificationEngine) dispatch(results map[*Symbol][]byte, now time.Time, force bool) {
	var g errgroup.Group
	g.SetLimit(e.workers)
	for sym, data := range results {
		if e.closed.Load() {
			break
		}
		sym, data := sym, data
		g.Go(func() error {
			e.deliver(sym, data, now, force)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *NotificationEngine) deliver(sym *Symbol, data []byte, now time.Time, force bool) {
	value, ok := e.registry.Load(registryKey(sym.Path))
	if !ok {
		return
	}
	v := value.(*variable)
	_, _, subs := v.snapshot()
	for _, s := range subs {
		if e.closed.Load() || v.removed.Load() {
			return
		}
		if !force && !s.due(now) {
			continue
		}
		if old, changed := s.observe(data, now); changed {
			e.invoke(s, old, data)
		}
	}
}

// invoke runs one callback. A panic or error is logged and does not
// affect other subscriptions.
func (e *NotificationEngine) invoke(s *Subscription, old, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.callbackFailure()
			e.logger.Error().Str("path", s.path).Interface("panic", r).Msg("ads: notification callback panicked")
		}
	}()
	if err := s.notify(s.path, old, data); err != nil {
		e.metrics.callbackFailure()
		e.logger.Error().Err(err).Str("path", s.path).Msg("ads: notification callback failed")
		return
	}
	e.metrics.notification()
}

func (e *NotificationEngine) handleStateChange(ev StateChange) {
	switch ev.New {
	case StateConnected:
		if ev.Old == StateConnected || e.closed.Load() {
			return
		}
		e.dispatches.Add(1)
		go func() {
			defer e.dispatches.Done()
			e.revalidate(e.ctx)
		}()
	case StateNone, StateDisconnected, StateLost:
		e.compiler.ResetCache()
		e.resolver.Reset()
	}
}

// revalidate re-resolves every registered variable after a reconnect,
// drops the ones that no longer exist and dispatches a fresh read of the
// rest. Variables that fail for another reason stay registered and are
// bound again by a later scan.
func (e *NotificationEngine) revalidate(ctx context.Context) {
	items := e.rebind(ctx)
	if len(items) == 0 {
		return
	}
	results, err := e.reader.ReadMany(ctx, items)
	if err != nil {
		e.logger.Error().Err(err).Int("variables", len(items)).Msg("ads: notification baseline read failed")
		return
	}
	e.dispatch(results, e.now(), true)
}

// rebind releases the handles of every registered variable and creates
// new ones. It returns the variables bound successfully.
func (e *NotificationEngine) rebind(ctx context.Context) map[uint32]*Symbol {
	e.addMu.Lock()
	defer e.addMu.Unlock()

	// Handles are released before any is created, so a handle number
	// reissued by the device is never released by mistake.
	e.registry.Range(func(_, value any) bool {
		v := value.(*variable)
		if handle, ok := v.unbind(); ok {
			e.releaseHandle(ctx, v, handle)
		}
		return !e.closed.Load()
	})
	return e.bindAll(ctx)
}

// bindStale binds the variables left without a handle.
func (e *NotificationEngine) bindStale(ctx context.Context) {
	e.addMu.Lock()
	defer e.addMu.Unlock()
	e.bindAll(ctx)
}

// bindAll binds every stale variable. Caller must hold addMu.
func (e *NotificationEngine) bindAll(ctx context.Context) map[uint32]*Symbol {
	items := make(map[uint32]*Symbol)
	e.registry.Range(func(key, value any) bool {
		if e.closed.Load() {
			return false
		}
		v := value.(*variable)
		if !v.isStale() {
			return true
		}
		if err := e.bind(ctx, key, v); err != nil {
			if !errors.Is(err, ErrNotFound) {
				e.logger.Warn().Err(err).Str("path", v.path).Msg("ads: variable not bound, retrying on next scan")
			}
			return true
		}
		handle, sym, _ := v.snapshot()
		items[handle] = sym
		return true
	})
	return items
}

// bind resolves v and creates its handle. A variable that no longer
// exists is removed from the registry. Caller must hold addMu.
func (e *NotificationEngine) bind(ctx context.Context, key any, v *variable) error {
	sym, err := e.resolver.Resolve(ctx, v.path)
	var handle uint32
	if err == nil {
		handle, err = e.transport.CreateHandle(ctx, sym.Path)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		e.registry.Delete(key)
		v.removed.Store(true)
		e.metrics.droppedVariable()
		e.logger.Warn().Str("path", v.path).Msg("ads: variable no longer exists, notifications dropped")
		return fmt.Errorf("ads: revalidate '%s': %w", v.path, err)
	case err != nil:
		return fmt.Errorf("ads: revalidate '%s': %w", v.path, err)
	}
	v.rebind(handle, sym)
	return nil
}

func (e *NotificationEngine) releaseHandle(ctx context.Context, v *variable, handle uint32) {
	if err := e.transport.ReleaseHandle(ctx, handle); err != nil {
		e.logger.Debug().Err(err).Str("path", v.path).Msg("ads: release handle failed")
	}
}
