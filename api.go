// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import "context"

// ConnectionState is the state of a transport session.
type ConnectionState int32

const (
	StateNone ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateLost
)

func (s ConnectionState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// StateChange is published by a Transport whenever its connection state changes.
type StateChange struct {
	Old ConnectionState
	New ConnectionState
	// Err is the failure that caused the change, if any.
	Err error
}

// Transport declares the request/response exchange with the controller.
type Transport interface {
	// Connect opens the session.
	Connect(ctx context.Context) error
	// Close closes the session. Close is final.
	Close() error
	IsConnected() bool
	State() ConnectionState
	// Subscribe registers fn for state changes and returns a function
	// that removes the registration.
	Subscribe(fn func(StateChange)) (cancel func())

	// CreateHandle acquires a symbol handle for an instance path.
	CreateHandle(ctx context.Context, path string) (handle uint32, err error)
	// ReleaseHandle frees a handle returned by CreateHandle.
	ReleaseHandle(ctx context.Context, handle uint32) error

	// Read reads len(data) bytes at group/offset and returns the number
	// of bytes the device returned.
	Read(ctx context.Context, group, offset uint32, data []byte) (n int, err error)
	// Write writes data at group/offset.
	Write(ctx context.Context, group, offset uint32, data []byte) error
	// ReadWrite sends request and reads the reply into response. For the
	// grouped commands the offset carries the item count.
	ReadWrite(ctx context.Context, group, offset uint32, response, request []byte) (n int, err error)
}

// SymbolCatalog enumerates the symbols and data types of the running program.
type SymbolCatalog interface {
	// Symbols returns the root symbols.
	Symbols(ctx context.Context) ([]*Symbol, error)
	// DataTypes returns every declared data type.
	DataTypes(ctx context.Context) ([]*DataType, error)
}

// resetter is implemented by catalogs that cache uploaded tables.
type resetter interface {
	Reset()
}
