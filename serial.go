// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grid-x/serial"
	"github.com/rs/zerolog"
)

const (
	// Default timeout
	serialTimeout     = 5 * time.Second
	serialIdleTimeout = 60 * time.Second
)

// SerialTransport carries AMS/TCP frames over a serial line, e.g. to a
// controller behind a serial AMS router.
type SerialTransport struct {
	*TCPTransport

	// Serial port configuration.
	Config serial.Config
}

// NewSerialTransport allocates a transport on the serial port at address.
func NewSerialTransport(address string, target, source AmsAddr) *SerialTransport {
	t := &SerialTransport{
		TCPTransport: &TCPTransport{},
		Config: serial.Config{
			Address: address,
			Timeout: serialTimeout,
		},
	}
	t.Address = address
	t.Target = target
	t.Source = source
	t.Timeout = serialTimeout
	t.IdleTimeout = serialIdleTimeout
	t.Logger = zerolog.Nop()
	t.closing = make(chan struct{})
	t.Dial = t.open
	return t
}

// open opens the serial port.
func (mb *SerialTransport) open(_ context.Context, address string) (io.ReadWriteCloser, error) {
	cfg := mb.Config
	cfg.Address = address
	port, err := serial.Open(&cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", address, err)
	}
	return port, nil
}
