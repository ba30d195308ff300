// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Default TCP timeout is not set
	tcpTimeout = 10 * time.Second

	deviceNameLength = 16
)

// DeviceInfo is the reply to ReadDeviceInfo.
type DeviceInfo struct {
	Major uint8
	Minor uint8
	Build uint16
	Name  string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s %d.%d.%d", d.Name, d.Major, d.Minor, d.Build)
}

// TCPTransport implements Transport over an AMS/TCP stream.
type TCPTransport struct {
	amsPackager
	tcpTransporter
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport allocates a transport to the AMS router at address.
// The router port is added when address has none.
func NewTCPTransport(address string, target, source AmsAddr) *TCPTransport {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultAmsTCPPort))
	}
	t := &TCPTransport{}
	t.Address = address
	t.Target = target
	t.Source = source
	t.Timeout = tcpTimeout
	t.Logger = zerolog.Nop()
	t.closing = make(chan struct{})
	return t
}

// exchange sends one ADS command and returns the reply after the result code.
func (mb *TCPTransport) exchange(ctx context.Context, command uint16, data []byte) ([]byte, error) {
	request := mb.request(command, data)
	aduRequest, err := mb.Encode(request)
	if err != nil {
		return nil, err
	}
	aduResponse, err := mb.Send(ctx, aduRequest)
	if err != nil {
		return nil, err
	}
	response, err := mb.Decode(aduResponse)
	if err != nil {
		return nil, err
	}
	if err = mb.Verify(request, response); err != nil {
		return nil, err
	}
	if err = resultError(response.ErrorCode); err != nil {
		return nil, err
	}
	if len(response.Data) < 4 {
		return nil, fmt.Errorf("ads: response to command '%v' has '%v' bytes, expected at least 4: %w",
			command, len(response.Data), ErrIncompleteResponse)
	}
	if err = resultError(binary.LittleEndian.Uint32(response.Data)); err != nil {
		return nil, err
	}
	return response.Data[4:], nil
}

// ReadDeviceInfo reads the name and version of the target.
//
//	Response:
//	 Result               : 4 bytes
//	 Major version        : 1 byte
//	 Minor version        : 1 byte
//	 Build                : 2 bytes
//	 Device name          : 16 bytes
func (mb *TCPTransport) ReadDeviceInfo(ctx context.Context) (info DeviceInfo, err error) {
	data, err := mb.exchange(ctx, CommandReadDeviceInfo, nil)
	if err != nil {
		return
	}
	if len(data) < 4+deviceNameLength {
		err = fmt.Errorf("ads: device info of '%v' bytes: %w", len(data), ErrIncompleteResponse)
		return
	}
	info.Major = data[0]
	info.Minor = data[1]
	info.Build = binary.LittleEndian.Uint16(data[2:])
	info.Name = decodeString(data[4 : 4+deviceNameLength])
	return
}

// ReadState reads the ADS and device state of the target.
//
//	Response:
//	 Result               : 4 bytes
//	 ADS state            : 2 bytes
//	 Device state         : 2 bytes
func (mb *TCPTransport) ReadState(ctx context.Context) (adsState, deviceState uint16, err error) {
	data, err := mb.exchange(ctx, CommandReadState, nil)
	if err != nil {
		return
	}
	if len(data) < 4 {
		err = fmt.Errorf("ads: state of '%v' bytes: %w", len(data), ErrIncompleteResponse)
		return
	}
	adsState = binary.LittleEndian.Uint16(data)
	deviceState = binary.LittleEndian.Uint16(data[2:])
	return
}

// Read reads len(data) bytes at group/offset.
//
//	Request:
//	 Index group          : 4 bytes
//	 Index offset         : 4 bytes
//	 Length               : 4 bytes
//	Response:
//	 Result               : 4 bytes
//	 Length               : 4 bytes
//	 Data                 : n bytes
func (mb *TCPTransport) Read(ctx context.Context, group, offset uint32, data []byte) (int, error) {
	request := make([]byte, 12)
	binary.LittleEndian.PutUint32(request, group)
	binary.LittleEndian.PutUint32(request[4:], offset)
	binary.LittleEndian.PutUint32(request[8:], uint32(len(data)))
	reply, err := mb.exchange(ctx, CommandRead, request)
	if err != nil {
		return 0, err
	}
	return copyReply(reply, data)
}

// Write writes data at group/offset.
//
//	Request:
//	 Index group          : 4 bytes
//	 Index offset         : 4 bytes
//	 Length               : 4 bytes
//	 Data                 : n bytes
//	Response:
//	 Result               : 4 bytes
func (mb *TCPTransport) Write(ctx context.Context, group, offset uint32, data []byte) error {
	request := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(request, group)
	binary.LittleEndian.PutUint32(request[4:], offset)
	binary.LittleEndian.PutUint32(request[8:], uint32(len(data)))
	copy(request[12:], data)
	_, err := mb.exchange(ctx, CommandWrite, request)
	return err
}

// ReadWrite writes request and reads the reply into response.
//
//	Request:
//	 Index group          : 4 bytes
//	 Index offset         : 4 bytes
//	 Read length          : 4 bytes
//	 Write length         : 4 bytes
//	 Data                 : n bytes
//	Response:
//	 Result               : 4 bytes
//	 Length               : 4 bytes
//	 Data                 : n bytes
func (mb *TCPTransport) ReadWrite(ctx context.Context, group, offset uint32, response, request []byte) (int, error) {
	data := make([]byte, 16+len(request))
	binary.LittleEndian.PutUint32(data, group)
	binary.LittleEndian.PutUint32(data[4:], offset)
	binary.LittleEndian.PutUint32(data[8:], uint32(len(response)))
	binary.LittleEndian.PutUint32(data[12:], uint32(len(request)))
	copy(data[16:], request)
	reply, err := mb.exchange(ctx, CommandReadWrite, data)
	if err != nil {
		return 0, err
	}
	return copyReply(reply, response)
}

// CreateHandle acquires a handle for path.
func (mb *TCPTransport) CreateHandle(ctx context.Context, path string) (uint32, error) {
	var handle [4]byte
	n, err := mb.ReadWrite(ctx, IndexGroupSymbolHandleByName, 0, handle[:], append([]byte(path), 0))
	if err != nil {
		return 0, fmt.Errorf("ads: could not create handle for '%s': %w", path, err)
	}
	if n != len(handle) {
		return 0, fmt.Errorf("ads: handle for '%s' has '%v' bytes: %w", path, n, ErrSizeMismatch)
	}
	return binary.LittleEndian.Uint32(handle[:]), nil
}

// ReleaseHandle frees a handle.
func (mb *TCPTransport) ReleaseHandle(ctx context.Context, handle uint32) error {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], handle)
	return mb.Write(ctx, IndexGroupSymbolReleaseHandle, 0, data[:])
}

// copyReply copies a length-prefixed reply into data.
func copyReply(reply, data []byte) (int, error) {
	if len(reply) < 4 {
		return 0, fmt.Errorf("ads: reply of '%v' bytes lacks its length: %w", len(reply), ErrIncompleteResponse)
	}
	length := int(binary.LittleEndian.Uint32(reply))
	if length > len(reply)-4 {
		return 0, fmt.Errorf("ads: reply length '%v' exceeds payload '%v': %w", length, len(reply)-4, ErrIncompleteResponse)
	}
	if length > len(data) {
		return 0, fmt.Errorf("ads: reply length '%v' exceeds buffer '%v': %w", length, len(data), ErrSizeMismatch)
	}
	return copy(data, reply[4:4+length]), nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

type listener struct {
	id int
	fn func(StateChange)
}

// tcpTransporter moves AMS/TCP frames over a byte stream.
type tcpTransporter struct {
	// Connect string
	Address string
	// Connect & Read timeout
	Timeout time.Duration
	// Idle timeout to close the connection
	IdleTimeout time.Duration
	// Recovery timeout if tcp communication misbehaves
	LinkRecoveryTimeout time.Duration
	// Recovery timeout if the protocol is malformed, e.g. wrong invoke ID
	ProtocolRecoveryTimeout time.Duration
	// Reconnect delays after the link was lost, zero disables reconnecting
	ReconnectBackoff BackoffConfig
	// Dial opens the stream, a TCP dial when nil
	Dial func(ctx context.Context, address string) (io.ReadWriteCloser, error)
	// Transmission logger
	Logger zerolog.Logger

	mu           sync.Mutex
	conn         io.ReadWriteCloser
	closeTimer   *time.Timer
	lastActivity time.Time
	closed       bool
	reconnecting bool
	closing      chan struct{}
	closeOnce    sync.Once

	state        atomic.Int32
	pendingMu    sync.Mutex
	pending      []StateChange
	draining     bool
	listenersMu  sync.Mutex
	listeners    []listener
	nextListener int
}

// Send sends data to the router and ensures the response matches the request.
func (mb *tcpTransporter) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	defer mb.publish()
	mb.mu.Lock()
	defer mb.mu.Unlock()

	recoveryDeadline := time.Now().Add(mb.Timeout)

	for {
		if err = ctx.Err(); err != nil {
			return
		}
		// Establish a new connection if not connected
		if err = mb.connect(ctx); err != nil {
			return
		}

		// Replies to requests that already timed out would cause an
		// invoke id mismatch. Be aware that this resets the read deadline.
		mb.flushAll()

		// Set timer to close when idle
		mb.lastActivity = time.Now()
		mb.startCloseTimer()
		if err = mb.setDeadline(ctx); err != nil {
			return
		}
		mb.Logger.Trace().Hex("adu", aduRequest).Msg("ads: send")
		if _, err = mb.conn.Write(aduRequest); err != nil {
			mb.lost(err)
			return
		}
		// Read header first
		var header [amsTCPHeaderSize]byte
		if _, err = io.ReadFull(mb.conn, header[:]); err == nil {
			aduResponse, err = mb.processResponse(header[:])
			if err == nil {
				err = verify(aduRequest, aduResponse)
				if err == nil {
					mb.Logger.Trace().Hex("adu", aduResponse).Msg("ads: recv")
					return // everything is OK
				}
			}
			var headerErr ErrAMSHeaderLength
			if !errors.As(err, &headerErr) {
				if mb.ProtocolRecoveryTimeout > 0 && time.Until(recoveryDeadline) > 0 {
					continue // AMS/TCP header OK but AMS frame not
				}
				return // no time left, report error
			}
			if mb.LinkRecoveryTimeout == 0 || time.Until(recoveryDeadline) < 0 {
				return // AMS/TCP header not OK, but no time left, report error
			}
		} else if isTimeout(err) {
			return
		} else if (err != io.EOF && err != io.ErrUnexpectedEOF) ||
			mb.LinkRecoveryTimeout == 0 || time.Until(recoveryDeadline) < 0 {
			mb.lost(err)
			return
		}
		mb.Logger.Debug().Err(err).Msg("ads: close connection and retry")

		mb.lost(err)
		time.Sleep(mb.LinkRecoveryTimeout)
	}
}

func (mb *tcpTransporter) processResponse(header []byte) (aduResponse []byte, err error) {
	// Ignore the reserved bytes
	length := binary.LittleEndian.Uint32(header[2:])
	if length < amsHeaderSize || length > amsMaxLength {
		mb.flushAll()
		err = ErrAMSHeaderLength(length)
		return
	}
	aduResponse = make([]byte, amsTCPHeaderSize+int(length))
	copy(aduResponse, header)
	if _, err = io.ReadFull(mb.conn, aduResponse[amsTCPHeaderSize:]); err != nil {
		aduResponse = nil
	}
	return
}

// verify matches command and invoke id of the raw frames.
func verify(aduRequest []byte, aduResponse []byte) error {
	offset := amsTCPHeaderSize + 28
	responseVal := binary.LittleEndian.Uint32(aduResponse[offset:])
	requestVal := binary.LittleEndian.Uint32(aduRequest[offset:])
	if responseVal != requestVal {
		return fmt.Errorf("ads: response invoke id '%v' does not match request '%v'", responseVal, requestVal)
	}
	offset = amsTCPHeaderSize + 16
	responseCmd := binary.LittleEndian.Uint16(aduResponse[offset:])
	requestCmd := binary.LittleEndian.Uint16(aduRequest[offset:])
	if responseCmd != requestCmd {
		return fmt.Errorf("ads: response command '%v' does not match request '%v'", responseCmd, requestCmd)
	}
	return nil
}

// Connect establishes a new connection to the address in Address.
func (mb *tcpTransporter) Connect(ctx context.Context) error {
	defer mb.publish()
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect(ctx)
}

func (mb *tcpTransporter) connect(ctx context.Context) error {
	if mb.closed {
		return ErrClosed
	}
	if mb.conn != nil {
		return nil
	}
	// A stream closed for idleness is reopened without a state change.
	prev := mb.State()
	if prev != StateConnected {
		mb.setState(StateConnecting, nil)
	}
	conn, err := mb.dial(ctx)
	if err != nil {
		next := StateDisconnected
		if prev == StateLost || prev == StateConnected {
			next = StateLost
		}
		mb.setState(next, err)
		return fmt.Errorf("ads: could not connect to '%s': %w", mb.Address, err)
	}
	mb.conn = conn
	mb.setState(StateConnected, nil)
	mb.Logger.Debug().Str("address", mb.Address).Msg("ads: connected")
	return nil
}

func (mb *tcpTransporter) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if mb.Dial != nil {
		return mb.Dial(ctx, mb.Address)
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	return dialer.DialContext(ctx, "tcp", mb.Address)
}

func (mb *tcpTransporter) setDeadline(ctx context.Context) error {
	conn, ok := mb.conn.(deadliner)
	if !ok {
		return nil
	}
	var deadline time.Time
	if mb.Timeout > 0 {
		deadline = mb.lastActivity.Add(mb.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return conn.SetDeadline(deadline)
}

func (mb *tcpTransporter) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// IsConnected reports whether the transport is usable. A stream closed
// for idleness counts as connected.
func (mb *tcpTransporter) IsConnected() bool {
	return mb.State() == StateConnected
}

// State returns the current connection state.
func (mb *tcpTransporter) State() ConnectionState {
	return ConnectionState(mb.state.Load())
}

// Subscribe registers fn for state changes. fn runs on a separate
// goroutine, in the order the changes happened.
func (mb *tcpTransporter) Subscribe(fn func(StateChange)) (cancel func()) {
	mb.listenersMu.Lock()
	defer mb.listenersMu.Unlock()

	mb.nextListener++
	id := mb.nextListener
	mb.listeners = append(mb.listeners, listener{id: id, fn: fn})
	return func() {
		mb.listenersMu.Lock()
		defer mb.listenersMu.Unlock()
		for i, l := range mb.listeners {
			if l.id == id {
				mb.listeners = append(mb.listeners[:i:i], mb.listeners[i+1:]...)
				return
			}
		}
	}
}

// setState records a transition for publish. Caller must hold the mutex.
func (mb *tcpTransporter) setState(s ConnectionState, err error) {
	old := ConnectionState(mb.state.Swap(int32(s)))
	if old == s {
		return
	}
	mb.pendingMu.Lock()
	mb.pending = append(mb.pending, StateChange{Old: old, New: s, Err: err})
	mb.pendingMu.Unlock()
}

// publish hands recorded transitions to a goroutine that delivers them in
// order, so listeners may call back into the transport and its users.
func (mb *tcpTransporter) publish() {
	mb.pendingMu.Lock()
	defer mb.pendingMu.Unlock()

	if mb.draining || len(mb.pending) == 0 {
		return
	}
	mb.draining = true
	go mb.drain()
}

func (mb *tcpTransporter) drain() {
	for {
		mb.pendingMu.Lock()
		events := mb.pending
		mb.pending = nil
		if len(events) == 0 {
			mb.draining = false
			mb.pendingMu.Unlock()
			return
		}
		mb.pendingMu.Unlock()

		mb.listenersMu.Lock()
		listeners := append([]listener(nil), mb.listeners...)
		mb.listenersMu.Unlock()
		for _, ev := range events {
			for _, l := range listeners {
				l.fn(ev)
			}
		}
	}
}

// lost closes the stream after a link failure and schedules a reconnect.
// Caller must hold the mutex.
func (mb *tcpTransporter) lost(err error) {
	mb.close()
	if mb.closed {
		return
	}
	mb.Logger.Warn().Err(err).Str("address", mb.Address).Msg("ads: connection lost")
	mb.setState(StateLost, err)
	if mb.ReconnectBackoff.InitialDelay > 0 && !mb.reconnecting {
		mb.reconnecting = true
		go mb.reconnectLoop()
	}
}

func (mb *tcpTransporter) reconnectLoop() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		delay := NextBackoffDelay(mb.ReconnectBackoff, attempt, rng)
		timer := time.NewTimer(delay)
		select {
		case <-mb.closing:
			timer.Stop()
			return
		case <-timer.C:
		}
		done, err := mb.tryReconnect()
		mb.publish()
		if done {
			return
		}
		mb.Logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("ads: reconnect failed")
	}
}

func (mb *tcpTransporter) tryReconnect() (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed || mb.conn != nil {
		mb.reconnecting = false
		return true, nil
	}
	timeout := mb.Timeout
	if timeout <= 0 {
		timeout = tcpTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := mb.connect(ctx); err != nil {
		return false, err
	}
	mb.reconnecting = false
	return true, nil
}

// Close closes the connection. The transport cannot be reused.
func (mb *tcpTransporter) Close() error {
	defer mb.publish()
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.closed = true
	mb.closeOnce.Do(func() {
		if mb.closing != nil {
			close(mb.closing)
		}
	})
	if mb.closeTimer != nil {
		mb.closeTimer.Stop()
	}
	err := mb.close()
	mb.setState(StateDisconnected, nil)
	return err
}

// close closes current connection. Caller must hold the mutex before calling this method.
func (mb *tcpTransporter) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

// closeIdle closes the connection if last activity is passed behind
// IdleTimeout. The state stays connected, the next request redials.
func (mb *tcpTransporter) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 || mb.conn == nil {
		return
	}
	idle := time.Since(mb.lastActivity)
	if idle >= mb.IdleTimeout {
		mb.Logger.Debug().Dur("idle", idle).Msg("ads: closing connection due to idle timeout")
		mb.close()
	}
}

// flushAll implements a non-blocking read flush. Be warned it resets
// the read deadline.
func (mb *tcpTransporter) flushAll() (int, error) {
	conn, ok := mb.conn.(deadliner)
	if !ok {
		return 0, nil
	}
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return 0, err
	}

	count := 0
	buffer := make([]byte, 1024)

	for {
		n, err := mb.conn.Read(buffer)

		if err != nil {
			return count + n, err
		} else if n > 0 {
			count = count + n
		} else {
			// didn't flush any new bytes, return
			return count, err
		}
	}
}

func isTimeout(err error) bool {
	var netError net.Error
	return errors.As(err, &netError) && netError.Timeout()
}
