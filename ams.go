// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package ads

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	// DefaultAmsTCPPort is the port of the AMS router.
	DefaultAmsTCPPort = 48898
	// DefaultPLCPort is the ADS port of the first TwinCAT 3 PLC runtime.
	DefaultPLCPort uint16 = 851

	amsTCPHeaderSize = 6
	amsHeaderSize    = 32
	amsMaxLength     = 1 << 24

	stateFlagRequest  uint16 = 0x0004
	stateFlagResponse uint16 = 0x0005
)

// AmsNetID addresses an ADS device, e.g. "5.12.34.56.1.1".
type AmsNetID [6]byte

// ParseAmsNetID parses the dotted form of a net id.
func ParseAmsNetID(s string) (AmsNetID, error) {
	var id AmsNetID
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != len(id) {
		return id, fmt.Errorf("ads: net id '%s' must have %d parts", s, len(id))
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return id, fmt.Errorf("ads: net id '%s': %w", s, err)
		}
		id[i] = byte(n)
	}
	return id, nil
}

func (id AmsNetID) String() string {
	parts := make([]string, len(id))
	for i, b := range id {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, ".")
}

// AmsAddr is a net id and ADS port.
type AmsAddr struct {
	NetID AmsNetID
	Port  uint16
}

func (a AmsAddr) String() string {
	return fmt.Sprintf("%s:%d", a.NetID, a.Port)
}

// ErrAMSHeaderLength informs about a wrong length in the AMS/TCP header.
type ErrAMSHeaderLength uint32

func (length ErrAMSHeaderLength) Error() string {
	return fmt.Sprintf("ads: length in AMS/TCP header '%d' must be between '%d' and '%d'",
		uint32(length), amsHeaderSize, amsMaxLength)
}

// Packet is an AMS packet.
type Packet struct {
	Target     AmsAddr
	Source     AmsAddr
	Command    uint16
	StateFlags uint16
	ErrorCode  uint32
	InvokeID   uint32
	Data       []byte
}

// amsPackager frames ADS commands into AMS/TCP packets.
type amsPackager struct {
	// For matching responses to requests
	invokeID uint32

	Target AmsAddr
	Source AmsAddr
}

// request allocates a request packet with the next invoke id.
func (mb *amsPackager) request(command uint16, data []byte) *Packet {
	return &Packet{
		Target:     mb.Target,
		Source:     mb.Source,
		Command:    command,
		StateFlags: stateFlagRequest,
		InvokeID:   atomic.AddUint32(&mb.invokeID, 1),
		Data:       data,
	}
}

// Encode adds the AMS/TCP and AMS headers:
//
//	Reserved              : 2 bytes
//	Length                : 4 bytes
//	Target net id         : 6 bytes
//	Target port           : 2 bytes
//	Source net id         : 6 bytes
//	Source port           : 2 bytes
//	Command id            : 2 bytes
//	State flags           : 2 bytes
//	Data length           : 4 bytes
//	Error code            : 4 bytes
//	Invoke id             : 4 bytes
//	Data                  : n bytes
func (mb *amsPackager) Encode(pkt *Packet) ([]byte, error) {
	if len(pkt.Data) > amsMaxLength-amsHeaderSize {
		return nil, ErrAMSHeaderLength(amsHeaderSize + len(pkt.Data))
	}
	adu := make([]byte, amsTCPHeaderSize+amsHeaderSize+len(pkt.Data))
	binary.LittleEndian.PutUint32(adu[2:], uint32(amsHeaderSize+len(pkt.Data)))
	h := adu[amsTCPHeaderSize:]
	copy(h[0:6], pkt.Target.NetID[:])
	binary.LittleEndian.PutUint16(h[6:], pkt.Target.Port)
	copy(h[8:14], pkt.Source.NetID[:])
	binary.LittleEndian.PutUint16(h[14:], pkt.Source.Port)
	binary.LittleEndian.PutUint16(h[16:], pkt.Command)
	binary.LittleEndian.PutUint16(h[18:], pkt.StateFlags)
	binary.LittleEndian.PutUint32(h[20:], uint32(len(pkt.Data)))
	binary.LittleEndian.PutUint32(h[24:], pkt.ErrorCode)
	binary.LittleEndian.PutUint32(h[28:], pkt.InvokeID)
	copy(h[amsHeaderSize:], pkt.Data)
	return adu, nil
}

// Decode extracts the packet from an AMS/TCP frame.
func (mb *amsPackager) Decode(adu []byte) (*Packet, error) {
	if len(adu) < amsTCPHeaderSize+amsHeaderSize {
		return nil, fmt.Errorf("ads: frame of '%d' bytes is shorter than the headers", len(adu))
	}
	length := binary.LittleEndian.Uint32(adu[2:])
	if int(length) != len(adu)-amsTCPHeaderSize {
		return nil, fmt.Errorf("ads: length in header '%d' does not match frame length '%d'", length, len(adu)-amsTCPHeaderSize)
	}
	h := adu[amsTCPHeaderSize:]
	pkt := &Packet{
		Command:    binary.LittleEndian.Uint16(h[16:]),
		StateFlags: binary.LittleEndian.Uint16(h[18:]),
		ErrorCode:  binary.LittleEndian.Uint32(h[24:]),
		InvokeID:   binary.LittleEndian.Uint32(h[28:]),
	}
	copy(pkt.Target.NetID[:], h[0:6])
	pkt.Target.Port = binary.LittleEndian.Uint16(h[6:])
	copy(pkt.Source.NetID[:], h[8:14])
	pkt.Source.Port = binary.LittleEndian.Uint16(h[14:])
	dataLength := binary.LittleEndian.Uint32(h[20:])
	if int(dataLength) != len(h)-amsHeaderSize {
		return nil, fmt.Errorf("ads: data length '%d' does not match payload length '%d'", dataLength, len(h)-amsHeaderSize)
	}
	pkt.Data = h[amsHeaderSize:]
	return pkt, nil
}

// Verify confirms invoke id, command and addressing of a response.
func (mb *amsPackager) Verify(request, response *Packet) error {
	if response.InvokeID != request.InvokeID {
		return fmt.Errorf("ads: response invoke id '%v' does not match request '%v'", response.InvokeID, request.InvokeID)
	}
	if response.Command != request.Command {
		return fmt.Errorf("ads: response command '%v' does not match request '%v'", response.Command, request.Command)
	}
	if response.StateFlags&0x0001 == 0 {
		return fmt.Errorf("ads: response state flags '0x%x' lack the response bit", response.StateFlags)
	}
	if response.Source != request.Target {
		return fmt.Errorf("ads: response source '%v' does not match request target '%v'", response.Source, request.Target)
	}
	return nil
}
