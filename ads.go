// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package ads provides symbolic access to the process image of a TwinCAT PLC
over ADS.

Variables are addressed by instance path. Their binary layout is discovered
at runtime from the controller's symbol and data type catalog, compiled into
a Layout and interpreted by the codec. Many variables can be read in one
round trip with a sum read, and a polling engine delivers change
notifications at per-variable rates.
*/
package ads

import (
	"errors"
	"fmt"
)

// Reserved index groups.
const (
	IndexGroupSymbolHandleByName  uint32 = 0xF003
	IndexGroupSymbolValueByName   uint32 = 0xF004
	IndexGroupSymbolValueByHandle uint32 = 0xF005
	IndexGroupSymbolReleaseHandle uint32 = 0xF006
	IndexGroupSymbolUpload        uint32 = 0xF00B
	IndexGroupDataTypeUpload      uint32 = 0xF00E
	IndexGroupSymbolUploadInfo2   uint32 = 0xF00F
	IndexGroupSumRead             uint32 = 0xF080
)

// SumReadLimit is the maximum number of items in one sum read request.
const SumReadLimit = 500

// Command identifiers of the AMS header.
const (
	CommandReadDeviceInfo uint16 = 1
	CommandRead           uint16 = 2
	CommandWrite          uint16 = 3
	CommandReadState      uint16 = 4
	CommandReadWrite      uint16 = 9
)

// ReturnCode is an ADS result code.
type ReturnCode uint32

// ReturnCodeErrorOffset is the base of the device error class.
const ReturnCodeErrorOffset = 0x0700

const (
	ReturnCodeNoError                   ReturnCode = 0x00
	ReturnCodeTargetPortNotFound        ReturnCode = 0x06
	ReturnCodeTargetMachineNotFound     ReturnCode = 0x07
	ReturnCodeDeviceError               ReturnCode = ReturnCodeErrorOffset + 0x00
	ReturnCodeDeviceServiceNotSupported ReturnCode = ReturnCodeErrorOffset + 0x01
	ReturnCodeDeviceInvalidGroup        ReturnCode = ReturnCodeErrorOffset + 0x02
	ReturnCodeDeviceInvalidOffset       ReturnCode = ReturnCodeErrorOffset + 0x03
	ReturnCodeDeviceInvalidAccess       ReturnCode = ReturnCodeErrorOffset + 0x04
	ReturnCodeDeviceInvalidSize         ReturnCode = ReturnCodeErrorOffset + 0x05
	ReturnCodeDeviceInvalidData         ReturnCode = ReturnCodeErrorOffset + 0x06
	ReturnCodeDeviceNotReady            ReturnCode = ReturnCodeErrorOffset + 0x07
	ReturnCodeDeviceBusy                ReturnCode = ReturnCodeErrorOffset + 0x08
	ReturnCodeDeviceNoMemory            ReturnCode = ReturnCodeErrorOffset + 0x0A
	ReturnCodeDeviceInvalidParam        ReturnCode = ReturnCodeErrorOffset + 0x0B
	ReturnCodeDeviceNotFound            ReturnCode = ReturnCodeErrorOffset + 0x0C
	ReturnCodeDeviceSymbolNotFound      ReturnCode = ReturnCodeErrorOffset + 0x10
	ReturnCodeDeviceSymbolVersion       ReturnCode = ReturnCodeErrorOffset + 0x11
	ReturnCodeDeviceInvalidState        ReturnCode = ReturnCodeErrorOffset + 0x12
	ReturnCodeDeviceTimeout             ReturnCode = ReturnCodeErrorOffset + 0x19
	ReturnCodeDeviceInvalidArrayIndex   ReturnCode = ReturnCodeErrorOffset + 0x21
	ReturnCodeDeviceSymbolNotActive     ReturnCode = ReturnCodeErrorOffset + 0x22
	ReturnCodeDeviceAccessDenied        ReturnCode = ReturnCodeErrorOffset + 0x23
	ReturnCodeClientError               ReturnCode = ReturnCodeErrorOffset + 0x40
	ReturnCodeClientInvalidParameter    ReturnCode = ReturnCodeErrorOffset + 0x41
	ReturnCodeClientSyncTimeout         ReturnCode = ReturnCodeErrorOffset + 0x45
	ReturnCodeClientSyncResponseInvalid ReturnCode = ReturnCodeErrorOffset + 0x54
)

var (
	// ErrNotConnected is returned when the session is not usable.
	ErrNotConnected = errors.New("ads: not connected")
	// ErrNotFound is returned when a path or symbol does not exist.
	ErrNotFound = errors.New("ads: not found")
	// ErrUnsupportedLayout is returned when a data type cannot be compiled.
	ErrUnsupportedLayout = errors.New("ads: unsupported layout")
	// ErrSizeMismatch is returned when a buffer does not fit the target width.
	ErrSizeMismatch = errors.New("ads: size mismatch")
	// ErrIncompleteResponse is returned when a sum read returned less data
	// than the request describes.
	ErrIncompleteResponse = errors.New("ads: incomplete response")
	// ErrTypeMismatch is returned when a value does not match the declared type.
	ErrTypeMismatch = errors.New("ads: type mismatch")
	// ErrReadOnly is returned on an attempt to write a read-only variable.
	ErrReadOnly = errors.New("ads: read-only variable")
)

// Error is an ADS result code reported by the device.
type Error struct {
	Code ReturnCode
}

// Error converts known ADS result codes to an error message.
func (e *Error) Error() string {
	var name string
	switch e.Code {
	case ReturnCodeTargetPortNotFound:
		name = "target port not found"
	case ReturnCodeTargetMachineNotFound:
		name = "target machine not found"
	case ReturnCodeDeviceError:
		name = "device error"
	case ReturnCodeDeviceServiceNotSupported:
		name = "service not supported"
	case ReturnCodeDeviceInvalidGroup:
		name = "invalid index group"
	case ReturnCodeDeviceInvalidOffset:
		name = "invalid index offset"
	case ReturnCodeDeviceInvalidAccess:
		name = "reading or writing not permitted"
	case ReturnCodeDeviceInvalidSize:
		name = "parameter size not correct"
	case ReturnCodeDeviceInvalidData:
		name = "invalid data"
	case ReturnCodeDeviceNotReady:
		name = "device not ready"
	case ReturnCodeDeviceBusy:
		name = "device busy"
	case ReturnCodeDeviceNoMemory:
		name = "out of memory"
	case ReturnCodeDeviceInvalidParam:
		name = "invalid parameter"
	case ReturnCodeDeviceNotFound:
		name = "not found"
	case ReturnCodeDeviceSymbolNotFound:
		name = "symbol not found"
	case ReturnCodeDeviceSymbolVersion:
		name = "symbol version invalid"
	case ReturnCodeDeviceInvalidState:
		name = "server in invalid state"
	case ReturnCodeDeviceTimeout:
		name = "device timeout"
	case ReturnCodeDeviceInvalidArrayIndex:
		name = "invalid array index"
	case ReturnCodeDeviceSymbolNotActive:
		name = "symbol not active"
	case ReturnCodeDeviceAccessDenied:
		name = "access denied"
	case ReturnCodeClientError:
		name = "client error"
	case ReturnCodeClientInvalidParameter:
		name = "invalid parameter at service call"
	case ReturnCodeClientSyncTimeout:
		name = "timeout elapsed"
	case ReturnCodeClientSyncResponseInvalid:
		name = "invalid response received"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("ads: result '0x%x' (%s)", uint32(e.Code), name)
}

// Is reports a missing symbol as ErrNotFound.
func (e *Error) Is(target error) bool {
	if target == ErrNotFound {
		return e.Code == ReturnCodeDeviceSymbolNotFound || e.Code == ReturnCodeDeviceNotFound
	}
	return false
}

func resultError(code uint32) error {
	if code == 0 {
		return nil
	}
	return &Error{Code: ReturnCode(code)}
}
