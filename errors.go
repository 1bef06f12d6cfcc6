// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no valid response arrives within the
	// transaction timeout budget.
	ErrTimeout = errors.New("modbus: transaction timeout")
	// ErrCRC is returned when a response frame arrived but its checksum
	// did not verify.
	ErrCRC = errors.New("modbus: CRC check failed")
	// ErrSync is returned when the response cannot be matched to the
	// request, or the cache update sink rejected the value.
	ErrSync = errors.New("modbus: request/response synchronization error")
	// ErrStopping is returned when the engine is shutting down.
	ErrStopping = errors.New("modbus: engine is stopping")
)

// ValidationError describes a malformed request caught before any byte
// touches the wire.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "modbus: validation error: " + e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ExceptionError is a protocol exception reported by the device: the
// request frame was understood but explicitly rejected.
type ExceptionError struct {
	Function      byte // function code with the error bit cleared
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception %s: %02x (function %02x)",
		exceptionMessage(e.ExceptionCode), e.ExceptionCode, e.Function)
}

// exceptionMessage maps a Modbus exception code to a description.
func exceptionMessage(code byte) string {
	switch code {
	case ExcepIllegalFunction:
		return "Illegal Function"
	case ExcepIllegalAddress:
		return "Illegal Address"
	case ExcepIllegalData:
		return "Illegal Data Value"
	case ExcepSlaveFailure:
		return "Slave Device Failure"
	case ExcepAcknowledge:
		return "Acknowledge"
	case ExcepDeviceBusy:
		return "Slave Device Busy"
	case ExcepNegativeAck:
		return "Negative Acknowledge"
	case ExcepMemoryParity:
		return "Memory Parity Error"
	case ExcepGatewayPath:
		return "Gateway Path Unavailable"
	case ExcepGatewayTarget:
		return "Gateway Target Device Failed to Respond"
	default:
		return "Unknown"
	}
}
