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

// RegisterKind identifies which of the Modbus data tables a value belongs to.
type RegisterKind int

const (
	KindHolding RegisterKind = iota
	KindCoil
	KindInput
	KindFile
)

// String returns the lowercase name of the register kind.
func (k RegisterKind) String() string {
	switch k {
	case KindHolding:
		return "holding"
	case KindCoil:
		return "coil"
	case KindInput:
		return "input"
	case KindFile:
		return "file"
	}
	return "unknown"
}

// UpdateFunc is the register cache update sink. It is invoked with the
// register address as a 4-digit hex string and the value as a hex string
// (or ASCII text when isText is set) after every successful read.
// Returning false makes the engine treat the transaction as a sync error.
type UpdateFunc func(register string, value string, kind RegisterKind, isText bool) bool

// ReadOptions adjusts a single read transaction.
type ReadOptions struct {
	// SkipUpdate suppresses the cache update sink for this read.
	SkipUpdate bool
	// ReturnText assembles the payload as ASCII text, skipping NUL bytes.
	ReturnText bool
	// MinResponseLength overrides the minimum buffered byte count the
	// parser requires before it attempts to recognize a response frame.
	MinResponseLength int
}

// Modbus function codes used by this engine.
const (
	FuncReadCoils          = 0x01
	FuncReadDiscreteInputs = 0x02 // unused by the engine, recognized for completeness
	FuncReadHoldingRegs    = 0x03
	FuncReadInputRegs      = 0x04
	FuncWriteSingleCoil    = 0x05
	FuncWriteSingleReg     = 0x06
	FuncWriteMultiCoils    = 0x0F
	FuncWriteMultiRegs     = 0x10
	FuncReadFileRecord     = 0x14
	FuncWriteFileRecord    = 0x15
)

// Exception responses set this bit in the function byte.
const errorBit = 0x80

// Modbus exception codes.
const (
	ExcepIllegalFunction = 0x01
	ExcepIllegalAddress  = 0x02
	ExcepIllegalData     = 0x03
	ExcepSlaveFailure    = 0x04
	ExcepAcknowledge     = 0x05
	ExcepDeviceBusy      = 0x06
	ExcepNegativeAck     = 0x07
	ExcepMemoryParity    = 0x08
	ExcepGatewayPath     = 0x0A
	ExcepGatewayTarget   = 0x0B
)

// Frame byte offsets.
const (
	offAddress   = 0x00
	offFunction  = 0x01
	offException = 0x02
	offByteCount = 0x02
	offRegHi     = 0x02
	offRegLo     = 0x03
	offReadData  = 0x03

	// File record frames.
	offFileRespType   = 0x04 // reference type byte in a read-file response
	offFileWriteType  = 0x03 // reference type byte in a write-file response
	offFilePayloadLen = 0x03
	offFilePayload    = 0x05
	offFileRecordHi   = 0x06
	offFileRecordLo   = 0x07
)

// Frame sizing.
const (
	crcSize        = 2
	mbapHeaderSize = 6 // txid(2) + protocol(2) + length(2); unit id leads the payload

	minErrFrameLen = 5 // address + function + exception code + CRC
	minResponseLen = 6 // smallest complete read response (one data byte)
	writeAckLen    = 8 // address + function + reg/qty or reg/value + CRC

	// read overhead around the byte-count field: address + function + count + CRC
	readFrameOverhead = 5

	fileReadReqPayloadLen = 0x07 // type + file number + record + length
	fileTypeMarker        = 0x06

	maxPacketSize = 0x100
)

// Address-space bounds.
const (
	maxRegister   = 0xFFFF
	maxFileRecord = 9999
	minFileNumber = 1
	maxFileNumber = 0xFFFF
)
