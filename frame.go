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
	"io"
	"os"
	"sync"
)

// FrameCodec builds request frames and recognizes response frames. It is
// stateless except for the rolling Modbus-TCP transaction ID and the
// shared statistics counters.
type FrameCodec struct {
	address         byte
	responseAddress int // -1 when no alternate response address is set
	modbusTCP       bool
	alternateFile   bool
	stats           *Stats
	logger          io.Writer

	txMu          sync.Mutex
	transactionID uint16
	currentTxID   uint16
}

// NewFrameCodec returns a codec for the given device address.
// responseAddress < 0 disables the alternate response address.
func NewFrameCodec(address byte, responseAddress int, modbusTCP bool, stats *Stats, logger io.Writer) *FrameCodec {
	if logger == nil {
		logger = os.Stdout
	}
	if stats == nil {
		stats = NewStats()
	}
	return &FrameCodec{
		address:         address,
		responseAddress: responseAddress,
		modbusTCP:       modbusTCP,
		stats:           stats,
		logger:          logger,
	}
}

// Frame sizing shifts when the CRC is replaced by the MBAP header.
func (c *FrameCodec) crcLen() int {
	if c.modbusTCP {
		return 0
	}
	return crcSize
}

func (c *FrameCodec) minErrLen() int        { return minErrFrameLen - crcSize + c.crcLen() }
func (c *FrameCodec) minRespLen() int       { return minResponseLen - crcSize + c.crcLen() }
func (c *FrameCodec) writeAckFrameLen() int { return writeAckLen - crcSize + c.crcLen() }
func (c *FrameCodec) readOverhead() int     { return readFrameOverhead - crcSize + c.crcLen() }

// checkResponseAddress reports whether addr is the device address or the
// configured alternate response address.
func (c *FrameCodec) checkResponseAddress(addr byte) bool {
	if addr == c.address {
		return true
	}
	return c.responseAddress >= 0 && addr == byte(c.responseAddress)
}

// checkCRC validates a consumed frame. Modbus-TCP frames carry no CRC.
func (c *FrameCodec) checkCRC(frame []byte) bool {
	if c.modbusTCP {
		return true
	}
	return CheckCRC(frame)
}

// seal appends the CRC for RTU framing or wraps the frame in an MBAP
// header for Modbus-TCP.
func (c *FrameCodec) seal(frame []byte) []byte {
	if c.modbusTCP {
		return c.wrapTCP(frame)
	}
	return AppendCRC(frame)
}

// BuildReadRequest builds a register/coil read request (functions 0x01,
// 0x03, 0x04).
func (c *FrameCodec) BuildReadRequest(function byte, register uint16, length uint16) ([]byte, error) {
	switch function {
	case FuncReadCoils, FuncReadHoldingRegs, FuncReadInputRegs:
	default:
		return nil, c.rejectValidation("invalid read function %02x", function)
	}
	frame := []byte{
		c.address, function,
		byte(register >> 8), byte(register),
		byte(length >> 8), byte(length),
	}
	return c.seal(frame), nil
}

// BuildWriteRequest builds a coil or holding-register write. For single
// writes data must hold exactly one 16-bit value; for multi writes the
// data length in bytes must equal twice the declared register count.
// Single-coil values are encoded as 0xFF00 (on) or 0x0000 (off).
func (c *FrameCodec) BuildWriteRequest(register uint16, length uint16, data []byte, coil, single bool) ([]byte, error) {
	if single {
		if length != 1 || len(data) != 2 {
			return nil, c.rejectValidation("single write needs exactly one 16-bit value, got length %d with %d data bytes", length, len(data))
		}
		function := byte(FuncWriteSingleReg)
		if coil {
			function = FuncWriteSingleCoil
			if data[0] != 0 || data[1] != 0 {
				data = []byte{0xFF, 0x00}
			} else {
				data = []byte{0x00, 0x00}
			}
		}
		frame := []byte{
			c.address, function,
			byte(register >> 8), byte(register),
			data[0], data[1],
		}
		return c.seal(frame), nil
	}

	if len(data) == 0 || len(data) != 2*int(length) {
		return nil, c.rejectValidation("write data length %d does not match register count %d", len(data), length)
	}

	if coil {
		return c.buildWriteCoils(register, length, data)
	}

	frame := make([]byte, 0, 7+len(data)+crcSize)
	frame = append(frame,
		c.address, FuncWriteMultiRegs,
		byte(register>>8), byte(register),
		byte(length>>8), byte(length),
		byte(len(data)),
	)
	frame = append(frame, data...)
	if len(frame)+crcSize > maxPacketSize {
		return nil, c.rejectValidation("request exceeds maximum packet size")
	}
	return c.seal(frame), nil
}

// buildWriteCoils packs one bit per coil: coil i is on when the i-th
// 16-bit word of data is nonzero.
func (c *FrameCodec) buildWriteCoils(register uint16, count uint16, data []byte) ([]byte, error) {
	byteCount := int(count) / 8
	if count%8 != 0 {
		byteCount++
	}
	frame := make([]byte, 0, 7+byteCount+crcSize)
	frame = append(frame,
		c.address, FuncWriteMultiCoils,
		byte(register>>8), byte(register),
		byte(count>>8), byte(count),
		byte(byteCount),
	)
	bits := make([]byte, byteCount)
	for i := 0; i < int(count); i++ {
		if data[2*i] != 0 || data[2*i+1] != 0 {
			bits[i/8] |= 1 << (i % 8)
		}
	}
	frame = append(frame, bits...)
	if len(frame)+crcSize > maxPacketSize {
		return nil, c.rejectValidation("request exceeds maximum packet size")
	}
	return c.seal(frame), nil
}

// BuildFileReadRequest builds a read-file-record request (0x14) for one
// sub-request of length 16-bit words from the given file and record.
func (c *FrameCodec) BuildFileReadRequest(fileNumber, record, length uint16) ([]byte, error) {
	if err := c.validateFileRef(fileNumber, record); err != nil {
		return nil, err
	}
	frame := []byte{
		c.address, FuncReadFileRecord,
		fileReadReqPayloadLen,
		fileTypeMarker,
		byte(fileNumber >> 8), byte(fileNumber),
		byte(record >> 8), byte(record),
		byte(length >> 8), byte(length),
	}
	return c.seal(frame), nil
}

// BuildFileWriteRequest builds a write-file-record request (0x15). The
// data length in bytes must equal twice the declared record length.
func (c *FrameCodec) BuildFileWriteRequest(fileNumber, record, length uint16, data []byte) ([]byte, error) {
	if err := c.validateFileRef(fileNumber, record); err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data) != 2*int(length) {
		return nil, c.rejectValidation("file write data length %d does not match record length %d", len(data), length)
	}
	frame := make([]byte, 0, 10+len(data)+crcSize)
	frame = append(frame,
		c.address, FuncWriteFileRecord,
		byte(2*int(length)+7), // payload bytes from the type marker on
		fileTypeMarker,
		byte(fileNumber>>8), byte(fileNumber),
		byte(record>>8), byte(record),
		byte(length>>8), byte(length),
	)
	frame = append(frame, data...)
	if len(frame)+crcSize > maxPacketSize {
		return nil, c.rejectValidation("request exceeds maximum packet size")
	}
	return c.seal(frame), nil
}

func (c *FrameCodec) validateFileRef(fileNumber, record uint16) error {
	if fileNumber < minFileNumber {
		return c.rejectValidation("file number %d out of range", fileNumber)
	}
	if record > maxFileRecord {
		return c.rejectValidation("file record number %d exceeds %d", record, maxFileRecord)
	}
	return nil
}

func (c *FrameCodec) rejectValidation(format string, args ...any) *ValidationError {
	c.stats.incValidationError()
	return validationErrorf(format, args...)
}

// wrapTCP prefixes the MBAP header: transaction ID, protocol ID zero and
// the count of bytes following the length field. The unit ID is already
// the first byte of frame. Each wrap issues a fresh transaction ID that
// the response must echo.
func (c *FrameCodec) wrapTCP(frame []byte) []byte {
	txID := c.nextTransactionID()
	out := make([]byte, 0, mbapHeaderSize+len(frame))
	out = append(out,
		byte(txID>>8), byte(txID),
		0x00, 0x00,
		byte(len(frame)>>8), byte(len(frame)),
	)
	return append(out, frame...)
}

func (c *FrameCodec) nextTransactionID() uint16 {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	id := c.transactionID
	c.currentTxID = id
	c.transactionID++
	return id
}

// CurrentTransactionID returns the ID the next response must carry.
func (c *FrameCodec) CurrentTransactionID() uint16 {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.currentTxID
}

// requestRegister pulls the register (or file record) number out of a
// request frame, skipping the MBAP header in Modbus-TCP mode.
func (c *FrameCodec) requestRegister(frame []byte) uint16 {
	off := 0
	if c.modbusTCP {
		off = mbapHeaderSize
	}
	switch frame[offFunction+off] {
	case FuncReadFileRecord, FuncWriteFileRecord:
		return uint16(frame[offFileRecordHi+off])<<8 | uint16(frame[offFileRecordLo+off])
	default:
		return uint16(frame[offRegHi+off])<<8 | uint16(frame[offRegLo+off])
	}
}
