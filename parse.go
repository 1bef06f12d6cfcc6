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
	"fmt"
	"strings"
)

// ParseStatus is the outcome of one attempt to recognize a response frame
// in the inbound buffer.
type ParseStatus int

const (
	// ParseNeedMore means no complete frame is buffered yet; keep waiting.
	ParseNeedMore ParseStatus = iota
	// ParseComplete means a validated frame was consumed from the buffer.
	ParseComplete
	// ParseRejected means the buffered bytes cannot be a valid response
	// to the outstanding request; the transaction is terminal.
	ParseRejected
)

// TryParseResponse attempts to recognize one response frame at the front
// of buf. Validation order: (Modbus-TCP) transaction ID and protocol ID,
// then response address, then the exception bit, then the per-function
// expected length, then CRC. Bytes are consumed only when a complete frame
// is recognized or a single byte is discarded to resynchronize; a short
// buffer always yields ParseNeedMore. minOverride, when positive, replaces
// the default minimum response length gate.
func (c *FrameCodec) TryParseResponse(buf *InboundBuffer, minOverride int) (ParseStatus, []byte, error) {
	if buf.Len() == 0 {
		return ParseNeedMore, nil, nil
	}

	if c.modbusTCP {
		status, err := c.consumeTCPHeader(buf)
		if status != ParseComplete {
			return status, nil, err
		}
	}

	addr, ok := buf.Peek(offAddress)
	if !ok {
		return ParseNeedMore, nil, nil
	}
	if !c.checkResponseAddress(addr) {
		c.discardByte(buf, "response address")
		buf.Flush()
		return ParseRejected, nil, fmt.Errorf("%w: unexpected response address %02x", ErrSync, addr)
	}

	if buf.Len() < c.minErrLen() {
		return ParseNeedMore, nil, nil
	}

	function, _ := buf.Peek(offFunction)
	if function&errorBit != 0 {
		return c.consumeException(buf)
	}

	minLen := c.minRespLen()
	if minOverride > 0 {
		minLen = minOverride
	}
	if buf.Len() < minLen {
		return ParseNeedMore, nil, nil
	}

	switch function {
	case FuncReadCoils, FuncReadHoldingRegs, FuncReadInputRegs:
		count, _ := buf.Peek(offByteCount)
		need := int(count) + c.readOverhead()
		if buf.Len() < need {
			return ParseNeedMore, nil, nil
		}
		return c.consumeFrame(buf, need)

	case FuncWriteSingleCoil, FuncWriteSingleReg, FuncWriteMultiCoils, FuncWriteMultiRegs:
		need := c.writeAckFrameLen()
		if buf.Len() < need {
			return ParseNeedMore, nil, nil
		}
		return c.consumeFrame(buf, need)

	case FuncReadFileRecord:
		return c.consumeFileFrame(buf, offFileRespType)

	case FuncWriteFileRecord:
		return c.consumeFileFrame(buf, offFileWriteType)

	default:
		c.discardByte(buf, "unsupported function")
		buf.Flush()
		return ParseRejected, nil, fmt.Errorf("%w: unsupported response function %02x", ErrSync, function)
	}
}

// consumeTCPHeader validates and strips the MBAP header. The header is
// only consumed once the full declared frame has arrived, so a partial
// frame never loses its header.
func (c *FrameCodec) consumeTCPHeader(buf *InboundBuffer) (ParseStatus, error) {
	if buf.Len() < c.minErrLen()+mbapHeaderSize {
		return ParseNeedMore, nil
	}
	hdr := buf.Window(mbapHeaderSize)
	rxID := uint16(hdr[0])<<8 | uint16(hdr[1])
	if want := c.CurrentTransactionID(); rxID != want {
		fmt.Fprintf(c.logger, "ERROR: transaction ID mismatch: want %04x got %04x\n", want, rxID)
		c.discardByte(buf, "transaction ID")
		buf.Flush()
		return ParseRejected, fmt.Errorf("%w: transaction ID mismatch: want %04x got %04x", ErrSync, want, rxID)
	}
	if hdr[2] != 0 || hdr[3] != 0 {
		fmt.Fprintf(c.logger, "ERROR: nonzero protocol ID: %02x %02x\n", hdr[2], hdr[3])
		c.discardByte(buf, "protocol ID")
		buf.Flush()
		return ParseRejected, fmt.Errorf("%w: nonzero protocol ID", ErrSync)
	}
	declared := int(hdr[4])<<8 | int(hdr[5])
	if buf.Len()-mbapHeaderSize != declared {
		return ParseNeedMore, nil
	}
	buf.Consume(mbapHeaderSize)
	return ParseComplete, nil
}

// consumeException pulls an exception frame off the buffer and counts the
// specific exception code.
func (c *FrameCodec) consumeException(buf *InboundBuffer) (ParseStatus, []byte, error) {
	frame := buf.Consume(c.minErrLen())
	if !c.checkCRC(frame) {
		c.stats.incCRCError()
		return ParseRejected, frame, ErrCRC
	}
	c.stats.incRx()
	code := frame[offException]
	c.stats.incException(code)
	err := &ExceptionError{
		Function:      frame[offFunction] &^ errorBit,
		ExceptionCode: code,
	}
	fmt.Fprintf(c.logger, "ERROR: %v\n", err)
	return ParseRejected, frame, err
}

// consumeFrame pops exactly n bytes and verifies the CRC.
func (c *FrameCodec) consumeFrame(buf *InboundBuffer, n int) (ParseStatus, []byte, error) {
	frame := buf.Consume(n)
	if !c.checkCRC(frame) {
		c.stats.incCRCError()
		return ParseRejected, frame, ErrCRC
	}
	c.stats.incRx()
	return ParseComplete, frame, nil
}

// consumeFileFrame handles read-file and write-file responses. Their
// declared length does not perfectly bound the frame, so once the declared
// minimum has arrived the whole buffer is consumed as the frame; any byte
// that trickles in afterwards is logged as a likely sync problem.
func (c *FrameCodec) consumeFileFrame(buf *InboundBuffer, typeOffset int) (ParseStatus, []byte, error) {
	marker, ok := buf.Peek(typeOffset)
	if !ok {
		return ParseNeedMore, nil, nil
	}
	if marker != fileTypeMarker {
		c.stats.incValidationError()
		return ParseRejected, nil, fmt.Errorf("%w: invalid file record type %02x", ErrSync, marker)
	}
	count, _ := buf.Peek(offByteCount)
	if buf.Len() < int(count)+c.readOverhead() {
		return ParseNeedMore, nil, nil
	}
	frame := buf.Consume(buf.Len())
	if leftover := buf.Len(); leftover > 0 {
		fmt.Fprintf(c.logger, "WARNING: %d leftover bytes after file frame: %s\n", leftover, buf.HexDump())
	}
	if !c.checkCRC(frame) {
		c.stats.incCRCError()
		return ParseRejected, frame, ErrCRC
	}
	c.stats.incRx()
	return ParseComplete, frame, nil
}

func (c *FrameCodec) discardByte(buf *InboundBuffer, reason string) {
	if b, ok := buf.DiscardByte(); ok {
		fmt.Fprintf(c.logger, "ERROR: discarding byte %02x: %s\n", b, reason)
	}
}

// ExtractValue cross-checks a request/response pair and assembles the read
// payload. The sink is invoked for successful reads unless skipUpdate is
// set; a sink refusal is reported as a sync error. Write acks yield an
// empty value.
func (c *FrameCodec) ExtractValue(request, response []byte, skipUpdate, returnText bool, sink UpdateFunc) (string, error) {
	off := 0
	if c.modbusTCP {
		off = mbapHeaderSize
	}
	if len(request) < c.minRespLen()+off || len(response) < c.minRespLen() {
		c.stats.incValidationError()
		return "", fmt.Errorf("%w: frame too short: request %d response %d", ErrSync, len(request), len(response))
	}
	if request[offAddress+off] != c.address {
		c.stats.incValidationError()
		return "", fmt.Errorf("%w: bad request address %02x", ErrSync, request[offAddress+off])
	}
	if !c.checkResponseAddress(response[offAddress]) {
		c.stats.incValidationError()
		return "", fmt.Errorf("%w: bad response address %02x", ErrSync, response[offAddress])
	}

	function := request[offFunction+off]
	if !validFunction(function) || !validFunction(response[offFunction]) {
		c.stats.incValidationError()
		return "", fmt.Errorf("%w: unknown function %02x/%02x", ErrSync, function, response[offFunction])
	}
	if function != response[offFunction] {
		c.stats.incValidationError()
		return "", fmt.Errorf("%w: function mismatch: sent %02x got %02x", ErrSync, function, response[offFunction])
	}

	register := c.requestRegister(request)
	registerKey := fmt.Sprintf("%04x", register)

	// Multi-register and file writes echo the register; make sure the
	// device acknowledged the one we wrote.
	if function == FuncWriteMultiRegs || function == FuncWriteFileRecord {
		echoed := responseRegister(response)
		if echoed != register {
			c.stats.incValidationError()
			return "", fmt.Errorf("%w: register mismatch: wrote %04x ack %04x", ErrSync, register, echoed)
		}
	}

	switch function {
	case FuncReadCoils, FuncReadHoldingRegs, FuncReadInputRegs:
		count := int(response[offByteCount])
		if count+c.readOverhead() > len(response) {
			c.stats.incValidationError()
			return "", fmt.Errorf("%w: declared length %d exceeds frame", ErrSync, count)
		}
		kind := KindHolding
		switch function {
		case FuncReadCoils:
			kind = KindCoil
		case FuncReadInputRegs:
			kind = KindInput
		}
		value := assembleValue(response[offReadData:offReadData+count], returnText)
		if !skipUpdate && sink != nil {
			if !sink(registerKey, value, kind, returnText) {
				c.stats.incSyncError()
				return "", fmt.Errorf("%w: cache update rejected for register %s", ErrSync, registerKey)
			}
		}
		return value, nil

	case FuncReadFileRecord:
		payloadLen := int(response[offFilePayloadLen])
		if !c.alternateFile {
			// The record length byte counts the reference type marker on
			// the controllers observed in the field.
			payloadLen--
		}
		if payloadLen < 0 || offFilePayload+payloadLen > len(response) {
			c.stats.incValidationError()
			return "", fmt.Errorf("%w: file payload length %d exceeds frame", ErrSync, payloadLen)
		}
		value := assembleValue(response[offFilePayload:offFilePayload+payloadLen], returnText)
		if !skipUpdate && sink != nil {
			if !sink(registerKey, value, KindFile, returnText) {
				c.stats.incSyncError()
				return "", fmt.Errorf("%w: cache update rejected for record %s", ErrSync, registerKey)
			}
		}
		return value, nil

	default:
		// Write acks carry no payload.
		return "", nil
	}
}

// responseRegister reads the echoed register (or file record) from a
// response frame; responses never carry an MBAP header at this point.
func responseRegister(frame []byte) uint16 {
	switch frame[offFunction] {
	case FuncReadFileRecord, FuncWriteFileRecord:
		return uint16(frame[offFileRecordHi])<<8 | uint16(frame[offFileRecordLo])
	default:
		return uint16(frame[offRegHi])<<8 | uint16(frame[offRegLo])
	}
}

// assembleValue renders payload as lowercase hex, or as ASCII text with
// NUL bytes skipped.
func assembleValue(payload []byte, asText bool) string {
	var sb strings.Builder
	for _, b := range payload {
		if asText {
			if b != 0 {
				sb.WriteByte(b)
			}
		} else {
			fmt.Fprintf(&sb, "%02x", b)
		}
	}
	return sb.String()
}

func validFunction(function byte) bool {
	switch function {
	case FuncReadCoils, FuncReadHoldingRegs, FuncReadInputRegs,
		FuncWriteSingleCoil, FuncWriteSingleReg,
		FuncWriteMultiCoils, FuncWriteMultiRegs,
		FuncReadFileRecord, FuncWriteFileRecord:
		return true
	}
	return false
}
