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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Simulator store layout, one table per register kind. Each table pairs a
// presence bitmap with a 16-bit word per address, so the simulator can
// distinguish "never written" from "written zero".
//
//   - coil presence:    8192 bytes
//   - coil words:       131072 bytes
//   - input presence:   8192 bytes
//   - input words:      131072 bytes
//   - holding presence: 8192 bytes
//   - holding words:    131072 bytes
const (
	simTableWords    = 0x10000
	simBitmapSize    = simTableWords / 8
	simTableSize     = simBitmapSize + 2*simTableWords
	simCoilOffset    = 0
	simInputOffset   = simTableSize
	simHoldingOffset = 2 * simTableSize
	simStoreSize     = 3 * simTableSize
)

// SimTransport is a file-backed register store acting as the slave end of
// the wire. A request frame written to it is decoded and answered out of a
// memory-mapped register image, so tests and offline runs exercise the
// full framing path without hardware. Unseeded registers answer exception
// 0x02 (Illegal Address). File records live in memory, seeded from the
// register dump.
type SimTransport struct {
	address byte
	logger  io.Writer

	mu      sync.Mutex
	file    *os.File
	data    mmap.MMap
	records map[uint16][]byte
	buf     *InboundBuffer
	closed  bool
}

// simSeed is the register-dump format: maps of 4-digit hex addresses to
// hex value strings. Strings hold ASCII text packed into consecutive
// holding registers.
type simSeed struct {
	Registers map[string]string `json:"Registers"`
	Strings   map[string]string `json:"Strings"`
	FileData  map[string]string `json:"FileData"`
	Coils     map[string]string `json:"Coils"`
	Inputs    map[string]string `json:"Inputs"`
}

// NewSimTransport maps the store at imagePath (created and sized on first
// use) and, when seedFile is non-empty, loads a register dump into it.
func NewSimTransport(imagePath, seedFile string, address byte, logger io.Writer) (*SimTransport, error) {
	if logger == nil {
		logger = os.Stdout
	}
	if imagePath == "" {
		f, err := os.CreateTemp("", "modbus-sim-*.img")
		if err != nil {
			return nil, fmt.Errorf("modbus: cannot create simulator image: %w", err)
		}
		imagePath = f.Name()
		f.Close()
	}

	f, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("modbus: cannot open simulator image %s: %w", imagePath, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != simStoreSize {
		if err := f.Truncate(simStoreSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("modbus: cannot size simulator image: %w", err)
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("modbus: cannot map simulator image: %w", err)
	}

	t := &SimTransport{
		address: address,
		logger:  logger,
		file:    f,
		data:    data,
		records: make(map[uint16][]byte),
		buf:     NewInboundBuffer(),
	}
	if seedFile != "" {
		if err := t.loadSeed(seedFile); err != nil {
			t.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *SimTransport) loadSeed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("modbus: cannot read register dump %s: %w", path, err)
	}
	var seed simSeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("modbus: cannot parse register dump %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.seedWords(simHoldingOffset, seed.Registers); err != nil {
		return err
	}
	if err := t.seedWords(simCoilOffset, seed.Coils); err != nil {
		return err
	}
	if err := t.seedWords(simInputOffset, seed.Inputs); err != nil {
		return err
	}
	// ASCII strings pack two characters per holding register.
	for key, text := range seed.Strings {
		start, err := parseSeedRegister(key)
		if err != nil {
			return err
		}
		chars := []byte(text)
		if len(chars)%2 != 0 {
			chars = append(chars, 0)
		}
		for i := 0; i < len(chars); i += 2 {
			reg := start + uint16(i/2)
			t.setWord(simHoldingOffset, reg, uint16(chars[i])<<8|uint16(chars[i+1]))
		}
	}
	for key, value := range seed.FileData {
		record, err := parseSeedRegister(key)
		if err != nil {
			return err
		}
		payload, err := hex.DecodeString(value)
		if err != nil {
			return fmt.Errorf("modbus: bad file record %s in register dump: %w", key, err)
		}
		t.records[record] = payload
	}
	return nil
}

// seedWords writes hex values into a table, one or more consecutive words
// per entry.
func (t *SimTransport) seedWords(tableOffset int, entries map[string]string) error {
	for key, value := range entries {
		start, err := parseSeedRegister(key)
		if err != nil {
			return err
		}
		payload, err := hex.DecodeString(value)
		if err != nil {
			return fmt.Errorf("modbus: bad register value %s=%s in register dump: %w", key, value, err)
		}
		if len(payload)%2 != 0 {
			payload = append([]byte{0}, payload...)
		}
		for i := 0; i < len(payload); i += 2 {
			t.setWord(tableOffset, start+uint16(i/2), uint16(payload[i])<<8|uint16(payload[i+1]))
		}
	}
	return nil
}

func parseSeedRegister(key string) (uint16, error) {
	var reg uint16
	if _, err := fmt.Sscanf(key, "%04x", &reg); err != nil {
		return 0, fmt.Errorf("modbus: bad register key %q in register dump: %w", key, err)
	}
	return reg, nil
}

// Word accessors. Caller holds t.mu.

func (t *SimTransport) setWord(tableOffset int, reg uint16, value uint16) {
	base := tableOffset + simBitmapSize + 2*int(reg)
	t.data[base] = byte(value >> 8)
	t.data[base+1] = byte(value)
	t.data[tableOffset+int(reg)/8] |= 1 << (reg % 8)
}

func (t *SimTransport) word(tableOffset int, reg uint16) (uint16, bool) {
	if t.data[tableOffset+int(reg)/8]&(1<<(reg%8)) == 0 {
		return 0, false
	}
	base := tableOffset + simBitmapSize + 2*int(reg)
	return uint16(t.data[base])<<8 | uint16(t.data[base+1]), true
}

// Write decodes one RTU request frame and appends the response to the
// inbound buffer. A frame with a bad CRC is ignored, like line noise; the
// caller's timeout handles it.
func (t *SimTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, fmt.Errorf("modbus: simulator is closed")
	}
	if len(p) < minResponseLen || !CheckCRC(p) {
		fmt.Fprintf(t.logger, "WARNING: simulator dropping malformed request\n")
		return len(p), nil
	}
	if p[offAddress] != t.address {
		return len(p), nil
	}

	response := t.respond(p)
	if response != nil {
		t.buf.Append(AppendCRC(response))
	}
	return len(p), nil
}

func (t *SimTransport) respond(req []byte) []byte {
	function := req[offFunction]
	switch function {
	case FuncReadCoils:
		return t.respondReadBits(req)
	case FuncReadHoldingRegs:
		return t.respondReadWords(req, simHoldingOffset)
	case FuncReadInputRegs:
		return t.respondReadWords(req, simInputOffset)
	case FuncWriteSingleCoil:
		value := uint16(0)
		if req[4] != 0 || req[5] != 0 {
			value = 1
		}
		t.setWord(simCoilOffset, requestStart(req), value)
		return echoFrame(req)
	case FuncWriteSingleReg:
		t.setWord(simHoldingOffset, requestStart(req), uint16(req[4])<<8|uint16(req[5]))
		return echoFrame(req)
	case FuncWriteMultiRegs:
		return t.respondWriteWords(req)
	case FuncWriteMultiCoils:
		return t.respondWriteBits(req)
	case FuncReadFileRecord:
		return t.respondReadFile(req)
	case FuncWriteFileRecord:
		return t.respondWriteFile(req)
	default:
		return t.exception(function, ExcepIllegalFunction)
	}
}

func requestStart(req []byte) uint16 {
	return uint16(req[offRegHi])<<8 | uint16(req[offRegLo])
}

func requestCount(req []byte) uint16 {
	return uint16(req[4])<<8 | uint16(req[5])
}

// echoFrame copies a request minus its CRC; the caller reseals it.
func echoFrame(req []byte) []byte {
	out := make([]byte, len(req)-crcSize)
	copy(out, req[:len(req)-crcSize])
	return out
}

func (t *SimTransport) exception(function byte, code byte) []byte {
	return []byte{t.address, function | errorBit, code}
}

func (t *SimTransport) respondReadWords(req []byte, tableOffset int) []byte {
	start, count := requestStart(req), requestCount(req)
	if count == 0 || int(start)+int(count) > simTableWords {
		return t.exception(req[offFunction], ExcepIllegalAddress)
	}
	present := false
	payload := make([]byte, 0, 2*count)
	for i := uint16(0); i < count; i++ {
		w, ok := t.word(tableOffset, start+i)
		if ok {
			present = true
		}
		payload = append(payload, byte(w>>8), byte(w))
	}
	// A read that touches nothing ever written answers Illegal Address,
	// so an unseeded register reads as absent rather than zero.
	if !present {
		return t.exception(req[offFunction], ExcepIllegalAddress)
	}
	out := []byte{t.address, req[offFunction], byte(len(payload))}
	return append(out, payload...)
}

func (t *SimTransport) respondReadBits(req []byte) []byte {
	start, count := requestStart(req), requestCount(req)
	if count == 0 || int(start)+int(count) > simTableWords {
		return t.exception(req[offFunction], ExcepIllegalAddress)
	}
	present := false
	byteCount := (int(count) + 7) / 8
	bits := make([]byte, byteCount)
	for i := uint16(0); i < count; i++ {
		w, ok := t.word(simCoilOffset, start+i)
		if ok {
			present = true
		}
		if w != 0 {
			bits[i/8] |= 1 << (i % 8)
		}
	}
	if !present {
		return t.exception(req[offFunction], ExcepIllegalAddress)
	}
	out := []byte{t.address, req[offFunction], byte(byteCount)}
	return append(out, bits...)
}

func (t *SimTransport) respondWriteWords(req []byte) []byte {
	start, count := requestStart(req), requestCount(req)
	if count == 0 || int(start)+int(count) > simTableWords {
		return t.exception(req[offFunction], ExcepIllegalAddress)
	}
	byteCount := int(req[6])
	if byteCount != 2*int(count) || len(req) != 7+byteCount+crcSize {
		return t.exception(req[offFunction], ExcepIllegalData)
	}
	for i := uint16(0); i < count; i++ {
		t.setWord(simHoldingOffset, start+i, uint16(req[7+2*i])<<8|uint16(req[8+2*i]))
	}
	return []byte{
		t.address, req[offFunction],
		byte(start >> 8), byte(start),
		byte(count >> 8), byte(count),
	}
}

func (t *SimTransport) respondWriteBits(req []byte) []byte {
	start, count := requestStart(req), requestCount(req)
	if count == 0 || int(start)+int(count) > simTableWords {
		return t.exception(req[offFunction], ExcepIllegalAddress)
	}
	byteCount := int(req[6])
	if byteCount != (int(count)+7)/8 || len(req) != 7+byteCount+crcSize {
		return t.exception(req[offFunction], ExcepIllegalData)
	}
	for i := uint16(0); i < count; i++ {
		value := uint16(0)
		if req[7+int(i)/8]&(1<<(i%8)) != 0 {
			value = 1
		}
		t.setWord(simCoilOffset, start+i, value)
	}
	return []byte{
		t.address, req[offFunction],
		byte(start >> 8), byte(start),
		byte(count >> 8), byte(count),
	}
}

func (t *SimTransport) respondReadFile(req []byte) []byte {
	record := uint16(req[offFileRecordHi])<<8 | uint16(req[offFileRecordLo])
	length := int(req[8])<<8 | int(req[9])
	payload, ok := t.records[record]
	if !ok {
		return t.exception(req[offFunction], ExcepIllegalAddress)
	}
	if 2*length < len(payload) {
		payload = payload[:2*length]
	}
	subLen := byte(len(payload) + 1) // reference type byte counts toward it
	out := []byte{
		t.address, req[offFunction],
		subLen + 1,
		subLen,
		fileTypeMarker,
	}
	return append(out, payload...)
}

func (t *SimTransport) respondWriteFile(req []byte) []byte {
	record := uint16(req[offFileRecordHi])<<8 | uint16(req[offFileRecordLo])
	payload := req[10 : len(req)-crcSize]
	stored := make([]byte, len(payload))
	copy(stored, payload)
	t.records[record] = stored
	return echoFrame(req)
}

// Buffer returns the inbound buffer responses are appended to.
func (t *SimTransport) Buffer() *InboundBuffer { return t.buf }

// Flush drops any pending response bytes.
func (t *SimTransport) Flush() { t.buf.Flush() }

// Restarts is always zero; the simulator has no channel to lose.
func (t *SimTransport) Restarts() uint64 { return 0 }

// Close flushes the image to disk and unmaps it.
func (t *SimTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var err error
	if t.data != nil {
		if e := t.data.Flush(); e != nil {
			err = e
		}
		if e := t.data.Unmap(); e != nil {
			err = e
		}
		t.data = nil
	}
	if t.file != nil {
		if e := t.file.Close(); e != nil {
			err = e
		}
		t.file = nil
	}
	return err
}
