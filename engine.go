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
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Engine drives request/response transactions over a Transport. One
// exclusive lock spans build, send, wait, parse and cache update, so at
// most one exchange is ever in flight on the channel.
type Engine struct {
	transport Transport
	codec     *FrameCodec
	stats     *Stats
	sink      UpdateFunc
	logger    io.Writer

	commLock sync.Mutex
	stopping atomic.Bool

	timeout      time.Duration
	pollInterval time.Duration
	useFC4       bool
}

const (
	pollInterval        = 10 * time.Millisecond
	pollIntervalSlowCPU = 30 * time.Millisecond
	timeoutSafetyMargin = 3 * time.Second
	timeoutTCPMargin    = 2 * time.Second
)

// transactionTimeout budgets a full round trip at the configured bit rate
// (10 bits per character, 10 characters, both directions) plus a fixed
// safety margin and any operator-configured allowance.
func transactionTimeout(baudRate int, additional time.Duration, overTCP bool) time.Duration {
	if baudRate <= 0 {
		baudRate = 9600
	}
	wire := time.Duration(float64(time.Second) / float64(baudRate) * 10 * 10 * 2)
	budget := wire + timeoutSafetyMargin + additional
	if overTCP {
		budget += timeoutTCPMargin
	}
	return budget
}

// NewEngine opens the transport selected by cfg and returns a running
// engine. sink may be nil when no register cache is attached.
func NewEngine(cfg *Config, sink UpdateFunc, logger io.Writer) (*Engine, error) {
	if logger == nil {
		logger = os.Stdout
	}
	var (
		transport Transport
		err       error
	)
	switch {
	case cfg.SimFile != "" || cfg.SimImage != "":
		transport, err = NewSimTransport(cfg.SimImage, cfg.SimFile, cfg.Address, logger)
	case cfg.ModbusTCP || cfg.UseSerialTCP:
		transport, err = NewTCPTransport(cfg.Host, cfg.Port, logger)
	default:
		transport, err = NewSerialTransport(SerialConfig{
			Port:     cfg.SerialPort,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
		}, logger)
	}
	if err != nil {
		return nil, err
	}
	return NewEngineWithTransport(cfg, transport, sink, logger), nil
}

// NewEngineWithTransport wires an engine over an already-open transport.
func NewEngineWithTransport(cfg *Config, transport Transport, sink UpdateFunc, logger io.Writer) *Engine {
	if logger == nil {
		logger = os.Stdout
	}
	stats := NewStats()
	codec := NewFrameCodec(cfg.Address, cfg.ResponseAddress, cfg.ModbusTCP, stats, logger)
	codec.alternateFile = cfg.AlternateFileProtocol

	interval := pollInterval
	if cfg.SlowCPU {
		interval = pollIntervalSlowCPU
	}
	additional := time.Duration(cfg.AdditionalTimeout * float64(time.Second))
	overTCP := cfg.ModbusTCP || cfg.UseSerialTCP

	return &Engine{
		transport:    transport,
		codec:        codec,
		stats:        stats,
		sink:         sink,
		logger:       logger,
		timeout:      transactionTimeout(cfg.BaudRate, additional, overTCP),
		pollInterval: interval,
		useFC4:       cfg.UseFC4,
	}
}

// readFunction maps a register kind to its read function code, honoring
// the "use function code 4" compatibility flag for holding registers.
func (e *Engine) readFunction(kind RegisterKind) (byte, error) {
	switch kind {
	case KindCoil:
		return FuncReadCoils, nil
	case KindInput:
		return FuncReadInputRegs, nil
	case KindHolding:
		if e.useFC4 {
			return FuncReadInputRegs, nil
		}
		return FuncReadHoldingRegs, nil
	default:
		return 0, validationErrorf("kind %s is not readable as registers", kind)
	}
}

// ReadRegister reads length registers (or coils) starting at register and
// returns the value as lowercase hex, or ASCII text when opts.ReturnText
// is set. The cache update sink fires unless opts.SkipUpdate is set.
func (e *Engine) ReadRegister(kind RegisterKind, register uint16, length uint16, opts *ReadOptions) (string, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	function, err := e.readFunction(kind)
	if err != nil {
		return "", err
	}
	request, err := e.codec.BuildReadRequest(function, register, length)
	if err != nil {
		return "", err
	}
	return e.processTransaction(request, opts.SkipUpdate, opts.ReturnText, opts.MinResponseLength)
}

// WriteRegister writes data to coils or holding registers. single selects
// the single-write function codes (0x05/0x06) and requires exactly one
// 16-bit value; otherwise length declares the register count and data must
// hold 2*length bytes.
func (e *Engine) WriteRegister(kind RegisterKind, register uint16, length uint16, data []byte, single bool) error {
	var coil bool
	switch kind {
	case KindCoil:
		coil = true
	case KindHolding:
	default:
		return validationErrorf("kind %s is not writable as registers", kind)
	}
	request, err := e.codec.BuildWriteRequest(register, length, data, coil, single)
	if err != nil {
		return err
	}
	_, err = e.processTransaction(request, true, false, 0)
	return err
}

// ReadFileRecord reads length 16-bit words from a file record (0x14).
func (e *Engine) ReadFileRecord(fileNumber, record, length uint16, opts *ReadOptions) (string, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	request, err := e.codec.BuildFileReadRequest(fileNumber, record, length)
	if err != nil {
		return "", err
	}
	return e.processTransaction(request, opts.SkipUpdate, opts.ReturnText, opts.MinResponseLength)
}

// WriteFileRecord writes data to a file record (0x15).
func (e *Engine) WriteFileRecord(fileNumber, record, length uint16, data []byte) error {
	request, err := e.codec.BuildFileWriteRequest(fileNumber, record, length, data)
	if err != nil {
		return err
	}
	_, err = e.processTransaction(request, true, false, 0)
	return err
}

// processTransaction runs one exchange under the exclusive channel lock:
// flush stale bytes, send, poll the buffer until a frame, a rejection or
// the timeout, then extract the value.
func (e *Engine) processTransaction(request []byte, skipUpdate, returnText bool, minOverride int) (string, error) {
	e.commLock.Lock()
	defer e.commLock.Unlock()

	buf := e.transport.Buffer()
	if buf.Len() > 0 {
		e.stats.incUnexpectedData()
		fmt.Fprintf(e.logger, "ERROR: flushing unexpected data, likely a previous timeout\n")
		e.transport.Flush()
	}

	if _, err := e.transport.Write(request); err != nil {
		return "", err
	}
	e.stats.incTx()
	sent := time.Now()

	var response []byte
	for {
		time.Sleep(e.pollInterval)
		if e.stopping.Load() {
			return "", ErrStopping
		}

		status, frame, err := e.codec.TryParseResponse(buf, minOverride)
		if status == ParseComplete && len(frame) > 0 {
			e.stats.addElapsed(time.Since(sent))
			response = frame
			break
		}
		if status == ParseRejected {
			fmt.Fprintf(e.logger, "ERROR: rejected response for register %04x: %v\n",
				e.codec.requestRegister(request), err)
			e.transport.Flush()
			return "", err
		}

		if time.Since(sent) > e.timeout {
			e.stats.incTimeout()
			fmt.Fprintf(e.logger, "ERROR: timeout for register %04x, %d bytes buffered, sequence %d\n",
				e.codec.requestRegister(request), buf.Len(), e.stats.Snapshot(0, 0).TxPackets)
			e.transport.Flush()
			return "", ErrTimeout
		}
	}

	value, err := e.codec.ExtractValue(request, response, skipUpdate, returnText, e.sink)
	if err != nil {
		e.transport.Flush()
		return "", err
	}
	return value, nil
}

// Flush clears the inbound buffer under the channel lock.
func (e *Engine) Flush() {
	e.commLock.Lock()
	defer e.commLock.Unlock()
	e.transport.Flush()
}

// IsStopping reports whether Close has been called.
func (e *Engine) IsStopping() bool { return e.stopping.Load() }

// Stats returns a snapshot of the communication counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot(e.transport.Buffer().Discarded(), e.transport.Restarts())
}

// ResetStats zeroes the counters.
func (e *Engine) ResetStats() { e.stats.Reset() }

// Close marks the engine stopping and closes the transport. In-flight
// waits observe the flag between parse attempts and exit promptly.
func (e *Engine) Close() error {
	e.stopping.Store(true)
	e.commLock.Lock()
	defer e.commLock.Unlock()
	return e.transport.Close()
}
