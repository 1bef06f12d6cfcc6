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
	"io"
	"sync"
	"sync/atomic"
	"time"

	serial "github.com/hootrhino/goserial"
)

// SerialConfig describes the serial line to the device.
type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
}

// SerialTransport talks Modbus RTU over a serial line. A background reader
// appends every received byte to the inbound buffer. On a read error the
// port is closed and reopened and the reader resumes; this recovers the
// common case where the device reports readiness but returns no data.
type SerialTransport struct {
	cfg    SerialConfig
	logger io.Writer

	mu       sync.Mutex // serializes writes and port restarts
	port     io.ReadWriteCloser
	buf      *InboundBuffer
	restarts atomic.Uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const serialReadTimeout = 50 * time.Millisecond

// NewSerialTransport opens the port and starts the reader loop.
func NewSerialTransport(cfg SerialConfig, logger io.Writer) (*SerialTransport, error) {
	t := &SerialTransport{
		cfg:    cfg,
		logger: logger,
		buf:    NewInboundBuffer(),
		stopCh: make(chan struct{}),
	}
	port, err := t.open()
	if err != nil {
		return nil, fmt.Errorf("modbus: cannot open serial port %s: %w", cfg.Port, err)
	}
	t.port = port
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

func (t *SerialTransport) open() (io.ReadWriteCloser, error) {
	return serial.Open(&serial.Config{
		Address:  t.cfg.Port,
		BaudRate: t.cfg.BaudRate,
		DataBits: t.cfg.DataBits,
		StopBits: t.cfg.StopBits,
		Parity:   t.cfg.Parity,
		Timeout:  serialReadTimeout,
	})
}

// readLoop fills the inbound buffer until Close is called.
func (t *SerialTransport) readLoop() {
	defer t.wg.Done()
	chunk := make([]byte, 256)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.mu.Lock()
		port := t.port
		t.mu.Unlock()
		if port == nil {
			// Reopen failed; keep trying until Close.
			select {
			case <-t.stopCh:
				return
			case <-time.After(time.Second):
			}
			t.restart()
			continue
		}

		n, err := port.Read(chunk)
		if n > 0 {
			t.buf.Append(chunk[:n])
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			select {
			case <-t.stopCh:
				return
			default:
			}
			fmt.Fprintf(t.logger, "ERROR: serial read failed, restarting port: %v\n", err)
			t.restart()
		}
	}
}

// restart closes and reopens the port after a read failure.
func (t *SerialTransport) restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
	port, err := t.open()
	if err != nil {
		fmt.Fprintf(t.logger, "ERROR: serial reopen failed: %v\n", err)
		return
	}
	t.port = port
	t.restarts.Add(1)
}

// Write sends p on the serial line.
func (t *SerialTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return 0, fmt.Errorf("modbus: serial port %s is not open", t.cfg.Port)
	}
	n, err := t.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("modbus: serial write failed: %w", err)
	}
	return n, nil
}

// Buffer returns the shared inbound buffer.
func (t *SerialTransport) Buffer() *InboundBuffer { return t.buf }

// Flush drops all buffered inbound bytes.
func (t *SerialTransport) Flush() { t.buf.Flush() }

// Restarts returns how many times the port was reopened.
func (t *SerialTransport) Restarts() uint64 { return t.restarts.Load() }

// Close stops the reader loop and closes the port.
func (t *SerialTransport) Close() error {
	close(t.stopCh)
	t.mu.Lock()
	port := t.port
	t.port = nil
	t.mu.Unlock()
	var err error
	if port != nil {
		err = port.Close()
	}
	t.wg.Wait()
	return err
}
