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
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPTransport carries either raw RTU frames or Modbus-TCP frames over a
// socket; framing is the codec's concern, the transport only moves bytes.
// On a socket error the connection is dropped and the reader loop redials
// with a backoff wait.
type TCPTransport struct {
	addr   string
	logger io.Writer

	mu       sync.Mutex // serializes writes and reconnects
	conn     net.Conn
	buf      *InboundBuffer
	restarts atomic.Uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const (
	tcpConnectTimeout   = 1 * time.Second
	tcpReadTimeout      = 500 * time.Millisecond
	tcpReconnectBackoff = 1 * time.Second
)

// NewTCPTransport dials host:port and starts the reader loop.
func NewTCPTransport(host string, port int, logger io.Writer) (*TCPTransport, error) {
	t := &TCPTransport{
		addr:   net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		logger: logger,
		buf:    NewInboundBuffer(),
		stopCh: make(chan struct{}),
	}
	conn, err := net.DialTimeout("tcp", t.addr, tcpConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("modbus: cannot connect to %s: %w", t.addr, err)
	}
	t.conn = conn
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

func (t *TCPTransport) readLoop() {
	defer t.wg.Done()
	chunk := make([]byte, 512)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			if !t.reconnect() {
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			t.buf.Append(chunk[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
			}
			fmt.Fprintf(t.logger, "ERROR: socket read failed, disconnecting: %v\n", err)
			t.mu.Lock()
			if t.conn != nil {
				t.conn.Close()
				t.conn = nil
			}
			t.mu.Unlock()
		}
	}
}

// reconnect waits out the backoff and redials. It returns false when the
// transport is stopping.
func (t *TCPTransport) reconnect() bool {
	select {
	case <-t.stopCh:
		return false
	case <-time.After(tcpReconnectBackoff):
	}
	conn, err := net.DialTimeout("tcp", t.addr, tcpConnectTimeout)
	if err != nil {
		fmt.Fprintf(t.logger, "ERROR: reconnect to %s failed: %v\n", t.addr, err)
		return true
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.restarts.Add(1)
	fmt.Fprintf(t.logger, "INFO: reconnected to %s\n", t.addr)
	return true
}

// Write sends p on the socket.
func (t *TCPTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return 0, fmt.Errorf("modbus: not connected to %s", t.addr)
	}
	n, err := t.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("modbus: socket write failed: %w", err)
	}
	return n, nil
}

// Buffer returns the shared inbound buffer.
func (t *TCPTransport) Buffer() *InboundBuffer { return t.buf }

// Flush drops all buffered inbound bytes.
func (t *TCPTransport) Flush() { t.buf.Flush() }

// Restarts returns how many reconnects have happened.
func (t *TCPTransport) Restarts() uint64 { return t.restarts.Load() }

// Close stops the reader loop and closes the socket.
func (t *TCPTransport) Close() error {
	close(t.stopCh)
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}
