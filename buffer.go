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
	"sync"
)

// InboundBuffer is the byte queue shared between a transport's reader loop
// (producer) and the transaction processor (consumer). It is a ring buffer
// with head/tail cursors so consuming from the front is O(1). Bytes leave
// the buffer only when a complete frame is consumed, a single byte is
// discarded during resynchronization, or the whole buffer is flushed.
type InboundBuffer struct {
	mu        sync.Mutex
	data      []byte
	head      int
	count     int
	discarded uint64
}

const initialBufferSize = 512

// NewInboundBuffer returns an empty buffer.
func NewInboundBuffer() *InboundBuffer {
	return &InboundBuffer{data: make([]byte, initialBufferSize)}
}

// Append adds p to the tail of the buffer, growing it if needed.
func (b *InboundBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count+len(p) > len(b.data) {
		b.grow(b.count + len(p))
	}
	for _, c := range p {
		b.data[(b.head+b.count)%len(b.data)] = c
		b.count++
	}
}

// grow relocates the ring into a larger linear slice. Caller holds b.mu.
func (b *InboundBuffer) grow(need int) {
	size := len(b.data) * 2
	for size < need {
		size *= 2
	}
	data := make([]byte, size)
	for i := 0; i < b.count; i++ {
		data[i] = b.data[(b.head+i)%len(b.data)]
	}
	b.data = data
	b.head = 0
}

// Len returns the number of buffered bytes.
func (b *InboundBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Peek returns the byte at position i from the front without consuming it.
// The second return is false when i is out of range.
func (b *InboundBuffer) Peek(i int) (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= b.count {
		return 0, false
	}
	return b.data[(b.head+i)%len(b.data)], true
}

// Window returns a copy of the first n buffered bytes without consuming
// them, or nil if fewer than n bytes are buffered.
func (b *InboundBuffer) Window(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || n > b.count {
		return nil
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b.data[(b.head+i)%len(b.data)]
	}
	return out
}

// Consume removes and returns the first n buffered bytes, or nil if fewer
// than n bytes are buffered.
func (b *InboundBuffer) Consume(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || n > b.count {
		return nil
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b.data[(b.head+i)%len(b.data)]
	}
	b.head = (b.head + n) % len(b.data)
	b.count -= n
	return out
}

// DiscardByte pops the oldest buffered byte during resynchronization and
// counts it. The second return is false when the buffer is empty.
func (b *InboundBuffer) DiscardByte() (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0, false
	}
	c := b.data[b.head]
	b.head = (b.head + 1) % len(b.data)
	b.count--
	b.discarded++
	return c, true
}

// Flush empties the buffer and returns the number of bytes dropped.
func (b *InboundBuffer) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.count
	b.head = 0
	b.count = 0
	return n
}

// Discarded returns the cumulative count of bytes dropped one at a time
// via DiscardByte.
func (b *InboundBuffer) Discarded() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}

// HexDump renders the buffered bytes as space-separated hex for logs.
func (b *InboundBuffer) HexDump() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for i := 0; i < b.count; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b.data[(b.head+i)%len(b.data)])
	}
	return sb.String()
}
