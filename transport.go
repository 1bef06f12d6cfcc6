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

// Transport owns a byte channel to the device. Implementations run a
// dedicated reader loop that appends every received byte to the inbound
// buffer; the loop never blocks transactions, it only fills the buffer.
type Transport interface {
	// Write sends p to the device.
	Write(p []byte) (int, error)
	// Buffer returns the shared inbound buffer the reader loop fills.
	Buffer() *InboundBuffer
	// Flush clears the inbound buffer and any device-level queues.
	Flush()
	// Restarts returns how many times the channel was reopened after an
	// I/O failure.
	Restarts() uint64
	// Close stops the reader loop and releases the underlying handle.
	Close() error
}
