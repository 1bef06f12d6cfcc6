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
	"sync"
	"time"
)

// Stats holds the engine's communication counters. Counters only grow;
// they reset on explicit request, never implicitly.
type Stats struct {
	mu sync.Mutex

	txPackets        uint64
	rxPackets        uint64
	crcErrors        uint64
	timeouts         uint64
	exceptions       uint64
	exceptionByCode  map[byte]uint64
	validationErrors uint64
	syncErrors       uint64
	unexpectedData   uint64

	totalElapsed time.Duration
	start        time.Time
}

// NewStats returns a zeroed counter set with the rate clock started.
func NewStats() *Stats {
	return &Stats{
		exceptionByCode: make(map[byte]uint64),
		start:           time.Now(),
	}
}

func (s *Stats) incTx() {
	s.mu.Lock()
	s.txPackets++
	s.mu.Unlock()
}

func (s *Stats) incRx() {
	s.mu.Lock()
	s.rxPackets++
	s.mu.Unlock()
}

func (s *Stats) incCRCError() {
	s.mu.Lock()
	s.crcErrors++
	s.mu.Unlock()
}

func (s *Stats) incTimeout() {
	s.mu.Lock()
	s.timeouts++
	s.mu.Unlock()
}

func (s *Stats) incException(code byte) {
	s.mu.Lock()
	s.exceptions++
	s.exceptionByCode[code]++
	s.mu.Unlock()
}

func (s *Stats) incValidationError() {
	s.mu.Lock()
	s.validationErrors++
	s.mu.Unlock()
}

func (s *Stats) incSyncError() {
	s.mu.Lock()
	s.syncErrors++
	s.mu.Unlock()
}

func (s *Stats) incUnexpectedData() {
	s.mu.Lock()
	s.unexpectedData++
	s.mu.Unlock()
}

func (s *Stats) addElapsed(d time.Duration) {
	s.mu.Lock()
	s.totalElapsed += d
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of the counters plus derived rates.
type StatsSnapshot struct {
	TxPackets         uint64
	RxPackets         uint64
	CRCErrors         uint64
	Timeouts          uint64
	Exceptions        uint64
	ExceptionByCode   map[byte]uint64
	ValidationErrors  uint64
	SyncErrors        uint64
	UnexpectedData    uint64
	DiscardedBytes    uint64
	TransportRestarts uint64

	PacketsPerSecond   float64
	AverageTransaction time.Duration
}

// Snapshot copies the counters. Discarded-byte and restart counts live on
// the buffer and transport and are folded in by the caller.
func (s *Stats) Snapshot(discarded, restarts uint64) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		TxPackets:         s.txPackets,
		RxPackets:         s.rxPackets,
		CRCErrors:         s.crcErrors,
		Timeouts:          s.timeouts,
		Exceptions:        s.exceptions,
		ExceptionByCode:   make(map[byte]uint64, len(s.exceptionByCode)),
		ValidationErrors:  s.validationErrors,
		SyncErrors:        s.syncErrors,
		UnexpectedData:    s.unexpectedData,
		DiscardedBytes:    discarded,
		TransportRestarts: restarts,
	}
	for code, n := range s.exceptionByCode {
		snap.ExceptionByCode[code] = n
	}
	if elapsed := time.Since(s.start).Seconds(); elapsed > 0 {
		snap.PacketsPerSecond = float64(s.txPackets+s.rxPackets) / elapsed
	}
	if s.rxPackets > 0 {
		snap.AverageTransaction = s.totalElapsed / time.Duration(s.rxPackets)
	}
	return snap
}

// Reset zeroes every counter and restarts the rate clock.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txPackets = 0
	s.rxPackets = 0
	s.crcErrors = 0
	s.timeouts = 0
	s.exceptions = 0
	s.exceptionByCode = make(map[byte]uint64)
	s.validationErrors = 0
	s.syncErrors = 0
	s.unexpectedData = 0
	s.totalElapsed = 0
	s.start = time.Now()
}
