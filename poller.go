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
	"sync"
	"sync/atomic"
	"time"
)

// PollPoint is one entry of the periodic poll list.
type PollPoint struct {
	Tag        string
	Kind       RegisterKind
	Register   uint16 // register, coil or file record number
	Length     uint16
	FileNumber uint16 // only meaningful for KindFile
	Text       bool   // read as ASCII text
}

// OnErrorFunc receives transaction failures from the poll loop.
type OnErrorFunc func(point PollPoint, err error)

// Poller drives a register list through the engine on a fixed interval.
// Each cycle issues the reads sequentially under the engine's exclusive
// transaction lock; the register cache sink observes every value. A failed
// transaction is reported and the loop simply moves on, the next cycle is
// the retry policy.
type Poller struct {
	engine   *Engine
	interval time.Duration

	mu     sync.Mutex
	points []PollPoint

	onError atomic.Value // OnErrorFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPoller creates a poller over engine with the given cycle interval.
func NewPoller(engine *Engine, interval time.Duration) *Poller {
	return &Poller{
		engine:   engine,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Load validates and installs the poll list.
func (p *Poller) Load(points []PollPoint) error {
	seen := make(map[string]bool)
	for _, pt := range points {
		if pt.Tag == "" {
			return fmt.Errorf("modbus: poll point without tag")
		}
		if seen[pt.Tag] {
			return fmt.Errorf("modbus: duplicate poll tag: %s", pt.Tag)
		}
		seen[pt.Tag] = true
		if pt.Length == 0 {
			return fmt.Errorf("modbus: poll point %s has zero length", pt.Tag)
		}
	}
	p.mu.Lock()
	p.points = points
	p.mu.Unlock()
	return nil
}

// SetOnError installs the failure callback. A nil callback is ignored.
func (p *Poller) SetOnError(fn OnErrorFunc) {
	if fn == nil {
		return
	}
	p.onError.Store(fn)
}

// Start launches the poll loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.loop()
}

func (p *Poller) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

// pollOnce runs one full cycle over the poll list.
func (p *Poller) pollOnce() {
	p.mu.Lock()
	points := p.points
	p.mu.Unlock()

	for _, pt := range points {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if p.engine.IsStopping() {
			return
		}

		var err error
		opts := &ReadOptions{ReturnText: pt.Text}
		if pt.Kind == KindFile {
			_, err = p.engine.ReadFileRecord(pt.FileNumber, pt.Register, pt.Length, opts)
		} else {
			_, err = p.engine.ReadRegister(pt.Kind, pt.Register, pt.Length, opts)
		}
		if err != nil {
			if cb := p.onError.Load(); cb != nil {
				cb.(OnErrorFunc)(pt, err)
			}
		}
	}
}

// Stop halts the loop and waits for the current cycle to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}
