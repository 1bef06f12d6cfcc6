package modbus

import (
	"sort"
	"sync"
	"time"
)

// CacheEntry is the latest observed value of one register, coil, input or
// file record.
type CacheEntry struct {
	Register string // 4-digit hex key
	Value    string
	Kind     RegisterKind
	Text     bool
	Updated  time.Time
}

// RegisterCache stores the most recent value per register and notifies a
// callback when a value changes. Its Sink plugs into the engine, so every
// successful read lands here before the caller sees it.
type RegisterCache struct {
	OnChangeCallback func(entry CacheEntry)
	changeQueue      chan CacheEntry
	exitSignal       chan struct{}
	entries          map[string]CacheEntry
	closed           bool
	mu               sync.Mutex // Protects shared resources
}

// NewRegisterCache creates a cache with a change queue of the given size.
func NewRegisterCache(queueSize int) *RegisterCache {
	return &RegisterCache{
		changeQueue: make(chan CacheEntry, queueSize),
		exitSignal:  make(chan struct{}),
		entries:     make(map[string]CacheEntry),
	}
}

// SetOnChangeCallback sets the callback for changed values.
func (c *RegisterCache) SetOnChangeCallback(callback func(entry CacheEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OnChangeCallback = callback
}

// Start begins delivering change notifications.
func (c *RegisterCache) Start() {
	go func() {
		for {
			select {
			case <-c.exitSignal:
				return
			case entry, ok := <-c.changeQueue:
				if !ok {
					return
				}
				c.mu.Lock()
				callback := c.OnChangeCallback
				c.mu.Unlock()
				if callback != nil {
					callback(entry)
				}
			}
		}
	}()
}

// Sink returns the update function to hand to the engine. It refuses
// updates once the cache is stopped.
func (c *RegisterCache) Sink() UpdateFunc {
	return func(register, value string, kind RegisterKind, isText bool) bool {
		return c.update(register, value, kind, isText)
	}
}

func (c *RegisterCache) update(register, value string, kind RegisterKind, isText bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	key := cacheKey(kind, register)
	previous, existed := c.entries[key]
	entry := CacheEntry{
		Register: register,
		Value:    value,
		Kind:     kind,
		Text:     isText,
		Updated:  time.Now(),
	}
	c.entries[key] = entry
	changed := !existed || previous.Value != value
	c.mu.Unlock()

	if changed {
		select {
		case c.changeQueue <- entry:
		case <-c.exitSignal:
			return false
		}
	}
	return true
}

// Get returns the cached entry for a register.
func (c *RegisterCache) Get(kind RegisterKind, register string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(kind, register)]
	return entry, ok
}

// Snapshot returns every cached entry ordered by kind and register.
func (c *RegisterCache) Snapshot() []CacheEntry {
	c.mu.Lock()
	entries := make([]CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	c.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].Register < entries[j].Register
	})
	return entries
}

// Stop gracefully stops the cache; pending notifications are dropped.
func (c *RegisterCache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.exitSignal)
}

func cacheKey(kind RegisterKind, register string) string {
	return kind.String() + ":" + register
}
