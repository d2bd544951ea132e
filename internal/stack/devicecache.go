package stack

import (
	"sync"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
)

type deviceEntry struct {
	device     *object.Device
	lastTouch  time.Time
}

// DeviceCache is a read-mostly, capacity-bounded cache of recently seen
// Device objects, per spec.md §5's "read-mostly LRU ... writes serialised
// by an internal mutex." Grounded on the teacher's map+RWMutex registry
// idiom (daemon/manager/store.go), with LRU-by-touch-time eviction added
// since the teacher's registries are unbounded.
type DeviceCache struct {
	mu       sync.RWMutex
	entries  map[object.ObjectId]*deviceEntry
	expire   time.Duration
	capacity int
	now      func() time.Time
}

// NewDeviceCache builds a cache holding up to capacity devices, expiring
// entries untouched for longer than expire.
func NewDeviceCache(capacity int, expire time.Duration) *DeviceCache {
	return &DeviceCache{
		entries:  make(map[object.ObjectId]*deviceEntry),
		expire:   expire,
		capacity: capacity,
		now:      time.Now,
	}
}

// Put inserts or refreshes a device, evicting the least-recently-touched
// entry if this insert would exceed capacity.
func (c *DeviceCache) Put(d *object.Device) {
	id := d.Id()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[id] = &deviceEntry{device: d, lastTouch: c.now()}
}

// Get returns the cached device for id, if present and not expired.
func (c *DeviceCache) Get(id object.ObjectId) (*object.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.expire > 0 && c.now().Sub(entry.lastTouch) > c.expire {
		delete(c.entries, id)
		return nil, false
	}
	entry.lastTouch = c.now()
	return entry.device, true
}

// Count reports the number of currently cached devices (including any
// not-yet-swept expired ones).
func (c *DeviceCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes every entry untouched for longer than expire, returning
// the number evicted.
func (c *DeviceCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expire <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for id, entry := range c.entries {
		if now.Sub(entry.lastTouch) > c.expire {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *DeviceCache) evictOldestLocked() {
	var oldestID object.ObjectId
	var oldestAt time.Time
	first := true
	for id, entry := range c.entries {
		if first || entry.lastTouch.Before(oldestAt) {
			oldestID = id
			oldestAt = entry.lastTouch
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestID)
	}
}
