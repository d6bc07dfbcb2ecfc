// Package addrcache implements the device address binding cache
// (ASHRAE 135 clause 6.5): the table mapping a device-id to the
// network address that answered its Who-Is, used so services don't
// have to re-discover a device's address on every request.
package addrcache

import (
	"sync"

	"github.com/shigmas/bacstack/pkg/bacnet"
)

// Status is the binding state of a cache entry.
type Status int

const (
	StatusBindingInProgress Status = iota
	StatusBound
)

// Entry is one address cache row.
type Entry struct {
	DeviceID      uint32
	Address       bacnet.Address
	MaxAPDU       uint32
	Segmentation  uint8
	TTLSeconds    uint32
	Static        bool
	Status        Status
	insertionSeq  uint64
}

// WhoIsSender issues a Who-Is for a device whose address is not yet
// known, so bind_request can prompt discovery instead of just failing.
type WhoIsSender func(deviceID uint32)

// Cache is the address binding cache. Capacity is fixed at
// construction (MAX_ADDRESS_CACHE); once full, add/bind_request evict
// the oldest non-static entry, applying the same policy from every
// insertion path since Cache has exactly one internal writer (insert).
type Cache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[uint32]*Entry
	nextSeq  uint64
	whoIs    WhoIsSender
}

// New constructs a Cache with the given capacity (MAX_ADDRESS_CACHE).
// whoIs may be nil if the caller never calls BindRequest.
func New(capacity int, whoIs WhoIsSender) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint32]*Entry),
		whoIs:    whoIs,
	}
}

// insert is the single internal writer; every public mutator goes
// through it, so the eviction policy only has to be correct once.
func (c *Cache) insert(e *Entry) {
	if _, exists := c.entries[e.DeviceID]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestNonStatic()
	}
	e.insertionSeq = c.nextSeq
	c.nextSeq++
	c.entries[e.DeviceID] = e
}

func (c *Cache) evictOldestNonStatic() {
	var victim *Entry
	for _, e := range c.entries {
		if e.Static {
			continue
		}
		if victim == nil ||
			e.TTLSeconds < victim.TTLSeconds ||
			(e.TTLSeconds == victim.TTLSeconds && e.insertionSeq < victim.insertionSeq) {
			victim = e
		}
	}
	if victim != nil {
		delete(c.entries, victim.DeviceID)
	}
}

// Add stores or refreshes a bound entry for deviceID. A static entry
// never expires regardless of TTLSeconds.
func (c *Cache) Add(deviceID uint32, addr bacnet.Address, maxAPDU uint32, segmentation uint8, ttlSeconds uint32, static bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(&Entry{
		DeviceID:     deviceID,
		Address:      addr,
		MaxAPDU:      maxAPDU,
		Segmentation: segmentation,
		TTLSeconds:   ttlSeconds,
		Static:       static,
		Status:       StatusBound,
	})
}

// RemoveDevice evicts deviceID's entry, if any.
func (c *Cache) RemoveDevice(deviceID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, deviceID)
}

// GetByDevice returns deviceID's entry, if present.
func (c *Cache) GetByDevice(deviceID uint32) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[deviceID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetByIndex returns the index'th entry in an arbitrary but stable
// (map-iteration-order-independent within a call) enumeration, for
// callers walking the whole table.
func (c *Cache) GetByIndex(index int) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.entries) {
		return Entry{}, false
	}
	ids := c.sortedDeviceIDs()
	e := c.entries[ids[index]]
	return *e, true
}

func (c *Cache) sortedDeviceIDs() []uint32 {
	ids := make([]uint32, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// GetDeviceID is the reverse lookup: the device-id bound to addr, if
// any. Per the uniqueness invariant, at most one device-id can match.
func (c *Cache) GetDeviceID(addr bacnet.Address) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, e := range c.entries {
		if e.Address.Equal(addr) {
			return id, true
		}
	}
	return 0, false
}

// BindRequest returns deviceID's address if already known. Otherwise
// it inserts a binding-in-progress entry and issues a Who-Is (if a
// WhoIsSender was configured), returning ok=false.
func (c *Cache) BindRequest(deviceID uint32) (bacnet.Address, bool) {
	c.mu.Lock()
	if e, ok := c.entries[deviceID]; ok && e.Status == StatusBound {
		addr := e.Address
		c.mu.Unlock()
		return addr, true
	}
	c.insert(&Entry{DeviceID: deviceID, Status: StatusBindingInProgress})
	sender := c.whoIs
	c.mu.Unlock()

	if sender != nil {
		sender(deviceID)
	}
	return bacnet.Address{}, false
}

// CacheTimer ages every non-static entry's TTL down by elapsedSeconds,
// evicting any that reach zero.
func (c *Cache) CacheTimer(elapsedSeconds uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.Static {
			continue
		}
		if e.TTLSeconds <= elapsedSeconds {
			delete(c.entries, id)
			continue
		}
		e.TTLSeconds -= elapsedSeconds
	}
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
