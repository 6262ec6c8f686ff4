// Package cache buffers encoded beacon records per session until the
// sender ships them, and evicts records by age or by total memory use.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Key identifies the records of one session. Sessions created by a split
// share the session number and differ by their sequence.
type Key struct {
	BeaconID        int32
	SessionSequence int32
}

type record struct {
	timestamp time.Time
	data      string
	action    bool
}

func (r record) size() int64 {
	return int64(len(r.data))
}

type entry struct {
	eventData  []record
	actionData []record
	// records checked out by GetNextChunk, oldest first
	beingSent []record
	bytes     int64
}

func (e *entry) pendingCount() int {
	return len(e.eventData) + len(e.actionData)
}

// Observer is notified after records were added to the cache. It is
// called outside the cache lock and must not block.
type Observer func()

// BeaconCache is the per-session record store. All operations take a
// single cache-wide lock; each call is bounded by one chunk or one
// session, not by the size of the store.
type BeaconCache struct {
	mu         sync.Mutex
	entries    map[Key]*entry
	totalBytes int64

	observersMu sync.RWMutex
	observers   []Observer
}

// NewBeaconCache creates an empty cache.
func NewBeaconCache() *BeaconCache {
	return &BeaconCache{
		entries: make(map[Key]*entry),
	}
}

// AddObserver registers fn to be called whenever records are added.
func (c *BeaconCache) AddObserver(fn Observer) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.observers = append(c.observers, fn)
}

// AddEventData appends an encoded event record for key.
func (c *BeaconCache) AddEventData(key Key, timestamp time.Time, data string) {
	c.add(key, record{timestamp: timestamp, data: data})
}

// AddActionData appends an encoded action record for key.
func (c *BeaconCache) AddActionData(key Key, timestamp time.Time, data string) {
	c.add(key, record{timestamp: timestamp, data: data, action: true})
}

func (c *BeaconCache) add(key Key, r record) {
	c.mu.Lock()
	e := c.entryLocked(key)
	if r.action {
		e.actionData = append(e.actionData, r)
	} else {
		e.eventData = append(e.eventData, r)
	}
	e.bytes += r.size()
	c.totalBytes += r.size()
	c.mu.Unlock()

	c.observersMu.RLock()
	defer c.observersMu.RUnlock()
	for _, fn := range c.observers {
		fn()
	}
}

func (c *BeaconCache) entryLocked(key Key) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// GetNextChunk checks out the oldest pending records of key that fit in
// maxBytes and returns them joined by delimiter after prefix. At least
// one record is checked out even if it alone exceeds maxBytes. An empty
// string is returned when nothing is pending.
//
// Records checked out by an earlier call that was neither removed nor
// reset are restored first, so repeated calls are idempotent.
func (c *BeaconCache) GetNextChunk(key Key, prefix string, maxBytes int, delimiter string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return ""
	}
	e.restoreLocked()
	if e.pendingCount() == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(prefix)
	for e.pendingCount() > 0 {
		next := e.peekOldest()
		if len(e.beingSent) > 0 && b.Len()+len(delimiter)+len(next.data) > maxBytes {
			break
		}
		e.popOldest()
		e.beingSent = append(e.beingSent, next)
		b.WriteString(delimiter)
		b.WriteString(next.data)
	}
	return b.String()
}

// peekOldest returns the oldest pending record across both collections.
// Events win ties so that a session start precedes actions recorded in
// the same millisecond.
func (e *entry) peekOldest() record {
	if e.useEventNext() {
		return e.eventData[0]
	}
	return e.actionData[0]
}

func (e *entry) popOldest() record {
	if e.useEventNext() {
		r := e.eventData[0]
		e.eventData[0] = record{}
		e.eventData = e.eventData[1:]
		return r
	}
	r := e.actionData[0]
	e.actionData[0] = record{}
	e.actionData = e.actionData[1:]
	return r
}

func (e *entry) useEventNext() bool {
	if len(e.actionData) == 0 {
		return true
	}
	if len(e.eventData) == 0 {
		return false
	}
	return !e.actionData[0].timestamp.Before(e.eventData[0].timestamp)
}

// restoreLocked moves checked out records back in front of the pending
// collections, preserving their original order.
func (e *entry) restoreLocked() {
	if len(e.beingSent) == 0 {
		return
	}
	var events, actions []record
	for _, r := range e.beingSent {
		if r.action {
			actions = append(actions, r)
		} else {
			events = append(events, r)
		}
	}
	e.eventData = append(events, e.eventData...)
	e.actionData = append(actions, e.actionData...)
	e.beingSent = nil
}

// ResetChunkedData restores the records checked out for key after a
// failed send.
func (c *BeaconCache) ResetChunkedData(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.restoreLocked()
	}
}

// RemoveChunkedData discards the records checked out for key after a
// successful send.
func (c *BeaconCache) RemoveChunkedData(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	var removed int64
	for _, r := range e.beingSent {
		removed += r.size()
	}
	e.beingSent = nil
	e.bytes -= removed
	c.totalBytes -= removed
}

// IsEmpty reports whether key has neither pending nor checked out records.
func (c *BeaconCache) IsEmpty(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return true
	}
	return e.pendingCount() == 0 && len(e.beingSent) == 0
}

// DeleteCacheEntry drops every record of key.
func (c *BeaconCache) DeleteCacheEntry(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.totalBytes -= e.bytes
	delete(c.entries, key)
}

// Keys returns the keys currently held, ordered by beacon id and sequence.
func (c *BeaconCache) Keys() []Key {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].BeaconID != keys[j].BeaconID {
			return keys[i].BeaconID < keys[j].BeaconID
		}
		return keys[i].SessionSequence < keys[j].SessionSequence
	})
	return keys
}

// NumBytesInCache returns the total size of all buffered records.
func (c *BeaconCache) NumBytesInCache() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// NumRecords returns the number of buffered records, checked out ones
// included.
func (c *BeaconCache) NumRecords() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		n += e.pendingCount() + len(e.beingSent)
	}
	return n
}

// EvictRecordsByAge removes pending records of key older than minTimestamp
// and returns how many were removed. Checked out records are left alone.
func (c *BeaconCache) EvictRecordsByAge(key Key, minTimestamp time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0
	}

	var removed int
	var removedBytes int64
	keep := func(records []record) []record {
		kept := records[:0]
		for _, r := range records {
			if r.timestamp.Before(minTimestamp) {
				removed++
				removedBytes += r.size()
				continue
			}
			kept = append(kept, r)
		}
		return kept
	}
	e.eventData = keep(e.eventData)
	e.actionData = keep(e.actionData)
	e.bytes -= removedBytes
	c.totalBytes -= removedBytes
	return removed
}

// EvictRecordsByNumber removes up to n of the oldest pending records of
// key and returns how many were removed.
func (c *BeaconCache) EvictRecordsByNumber(key Key, n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0
	}

	removed := 0
	for removed < n && e.pendingCount() > 0 {
		r := e.popOldest()
		e.bytes -= r.size()
		c.totalBytes -= r.size()
		removed++
	}
	return removed
}
