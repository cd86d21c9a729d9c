package keycache

import (
	"io"
	"sync"
	"time"
)

// Default lifetimes used when Options leaves a field zero.
const (
	DefaultEntryTTL        = 10 * time.Minute
	DefaultCurrentTTL      = 5 * time.Minute
	DefaultSupersededGrace = time.Minute
)

// Cache events passed to Options.OnEvent.
const (
	EventHit     = "hit"
	EventMiss    = "miss"
	EventCreate  = "create"
	EventEvict   = "evict"
	EventReplace = "replace"
)

// Options configures a Cache.
type Options struct {
	// EntryTTL bounds how long a value stays reachable by id.
	EntryTTL time.Duration
	// CurrentTTL bounds how long a value stays current.
	CurrentTTL time.Duration
	// SupersededGrace keeps a replaced current value reachable by id for a
	// while so in-flight decrypts still hit it.
	SupersededGrace time.Duration
	// SweepInterval runs a background sweeper when positive.
	SweepInterval time.Duration
	// OnEvent is called for every cache event, outside the cache lock.
	OnEvent func(event string)
	// Now overrides the clock.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.EntryTTL <= 0 {
		o.EntryTTL = DefaultEntryTTL
	}
	if o.CurrentTTL <= 0 {
		o.CurrentTTL = DefaultCurrentTTL
	}
	if o.SupersededGrace < 0 {
		o.SupersededGrace = 0
	} else if o.SupersededGrace == 0 {
		o.SupersededGrace = DefaultSupersededGrace
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats holds cache statistics.
type Stats struct {
	Items      int
	Hits       int64
	Misses     int64
	Evictions  int64
	Creates    int64
	HasCurrent bool
}

type entry[V io.Closer] struct {
	value     V
	expiresAt time.Time
}

// Cache holds closable values by id plus one "current" value with its own
// TTL. A value is never closed while it is current: eviction clears the
// current slot first.
type Cache[V io.Closer] struct {
	opts Options

	mu             sync.Mutex
	entries        map[string]*entry[V]
	current        string
	currentExpires time.Time
	stats          Stats

	// createMu serializes check-then-create of the current value.
	createMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a cache and starts its sweeper if configured.
func New[V io.Closer](opts Options) *Cache[V] {
	c := &Cache[V]{
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry[V]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if c.opts.SweepInterval > 0 {
		go c.sweepLoop()
	} else {
		close(c.done)
	}
	return c
}

func (c *Cache[V]) emit(events ...string) {
	if c.opts.OnEvent == nil {
		return
	}
	for _, e := range events {
		c.opts.OnEvent(e)
	}
}

// Get returns the live value stored under id.
func (c *Cache[V]) Get(id string) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok && !c.opts.Now().Before(e.expiresAt) {
		ok = false
	}
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()

	if !ok {
		c.emit(EventMiss)
		var zero V
		return zero, false
	}
	c.emit(EventHit)
	return e.value, true
}

// Current returns the current value if it has not expired.
func (c *Cache[V]) Current() (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *Cache[V]) currentLocked() (V, bool) {
	var zero V
	if c.current == "" || !c.opts.Now().Before(c.currentExpires) {
		return zero, false
	}
	e, ok := c.entries[c.current]
	if !ok {
		return zero, false
	}
	return e.value, true
}

// Put stores v under id unless a live value is already there, in which case
// the existing value is returned and stored is false. The caller owns v when
// it was not stored.
func (c *Cache[V]) Put(id string, v V) (actual V, stored bool) {
	c.mu.Lock()
	now := c.opts.Now()
	if e, ok := c.entries[id]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, false
	}
	old, hadOld := c.entries[id]
	c.entries[id] = &entry[V]{value: v, expiresAt: now.Add(c.opts.EntryTTL)}
	if hadOld && c.current == id {
		c.current = ""
	}
	c.mu.Unlock()

	if hadOld {
		c.closeValue(old.value)
	}
	return v, true
}

// PutCurrent stores v under id and makes it current. The previous current
// value stays reachable by id for the superseded grace period.
func (c *Cache[V]) PutCurrent(id string, v V) {
	c.mu.Lock()
	now := c.opts.Now()
	if prev, ok := c.entries[c.current]; ok && c.current != id {
		graceEnd := now.Add(c.opts.SupersededGrace)
		if graceEnd.Before(prev.expiresAt) {
			prev.expiresAt = graceEnd
		}
	}
	expires := now.Add(c.opts.EntryTTL)
	if currentEnd := now.Add(c.opts.CurrentTTL); currentEnd.After(expires) {
		expires = currentEnd
	}
	old, hadOld := c.entries[id]
	c.entries[id] = &entry[V]{value: v, expiresAt: expires}
	c.current = id
	c.currentExpires = now.Add(c.opts.CurrentTTL)
	c.stats.Creates++
	c.mu.Unlock()

	c.emit(EventCreate)
	if hadOld {
		c.closeValue(old.value)
	}
}

// CurrentOrCreate returns the current value or, when there is none, builds
// one with create and publishes it. Creation is serialized so concurrent
// callers never produce two current values.
func (c *Cache[V]) CurrentOrCreate(create func() (string, V, error)) (V, error) {
	if v, ok := c.Current(); ok {
		c.emit(EventHit)
		return v, nil
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	if v, ok := c.Current(); ok {
		c.emit(EventHit)
		return v, nil
	}
	c.emit(EventMiss)
	id, v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.PutCurrent(id, v)
	return v, nil
}

// InvalidateCurrent clears the current slot. The value stays reachable by id
// for the superseded grace period.
func (c *Cache[V]) InvalidateCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return
	}
	if e, ok := c.entries[c.current]; ok {
		graceEnd := c.opts.Now().Add(c.opts.SupersededGrace)
		if graceEnd.Before(e.expiresAt) {
			e.expiresAt = graceEnd
		}
	}
	c.current = ""
}

// Remove clears id from the current slot if needed, drops it and closes it.
func (c *Cache[V]) Remove(id string) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if c.current == id {
		c.current = ""
	}
	delete(c.entries, id)
	if ok {
		c.stats.Evictions++
	}
	c.mu.Unlock()

	if ok {
		c.emit(EventEvict)
		c.closeValue(e.value)
	}
}

// Discard removes id only if it still maps to v. Callers use it to drop a
// value they found closed without touching a replacement stored meanwhile.
func (c *Cache[V]) Discard(id string, v V) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || any(e.value) != any(v) {
		c.mu.Unlock()
		return
	}
	if c.current == id {
		c.current = ""
	}
	delete(c.entries, id)
	c.stats.Evictions++
	c.mu.Unlock()

	c.emit(EventEvict)
	c.closeValue(v)
}

// Sweep closes every expired value. An expired current slot is cleared
// before its value can be evicted.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	now := c.opts.Now()
	if c.current != "" && !now.Before(c.currentExpires) {
		c.current = ""
	}
	var expired []V
	for id, e := range c.entries {
		if id == c.current || now.Before(e.expiresAt) {
			continue
		}
		delete(c.entries, id)
		expired = append(expired, e.value)
		c.stats.Evictions++
	}
	c.mu.Unlock()

	for _, v := range expired {
		c.emit(EventEvict)
		c.closeValue(v)
	}
	return len(expired)
}

// Clear closes and drops every value.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.current = ""
	entries := c.entries
	c.entries = make(map[string]*entry[V])
	c.stats.Evictions += int64(len(entries))
	c.mu.Unlock()

	for _, e := range entries {
		c.emit(EventEvict)
		c.closeValue(e.value)
	}
}

// Close stops the sweeper and clears the cache.
func (c *Cache[V]) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	c.Clear()
	return nil
}

// Stats returns cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Items = len(c.entries)
	_, stats.HasCurrent = c.currentLocked()
	return stats
}

func (c *Cache[V]) closeValue(v V) {
	_ = v.Close()
}

func (c *Cache[V]) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}
