// ABOUTME: Bounded TTL cache of recently processed inbound message ids
// ABOUTME: Lets the router skip channel redeliveries before touching the database

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// sweepInterval is how often expired ids are dropped in the background.
const sweepInterval = time.Minute

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Cache remembers message ids for a fixed window. When full, the oldest id is
// forgotten first. The database's unique external id remains the source of
// truth; the cache only short-circuits the common redelivery case.
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache and starts its sweeper.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether id was remembered within the window.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.ids[id]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

// Remember records id as processed, refreshing it if already present.
func (c *Cache) Remember(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.ids[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.elem)
		return
	}
	if len(c.ids) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.drop(front)
		}
	}
	c.ids[id] = &entry{seenAt: now, elem: c.order.PushBack(id)}
}

// Forget removes id so a later delivery is processed again.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.ids[id]; ok {
		c.drop(e.elem)
	}
}

// Len returns how many ids are currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *Cache) drop(elem *list.Element) {
	id, _ := elem.Value.(string)
	c.order.Remove(elem)
	delete(c.ids, id)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired ids. Entries are in insertion order and refreshes move
// to the back, so the walk stops at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(c.ids[id].seenAt) < c.ttl {
			return
		}
		c.drop(front)
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
