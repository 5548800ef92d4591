// ABOUTME: TTL and size bounded set of recently seen event keys
// ABOUTME: Lets the engine drop chat events the homeserver delivers twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for ttl, holding at most maxEntries of them.
// Entries are kept in first-seen order so expiry and eviction both work
// from the front of the list.
type Cache struct {
	mu         sync.Mutex
	index      map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval sets how often expired keys are purged in the
// background. Zero disables the sweeper; expired keys are then only
// dropped when Sweep is called or when they reach the front on insert.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// New creates a cache. Non-positive maxEntries means 1.
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &Cache{
		index:      make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.sweeper()
	}
	return c
}

// Seen records key and reports whether it was already present and
// unexpired. The check and the insert happen under one lock.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		if c.live(el, now) {
			return true
		}
		c.remove(el)
	}

	c.expireLocked(now)
	for c.order.Len() >= c.maxEntries {
		c.remove(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Contains reports whether key is present and unexpired without recording it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	return ok && c.live(el, c.now())
}

// Forget drops key so the next Seen reports it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.remove(el)
	}
}

// Len returns the number of stored keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep removes expired keys and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireLocked(c.now())
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) live(el *list.Element, now time.Time) bool {
	return now.Sub(el.Value.(*entry).seenAt) < c.ttl
}

func (c *Cache) remove(el *list.Element) {
	delete(c.index, el.Value.(*entry).key)
	c.order.Remove(el)
}

// expireLocked drops expired entries from the front. Must hold mu.
func (c *Cache) expireLocked(now time.Time) int {
	n := 0
	for el := c.order.Front(); el != nil && !c.live(el, now); el = c.order.Front() {
		c.remove(el)
		n++
	}
	return n
}

func (c *Cache) sweeper() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
