package feed

import (
	"math/rand"
	"sync"
	"time"
)

// Cache holds parsed results per fetch URL. Each entry lives for a TTL
// drawn uniformly from [0.75, 1.25] x base so entries written together do
// not expire together.
type Cache struct {
	base time.Duration
	now  func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
	m   map[string]cacheEntry
}

type cacheEntry struct {
	res     Result
	expires time.Time
}

const (
	cacheJitterLo = 0.75
	cacheJitterHi = 1.25
)

// NewCache returns nil for a non-positive ttl; a nil *Cache never hits.
func NewCache(ttl time.Duration, rng *rand.Rand) *Cache {
	if ttl <= 0 {
		return nil
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Cache{base: ttl, now: time.Now, rng: rng, m: map[string]cacheEntry{}}
}

// TTL returns a fresh jittered TTL.
func (c *Cache) TTL() time.Duration {
	c.mu.Lock()
	f := cacheJitterLo + c.rng.Float64()*(cacheJitterHi-cacheJitterLo)
	c.mu.Unlock()
	return time.Duration(float64(c.base) * f)
}

func (c *Cache) Get(key string) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return Result{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.m, key)
		return Result{}, false
	}
	res := e.res
	res.Items = append([]Item(nil), e.res.Items...)
	res.FromCache = true
	return res, true
}

// Put stores res. Not-modified responses carry no items and are skipped.
func (c *Cache) Put(key string, res Result) {
	if c == nil || res.NotModified {
		return
	}
	ttl := c.TTL()
	res.Items = append([]Item(nil), res.Items...)
	c.mu.Lock()
	c.m[key] = cacheEntry{res: res, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Sweep drops expired entries.
func (c *Cache) Sweep(now time.Time) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.m {
		if !now.Before(e.expires) {
			delete(c.m, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
