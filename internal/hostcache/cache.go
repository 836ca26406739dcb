// Package hostcache suppresses repeated learning of hosts seen recently.
package hostcache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simpleswitch/go-ss2/internal/flow"
	"github.com/simpleswitch/go-ss2/internal/logger"
)

// Key is the literal (datapath, port, MAC) triple. A host seen on another
// port is another key.
type Key struct {
	Datapath flow.DatapathID
	Port     flow.PortNo
	MAC      flow.MAC
}

type entry struct {
	created time.Time
	hits    uint64
}

// Cache remembers hosts for a fixed window measured from their first
// observation. Hits do not extend the window.
type Cache struct {
	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time
	hosts   map[Key]*entry
	log     *logrus.Entry
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(timeout time.Duration, opts ...Option) *Cache {
	c := &Cache{
		timeout: timeout,
		now:     time.Now,
		hosts:   make(map[Key]*entry),
		log:     logger.CacheLog,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe reports whether the key is novel: unseen, or its entry has
// expired. Expired entries are swept first. A non-positive timeout makes
// every observation novel and stores nothing.
func (c *Cache) Observe(dp flow.DatapathID, port flow.PortNo, mac flow.MAC) bool {
	if c.timeout <= 0 {
		return true
	}
	k := Key{Datapath: dp, Port: port, MAC: mac}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)

	if e, ok := c.hosts[k]; ok {
		e.hits++
		return false
	}
	c.hosts[k] = &entry{created: now}
	c.log.Debugf("Learned %s, %s, %s", dp, port, mac)
	return true
}

func (c *Cache) sweep(now time.Time) {
	for k, e := range c.hosts {
		if now.Sub(e.created) > c.timeout {
			c.log.Debugf("Unlearned %s, %s, %s after %d hits", k.Datapath, k.Port, k.MAC, e.hits)
			delete(c.hosts, k)
		}
	}
}

// ForgetDatapath drops every entry of dp, so its hosts are novel again.
func (c *Cache) ForgetDatapath(dp flow.DatapathID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.hosts {
		if k.Datapath == dp {
			delete(c.hosts, k)
			n++
		}
	}
	return n
}

// Hits returns the duplicate count of a live entry.
func (c *Cache) Hits(dp flow.DatapathID, port flow.PortNo, mac flow.MAC) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.hosts[Key{Datapath: dp, Port: port, MAC: mac}]
	if !ok {
		return 0, false
	}
	return e.hits, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hosts)
}
