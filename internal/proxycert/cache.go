package proxycert

import (
	"container/list"
	"crypto/ecdsa"
	"crypto/x509"
	"sync"
)

// leafEntry is one cached leaf certificate plus its private key.
type leafEntry struct {
	domain string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
}

// leafCache is a bounded FIFO cache of minted leaf certificates, keyed by
// domain. It is a FIFO, not a true LRU: a cache hit does not move an entry
// to the back of the eviction queue. Spec §4.1 only requires a bounded
// cache with *some* eviction policy, and the original Rust implementation's
// CertificateCache is itself FIFO, so this is a direct port rather than an
// upgrade to LRU.
type leafCache struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // front = oldest
	index    map[string]*list.Element
}

func newLeafCache(capacity int) *leafCache {
	return &leafCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// get returns the cached entry for domain, if any, without affecting its
// position in the eviction order (reader-shared lock).
func (c *leafCache) get(domain string) (*leafEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	el, ok := c.index[domain]
	if !ok {
		return nil, false
	}
	return el.Value.(*leafEntry), true
}

// put inserts entry, evicting the oldest entry(s) first if at capacity
// (writer-exclusive lock). Returns the domains evicted, for the caller to
// notify listeners/metrics.
func (c *leafCache) put(entry *leafEntry) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.index[entry.domain]; ok {
		c.order.Remove(existing)
		delete(c.index, entry.domain)
	}

	var evicted []string
	for c.order.Len() >= c.capacity && c.capacity > 0 {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		domain := oldest.Value.(*leafEntry).domain
		delete(c.index, domain)
		evicted = append(evicted, domain)
	}

	el := c.order.PushBack(entry)
	c.index[entry.domain] = el
	return evicted
}

// len reports the current number of cached entries.
func (c *leafCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}
