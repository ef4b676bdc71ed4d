// ABOUTME: Bounded recently-seen set of message ids used as the ingest fast path
// ABOUTME: The store's unique key stays authoritative; this only absorbs duplicates seen by one process

package ingest

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	key string
	at  time.Time
}

// recentIDs remembers claimed keys for ttl, holding at most maxSize of them.
// Entries are kept in claim order so expiry and eviction both pop the front.
type recentIDs struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newRecentIDs(ttl time.Duration, maxSize int) *recentIDs {
	return &recentIDs{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// claim marks key as in flight. It returns false when key was already claimed
// within ttl, in which case the caller must treat the delivery as a duplicate.
func (r *recentIDs) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expireLocked(now)

	if _, ok := r.index[key]; ok {
		return false
	}
	if r.order.Len() >= r.maxSize {
		r.removeLocked(r.order.Front())
	}
	r.index[key] = r.order.PushBack(&seenEntry{key: key, at: now})
	return true
}

// release forgets key after a failed insert. Only a later duplicate that
// reaches this process within ttl can retry it; webhooks are acknowledged
// before ingesting, so vendors do not redeliver on our failures. A duplicate
// dropped by claim while the first insert was still failing is not retried.
func (r *recentIDs) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.index[key]; ok {
		r.removeLocked(elem)
	}
}

func (r *recentIDs) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

func (r *recentIDs) expireLocked(now time.Time) {
	for front := r.order.Front(); front != nil; front = r.order.Front() {
		if now.Sub(front.Value.(*seenEntry).at) < r.ttl {
			return
		}
		r.removeLocked(front)
	}
}

func (r *recentIDs) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := r.order.Remove(elem).(*seenEntry)
	delete(r.index, entry.key)
}
