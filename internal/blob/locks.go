package blob

import "sync"

// keyedLock is a set of try-locks keyed by object id. Entries exist only
// while held, so the map does not grow with the number of objects.
type keyedLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: make(map[string]struct{})}
}

// tryAcquire takes the lock for id. It returns a release func and true, or
// nil and false if the lock is already held.
func (l *keyedLock) tryAcquire(id string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return nil, false
	}
	l.held[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
		})
	}, true
}

// leaseTable counts open readers per object and remembers objects whose
// chunk removal waits for those readers to finish.
type leaseTable struct {
	mu      sync.Mutex
	counts  map[string]int
	pending map[string]struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{
		counts:  make(map[string]int),
		pending: make(map[string]struct{}),
	}
}

func (t *leaseTable) acquire(id string) {
	t.mu.Lock()
	t.counts[id]++
	t.mu.Unlock()
}

// release drops one lease on id. It reports whether the caller released
// the last lease of an object with a pending removal, in which case the
// caller now owns that removal.
func (t *leaseTable) release(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[id]--
	if t.counts[id] > 0 {
		return false
	}
	delete(t.counts, id)
	if _, ok := t.pending[id]; ok {
		delete(t.pending, id)
		return true
	}
	return false
}

// deferRemoval records a pending removal for id if any lease is held. It
// returns false when there are no leases and the caller must remove the
// chunks itself.
func (t *leaseTable) deferRemoval(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.counts[id] == 0 {
		return false
	}
	t.pending[id] = struct{}{}
	return true
}

// active reports whether id has open readers or a pending removal.
func (t *leaseTable) active(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, pending := t.pending[id]
	return t.counts[id] > 0 || pending
}

// readers returns the number of leases held on id.
func (t *leaseTable) readers(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}
