package feedcache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// minEpochRetention bounds how soon a user epoch can be dropped, so a
// computation that read the old epoch has finished storing by then.
const minEpochRetention = 10 * time.Minute

type userEpoch struct {
	n      uint64
	bumped time.Time
}

// MemoryBackend is an in-process Backend bounded by entry count.
//
// User epochs are drawn from one sequence shared by all users, so a value is
// never reused. An epoch is dropped once every entry stored under an older
// epoch must have expired; the user then reads zero again, and all of their
// zero-epoch entries are gone by then too.
type MemoryBackend struct {
	entries *lru.Cache[string, memEntry]
	now     func() time.Time

	mu        sync.Mutex
	global    uint64
	seq       uint64
	users     map[string]userEpoch
	maxTTL    time.Duration
	lastSweep time.Time
}

// NewMemoryBackend creates a backend holding at most maxEntries windows.
func NewMemoryBackend(maxEntries int, now func() time.Time) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if now == nil {
		now = time.Now
	}
	// lru.New only errors on non-positive size which we guard above.
	entries, _ := lru.New[string, memEntry](maxEntries)
	return &MemoryBackend{entries: entries, now: now, users: make(map[string]userEpoch), lastSweep: now()}
}

func (m *MemoryBackend) Epochs(_ context.Context, userID string) (Epochs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Epochs{Global: m.global, User: m.users[userID].n}, nil
}

func (m *MemoryBackend) BumpUser(_ context.Context, userID string) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.users[userID] = userEpoch{n: m.seq, bumped: now}
	if retain := m.retention(); now.Sub(m.lastSweep) >= retain {
		m.sweep(now, retain)
	}
	return nil
}

// retention is how long a user epoch must outlive its bump. Callers hold mu.
func (m *MemoryBackend) retention() time.Duration {
	return max(2*m.maxTTL, minEpochRetention)
}

// sweep drops user epochs bumped more than retain ago. Callers hold mu.
func (m *MemoryBackend) sweep(now time.Time, retain time.Duration) {
	for id, ep := range m.users {
		if now.Sub(ep.bumped) > retain {
			delete(m.users, id)
		}
	}
	m.lastSweep = now
}

// trackedUsers reports how many user epochs are held.
func (m *MemoryBackend) trackedUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *MemoryBackend) BumpGlobal(context.Context) error {
	m.mu.Lock()
	m.global++
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	it, ok := m.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if !m.now().Before(it.expiresAt) {
		m.entries.Remove(key)
		return Entry{}, false, nil
	}
	return clone(it.entry), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	if ttl > m.maxTTL {
		m.maxTTL = ttl
	}
	m.mu.Unlock()
	m.entries.Add(key, memEntry{entry: clone(e), expiresAt: m.now().Add(ttl)})
	return nil
}

// Len reports the number of stored windows, expired ones included.
func (m *MemoryBackend) Len() int { return m.entries.Len() }

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error {
	m.entries.Purge()
	return nil
}

func clone(e Entry) Entry {
	e.VideoIDs = append([]string(nil), e.VideoIDs...)
	return e
}
