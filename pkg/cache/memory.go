package cache

import (
	"container/list"
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// DefaultMaxEntries bounds a Memory cache created with a non-positive size.
const DefaultMaxEntries = 10_000

type entry struct {
	key       string
	planID    string
	expiresAt time.Time
}

// Memory is an LRU cache with per-entry expiry. Safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

var _ core.RouteCache = (*Memory)(nil)

// NewMemory creates a cache holding at most maxEntries keys.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Get returns the plan id stored under key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	e := el.Value.(*entry)
	if !m.now().Before(e.expiresAt) {
		m.removeElement(el)
		return "", false, nil
	}
	m.ll.MoveToFront(el)
	return e.planID, true, nil
}

// Put stores planID under key for ttl. A non-positive ttl deletes the key.
func (m *Memory) Put(_ context.Context, key string, planID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		if el, ok := m.items[key]; ok {
			m.removeElement(el)
		}
		return nil
	}

	expires := m.now().Add(ttl)
	if el, ok := m.items[key]; ok {
		e := el.Value.(*entry)
		e.planID = planID
		e.expiresAt = expires
		m.ll.MoveToFront(el)
		return nil
	}

	m.items[key] = m.ll.PushFront(&entry{key: key, planID: planID, expiresAt: expires})
	for m.ll.Len() > m.maxEntries {
		m.removeElement(m.ll.Back())
	}
	return nil
}

// Len reports the number of stored keys, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

func (m *Memory) removeElement(el *list.Element) {
	m.ll.Remove(el)
	delete(m.items, el.Value.(*entry).key)
}

// JitterTTL spreads ttl uniformly over [0.9*ttl, 1.1*ttl] so entries
// written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	spread := int64(ttl) / 5
	if spread <= 0 {
		return ttl
	}
	return ttl - time.Duration(spread/2) + time.Duration(rand.Int64N(spread+1))
}
