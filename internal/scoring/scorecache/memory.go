package scorecache

import (
	"container/list"
	"sync"
)

// memoryStore is a fixed-capacity LRU for scores. Scores are tiny, so the
// capacity bound is an entry count, not bytes.
type memoryStore struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type memoryEntry struct {
	key   string
	score float64
}

func newMemoryStore(capacity int) *memoryStore {
	if capacity < 1 {
		capacity = 1
	}
	return &memoryStore{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (m *memoryStore) Get(key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return 0, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*memoryEntry).score, true
}

func (m *memoryStore) Set(key string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value.(*memoryEntry).score = score
		m.order.MoveToFront(el)
		return
	}
	m.items[key] = m.order.PushFront(&memoryEntry{key: key, score: score})
	for m.order.Len() > m.cap {
		back := m.order.Back()
		m.order.Remove(back)
		delete(m.items, back.Value.(*memoryEntry).key)
	}
}

func (m *memoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
