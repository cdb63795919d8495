package cache

import (
	"sync"
	"sync/atomic"
)

// Memory is an in-process cache bounded by a byte budget. Entries are never
// evicted; once the budget is spent new entries are served uncached.
type Memory struct {
	items    sync.Map
	maxBytes int64
	total    atomic.Int64
	count    atomic.Int64
}

// NewMemory creates a memory cache. maxBytes <= 0 means unbounded.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{maxBytes: maxBytes}
}

func (m *Memory) Get(key string) (Entry, bool) {
	v, ok := m.items.Load(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

func (m *Memory) AddIfAbsent(key string, e Entry) (Entry, bool) {
	if v, ok := m.items.Load(key); ok {
		return v.(Entry), false
	}
	sz := e.Size()
	if total := m.total.Add(sz); m.maxBytes > 0 && total > m.maxBytes {
		m.total.Add(-sz)
		return e, false
	}
	actual, loaded := m.items.LoadOrStore(key, e)
	if loaded {
		m.total.Add(-sz)
		return actual.(Entry), false
	}
	m.count.Add(1)
	return e, true
}

func (m *Memory) Len() int { return int(m.count.Load()) }

// TotalBytes returns the bytes currently accounted against the budget.
func (m *Memory) TotalBytes() int64 { return m.total.Load() }

func (m *Memory) Close() error { return nil }
