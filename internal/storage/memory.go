package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMemoryRecords = 1000

// memoryStore keeps recent calls in a ring buffer. It backs the admin API
// when the sqlite journal is disabled.
type memoryStore struct {
	mu       sync.RWMutex
	max      int
	items    []*CallRecord
	sessions []*SessionRecord
}

func newMemoryStore(max int) *memoryStore {
	if max < 1 {
		max = defaultMemoryRecords
	}
	return &memoryStore{
		max:   max,
		items: make([]*CallRecord, 0, minInt(max, 256)),
	}
}

func (s *memoryStore) Record(rec *CallRecord) (*CallRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("call record is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.max {
		// Drop oldest
		s.items = append(s.items[1:], rec)
	} else {
		s.items = append(s.items, rec)
	}
	return rec, nil
}

func (s *memoryStore) List(opts ListOptions) ([]*CallRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := make([]*CallRecord, 0, len(s.items))
	for i := len(s.items) - 1; i >= 0; i-- {
		if matchesFilters(s.items[i], opts) {
			filtered = append(filtered, s.items[i])
		}
	}

	total := len(filtered)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < total {
		end = offset + opts.Limit
	}
	return filtered[offset:end], total, nil
}

func (s *memoryStore) Iterate(opts ListOptions, fn func(*CallRecord) bool) error {
	items, _, err := s.List(opts)
	if err != nil {
		return err
	}
	for _, item := range items {
		if !fn(item) {
			return nil
		}
	}
	return nil
}

func (s *memoryStore) Snapshot() ([]*CallRecord, error) {
	items, _, err := s.List(ListOptions{})
	return items, err
}

func (s *memoryStore) Get(id string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].ID == id {
			return s.items[i], nil
		}
	}
	return nil, nil
}

func (s *memoryStore) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{ByStage: map[string]int{}, Sessions: len(s.sessions)}
	for _, item := range s.items {
		stats.Total++
		stats.Bytes += item.Bytes
		stats.ByStage[item.Stage]++
		if item.Error != "" {
			stats.Errors++
		}
	}
	return stats, nil
}

func (s *memoryStore) RecordSession(rec *SessionRecord) error {
	if rec == nil {
		return fmt.Errorf("session record is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.max {
		s.sessions = append(s.sessions[1:], rec)
	} else {
		s.sessions = append(s.sessions, rec)
	}
	return nil
}

func (s *memoryStore) Sessions(limit int) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*SessionRecord, 0, len(s.sessions))
	for i := len(s.sessions) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, s.sessions[i])
	}
	return result, nil
}

func (s *memoryStore) Close() error { return nil }

func matchesFilters(item *CallRecord, opts ListOptions) bool {
	if method := strings.TrimSpace(opts.Method); method != "" && !strings.EqualFold(item.Method, method) {
		return false
	}
	if stage := strings.TrimSpace(opts.Stage); stage != "" && item.Stage != strings.ToLower(stage) {
		return false
	}
	search := strings.ToLower(strings.TrimSpace(opts.Search))
	if search == "" {
		return true
	}
	target := strings.ToLower(strings.Join([]string{
		item.URL, item.StoragePath, item.RemoteAddr, item.UserAgent, item.Error,
	}, " "))
	return strings.Contains(target, search)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
