package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/funnyzak/replaytap/internal/config"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func newTestStore(t *testing.T, cfg config.StorageConfig) Store {
	t.Helper()
	cfg.Enable = true
	cfg.Driver = "sqlite"
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	store, err := New(&cfg, noopLogger{})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func fakeCall(id, method, url, stage string) *CallRecord {
	return &CallRecord{
		ID:        id,
		Timestamp: time.Now(),
		Method:    method,
		URL:       url,
		Stage:     stage,
		Status:    200,
		Bytes:     4,
		Latency:   1500 * time.Microsecond,
		UserAgent: "replaytap",
	}
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t, config.StorageConfig{MaxRecords: 100})
	data := fakeCall("", "POST", "https://api.example.com/v1/spin", "mock_exact")
	data.MatchKind = "exact"
	data.StoragePath = "storage/api/0.json"

	rec, err := store.Record(data)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected record id to be set")
	}

	got, err := store.Get(rec.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.Method != "POST" || got.Stage != "mock_exact" || got.MatchKind != "exact" {
		t.Fatalf("unexpected record returned: %#v", got)
	}
	if got.Latency != 1500*time.Microsecond {
		t.Fatalf("unexpected latency: %s", got.Latency)
	}
	if got.StoragePath != "storage/api/0.json" {
		t.Fatalf("unexpected storage path: %s", got.StoragePath)
	}

	missing, err := store.Get("nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown id, got %#v, %v", missing, err)
	}
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	store := newTestStore(t, config.StorageConfig{MaxRecords: 100})
	calls := []struct{ method, stage string }{
		{"GET", "asset"},
		{"POST", "mock_loose"},
		{"GET", "empty"},
	}
	for i, c := range calls {
		if _, err := store.Record(fakeCall(fmt.Sprintf("rec-%d", i), c.method, fmt.Sprintf("https://cdn.example.com/p%d", i), c.stage)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	items, total, err := store.List(ListOptions{Method: "post"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("expected 1 POST record, got total=%d len=%d", total, len(items))
	}

	items, total, err = store.List(ListOptions{Stage: "EMPTY"})
	if err != nil {
		t.Fatalf("stage filter failed: %v", err)
	}
	if total != 1 || items[0].ID != "rec-2" {
		t.Fatalf("expected rec-2 for stage empty, got total=%d", total)
	}

	items, total, err = store.List(ListOptions{Search: "cdn.example", Limit: 2})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 3 results paged to 2, got total=%d len=%d", total, len(items))
	}
}

func TestSQLiteStore_IterateStops(t *testing.T) {
	store := newTestStore(t, config.StorageConfig{MaxRecords: 100})
	for i := 0; i < 5; i++ {
		if _, err := store.Record(fakeCall(fmt.Sprintf("rec-%d", i), "GET", fmt.Sprintf("https://x/i%d", i), "asset")); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	count := 0
	err := store.Iterate(ListOptions{}, func(*CallRecord) bool {
		count++
		return count < 3
	})
	if err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected to stop after 3 iterations, got %d", count)
	}
}

func TestSQLiteStore_PruneMaxRecords(t *testing.T) {
	store := newTestStore(t, config.StorageConfig{MaxRecords: 2})
	for i := 0; i < 3; i++ {
		if _, err := store.Record(fakeCall(fmt.Sprintf("rec-%d", i), "GET", fmt.Sprintf("https://x/p%d", i), "asset")); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	items, total, err := store.List(ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected only 2 records retained, got total=%d len=%d", total, len(items))
	}
}

func TestSQLiteStore_PruneRetention(t *testing.T) {
	store := newTestStore(t, config.StorageConfig{Retention: time.Hour})
	old := fakeCall("old", "GET", "https://x/old", "asset")
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	if _, err := store.Record(old); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if _, err := store.Record(fakeCall("new", "GET", "https://x/new", "asset")); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	records, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "new" {
		t.Fatalf("expected only the recent record, got %d", len(records))
	}
}

func TestSQLiteStore_StatsAndSessions(t *testing.T) {
	store := newTestStore(t, config.StorageConfig{})
	for i, stage := range []string{"asset", "asset", "empty"} {
		rec := fakeCall(fmt.Sprintf("rec-%d", i), "GET", "https://x/s", stage)
		if stage == "empty" {
			rec.Error = "missing capture"
			rec.Bytes = 0
		}
		if _, err := store.Record(rec); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	session := &SessionRecord{
		URL:        "wss://game.example.com/sock",
		State:      "closed",
		FramesSent: 3,
		StartedAt:  time.Now().Add(-time.Second),
		EndedAt:    time.Now(),
	}
	if err := store.RecordSession(session); err != nil {
		t.Fatalf("record session failed: %v", err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 3 || stats.ByStage["asset"] != 2 || stats.ByStage["empty"] != 1 {
		t.Fatalf("unexpected stage counts: %#v", stats)
	}
	if stats.Errors != 1 || stats.Bytes != 8 || stats.Sessions != 1 {
		t.Fatalf("unexpected totals: %#v", stats)
	}

	sessions, err := store.Sessions(10)
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].FramesSent != 3 || sessions[0].ID == "" || sessions[0].EndedAt.IsZero() {
		t.Fatalf("unexpected sessions: %#v", sessions)
	}
}
