package storage

import (
	"strconv"
	"sync"
	"testing"

	"github.com/funnyzak/replaytap/internal/config"
)

func TestMemoryStore_DisabledJournalFallsBack(t *testing.T) {
	store, err := New(&config.StorageConfig{Enable: false, MaxRecords: 2}, noopLogger{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, ok := store.(*memoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	store := newMemoryStore(2)
	first, _ := store.Record(fakeCall("", "GET", "https://a.example.com/1", "asset"))
	second, _ := store.Record(fakeCall("", "POST", "https://a.example.com/2", "mock_exact"))
	store.Record(fakeCall("", "GET", "https://a.example.com/3", "asset"))

	if got, _ := store.Get(first.ID); got != nil {
		t.Fatal("expected oldest call to be evicted")
	}
	if got, _ := store.Get(second.ID); got == nil || got.ID != second.ID {
		t.Fatal("expected second call to survive")
	}
}

func TestMemoryStore_ListFiltersAndPaging(t *testing.T) {
	store := newMemoryStore(10)
	stages := []string{"asset", "mock_exact", "asset", "empty", "asset"}
	for i, stage := range stages {
		store.Record(fakeCall("", "GET", "https://cdn.example.com/p"+strconv.Itoa(i), stage))
	}

	items, total, err := store.List(ListOptions{Stage: "ASSET", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("expected 2 of 3 assets, got %d of %d", len(items), total)
	}
	if items[0].URL != "https://cdn.example.com/p4" {
		t.Fatalf("list should be newest first, got %s", items[0].URL)
	}

	items, total, _ = store.List(ListOptions{Search: "P3"})
	if total != 1 || items[0].Stage != "empty" {
		t.Fatalf("search filter failed: %+v", items)
	}

	items, _, _ = store.List(ListOptions{Offset: 10})
	if len(items) != 0 {
		t.Fatalf("offset past end should be empty")
	}
}

func TestMemoryStore_StatsAndSessions(t *testing.T) {
	store := newMemoryStore(5)
	failed := fakeCall("", "GET", "https://cdn.example.com/x", "empty")
	failed.Error = "missing capture"
	store.Record(failed)
	store.Record(fakeCall("", "GET", "https://cdn.example.com/y", "asset"))
	store.RecordSession(&SessionRecord{URL: "wss://x/1", State: "closed"})
	store.RecordSession(&SessionRecord{URL: "wss://x/2", State: "closed"})

	stats, _ := store.Stats()
	if stats.Total != 2 || stats.Errors != 1 || stats.Bytes != 8 || stats.Sessions != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	sessions, _ := store.Sessions(1)
	if len(sessions) != 1 || sessions[0].URL != "wss://x/2" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestMemoryStore_ConcurrentRecord(t *testing.T) {
	store := newMemoryStore(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Record(fakeCall("", "GET", "https://c/"+strconv.Itoa(i), "asset"))
			store.List(ListOptions{Method: "GET"})
		}(i)
	}
	wg.Wait()
	if stats, _ := store.Stats(); stats.Total != 20 {
		t.Fatalf("expected 20 calls, got %d", stats.Total)
	}
}
