package ingestion

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestIdempotencyStore_PerSubjectIsolation(t *testing.T) {
	store, err := NewIdempotencyStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	entry := &IdempotencyEntry{
		Key:        "k1",
		Subject:    "1",
		StatusCode: 201,
		Response:   json.RawMessage(`{"status":"success"}`),
	}
	if _, created, err := store.PutIfAbsent(entry); err != nil || !created {
		t.Fatalf("put: created=%v err=%v", created, err)
	}

	if _, ok := store.Get("k1", "1"); !ok {
		t.Error("expected a hit for the owning subject")
	}
	if _, ok := store.Get("k1", "2"); ok {
		t.Error("a different subject must miss on the same key")
	}
	if _, ok := store.Get("k2", "1"); ok {
		t.Error("a different key must miss")
	}
}

func TestIdempotencyStore_WriteOnce(t *testing.T) {
	store, err := NewIdempotencyStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	first := &IdempotencyEntry{Key: "k", Subject: "1", StatusCode: 201, Response: json.RawMessage(`{"n":1}`)}
	second := &IdempotencyEntry{Key: "k", Subject: "1", StatusCode: 201, Response: json.RawMessage(`{"n":2}`)}

	if _, created, _ := store.PutIfAbsent(first); !created {
		t.Fatal("first write must succeed")
	}
	stored, created, err := store.PutIfAbsent(second)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if created {
		t.Fatal("second write for the same pair must be a no-op")
	}
	if !bytes.Equal(stored.Response, first.Response) {
		t.Errorf("the first write must win, got %s", stored.Response)
	}
}

func TestIdempotencyStore_ConcurrentFirstWriteWins(t *testing.T) {
	store, err := NewIdempotencyStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			entry := &IdempotencyEntry{
				Key:        "race",
				Subject:    "1",
				StatusCode: 201,
				Response:   json.RawMessage(`{"winner":true}`),
			}
			if _, created, err := store.PutIfAbsent(entry); err == nil && created {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning write, got %d", wins)
	}
}

func TestIdempotencyStore_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store, _ := NewIdempotencyStore(dir)
	store.PutIfAbsent(&IdempotencyEntry{
		Key:        "k",
		Subject:    "1",
		StatusCode: 201,
		Response:   json.RawMessage(`{"status":"success"}`),
	})

	reloaded, err := NewIdempotencyStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	entry, ok := reloaded.Get("k", "1")
	if !ok {
		t.Fatal("entry must survive a restart")
	}
	if string(entry.Response) != `{"status":"success"}` {
		t.Errorf("unexpected response after reload: %s", entry.Response)
	}
}

func TestIdempotencyStore_DropsExpiredOnLoad(t *testing.T) {
	dir := t.TempDir()

	store, _ := NewIdempotencyStore(dir)
	store.PutIfAbsent(&IdempotencyEntry{
		Key:        "old",
		Subject:    "1",
		StatusCode: 201,
		Response:   json.RawMessage(`{}`),
		CreatedAt:  time.Now().Add(-IdempotencyTTL - time.Hour),
	})

	reloaded, err := NewIdempotencyStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.Get("old", "1"); ok {
		t.Error("expired entry must not survive the reload")
	}
}

func TestIdempotencyEntry_Expiry(t *testing.T) {
	now := time.Now()
	entry := &IdempotencyEntry{CreatedAt: now}

	if entry.expired(now.Add(23 * time.Hour)) {
		t.Error("entry should be valid inside 24h")
	}
	if !entry.expired(now.Add(25 * time.Hour)) {
		t.Error("entry should expire after 24h")
	}
}
