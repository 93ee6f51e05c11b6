package ingestion

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/yanniks/health-companion-prototype/internal/platform/storage"
)

const (
	idempotencyFile = "idempotency.txt"
	// IdempotencyTTL bounds how long a cached outcome is replayed.
	IdempotencyTTL = 24 * time.Hour
)

// IdempotencyEntry binds a caller-supplied key and subject to the canonical
// response that was produced for it.
type IdempotencyEntry struct {
	Key        string          `json:"key"`
	Subject    string          `json:"subject"`
	StatusCode int             `json:"statusCode"`
	Response   json.RawMessage `json:"response"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (e *IdempotencyEntry) expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(IdempotencyTTL))
}

// IdempotencyStore is a write-once cache keyed by (key, subject), persisted
// as a JSON-lines file with an in-memory TTL index in front of it.
type IdempotencyStore struct {
	mu    sync.Mutex
	path  string
	cache *gocache.Cache
}

func NewIdempotencyStore(dir string) (*IdempotencyStore, error) {
	s := &IdempotencyStore{
		path:  filepath.Join(dir, idempotencyFile),
		cache: gocache.New(IdempotencyTTL, time.Hour),
	}

	now := time.Now()
	err := storage.ForEachLine(s.path, func(line []byte) error {
		var e IdempotencyEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("corrupt idempotency record: %w", err)
		}
		if e.expired(now) {
			return nil
		}
		s.cache.Set(cacheKey(e.Key, e.Subject), &e, time.Until(e.CreatedAt.Add(IdempotencyTTL)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the cached entry for (key, subject). Lookups by a different
// subject miss even for the same key.
func (s *IdempotencyStore) Get(key, subject string) (*IdempotencyEntry, bool) {
	v, ok := s.cache.Get(cacheKey(key, subject))
	if !ok {
		return nil, false
	}
	entry := v.(*IdempotencyEntry)
	if entry.expired(time.Now()) {
		return nil, false
	}
	return entry, true
}

// PutIfAbsent stores the entry unless one already exists for the pair. The
// check and the insert form one critical section: under concurrent
// submissions the first write wins and every later caller observes it.
func (s *IdempotencyStore) PutIfAbsent(entry *IdempotencyEntry) (*IdempotencyEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.Get(entry.Key, entry.Subject); ok {
		return existing, false, nil
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return nil, false, err
	}
	if err := storage.AppendLine(s.path, line); err != nil {
		return nil, false, err
	}
	s.cache.Set(cacheKey(entry.Key, entry.Subject), entry, IdempotencyTTL)
	return entry, true, nil
}

// cacheKey joins subject and key; the newline cannot occur in an HTTP
// header value, so the pair is unambiguous.
func cacheKey(key, subject string) string {
	return subject + "\n" + key
}
