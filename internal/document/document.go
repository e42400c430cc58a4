// Package document keeps submitted documents until their job's results have
// been stored. Providers need the documents again at extraction time: the
// bulk-file backend to pair result lines with documents by position, the sink
// to denormalise document fields into result rows.
package document

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"sentimental/internal/apperrors"
	"sentimental/internal/sentiment"
)

// Store reads and writes documents by id.
type Store interface {
	Put(ctx context.Context, docs []sentiment.Document) error
	// GetMany returns documents in the order of ids. A missing id is ErrNotFound.
	GetMany(ctx context.Context, ids []string) ([]sentiment.Document, error)
}

const redisDocPrefix = "{sentimental}:doc:"

// RedisStore stores each document as JSON under its own key with a TTL.
type RedisStore struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

// NewRedisStore creates a document store on an existing client.
func NewRedisStore(rdb goredis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Put writes all documents in one pipeline.
func (s *RedisStore) Put(ctx context.Context, docs []sentiment.Document) error {
	pipe := s.rdb.Pipeline()
	for i := range docs {
		data, err := json.Marshal(&docs[i])
		if err != nil {
			return apperrors.Internal("documents.put", err)
		}
		pipe.Set(ctx, redisDocPrefix+docs[i].ID, data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Internal("documents.put", err)
	}
	return nil
}

// GetMany reads all documents with one MGET.
func (s *RedisStore) GetMany(ctx context.Context, ids []string) ([]sentiment.Document, error) {
	if len(ids) == 0 {
		return []sentiment.Document{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisDocPrefix + id
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.Internal("documents.getMany", err)
	}

	docs := make([]sentiment.Document, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			return nil, apperrors.NotFound("document", ids[i])
		}
		if err := json.Unmarshal([]byte(raw), &docs[i]); err != nil {
			return nil, apperrors.Internal("documents.decode", err)
		}
	}
	return docs, nil
}

// Ready pings the server.
func (s *RedisStore) Ready(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// MemoryStore keeps documents in a map. Entries expire after ttl.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]memoryEntry
	ttl   time.Duration
	clock clockwork.Clock
}

type memoryEntry struct {
	doc       sentiment.Document
	expiresAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(ttl time.Duration, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{docs: make(map[string]memoryEntry), ttl: ttl, clock: clock}
}

// Put stores copies of docs.
func (s *MemoryStore) Put(_ context.Context, docs []sentiment.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.clock.Now().Add(s.ttl)
	for _, d := range docs {
		d.Comments = append([]string(nil), d.Comments...)
		s.docs[d.ID] = memoryEntry{doc: d, expiresAt: expiresAt}
	}
	return nil
}

// GetMany returns documents in the order of ids.
func (s *MemoryStore) GetMany(_ context.Context, ids []string) ([]sentiment.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	docs := make([]sentiment.Document, 0, len(ids))
	for _, id := range ids {
		e, ok := s.docs[id]
		if !ok || !now.Before(e.expiresAt) {
			return nil, apperrors.NotFound("document", id)
		}
		docs = append(docs, e.doc)
	}
	return docs, nil
}

// Ready always succeeds.
func (s *MemoryStore) Ready(context.Context) error { return nil }
