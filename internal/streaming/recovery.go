package streaming

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

// RecoveryRecord holds the partial output of one interrupted stream.
type RecoveryRecord struct {
	ID        string
	Provider  string
	Messages  []types.Message
	Options   map[string]any
	CreatedAt time.Time

	mu     sync.RWMutex
	chunks []*types.StreamChunk
}

// RecoveryStore maps recovery ids to append-only chunk logs. It is bounded:
// when MaxEntries is exceeded the least recently used record is evicted.
type RecoveryStore struct {
	mu         sync.Mutex
	records    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
}

// NewRecoveryStore creates a store capped at maxEntries records, each living
// at most ttl. Zero values select the defaults (10000 entries, 30 minutes).
func NewRecoveryStore(maxEntries int, ttl time.Duration) *RecoveryStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RecoveryStore{
		records:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// InitRecovery registers a new stream and returns its recovery id. Ids are
// unique even for identical inputs.
func (s *RecoveryStore) InitRecovery(provider string, messages []types.Message, options map[string]any) string {
	rec := &RecoveryRecord{
		ID:        uuid.NewString(),
		Provider:  provider,
		Messages:  messages,
		Options:   options,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = s.order.PushFront(rec)
	for s.order.Len() > s.maxEntries {
		s.evictOldestLocked()
	}
	return rec.ID
}

// RecordChunk appends a chunk to the record's log. Nil and empty chunks are
// silently ignored, as are unknown ids.
func (s *RecoveryStore) RecordChunk(id string, chunk *types.StreamChunk) {
	if chunk == nil || (chunk.Content == "" && chunk.FinishReason == "") {
		return
	}
	rec := s.touch(id)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	rec.chunks = append(rec.chunks, chunk)
	rec.mu.Unlock()
}

// GetPartialResponse returns the recorded chunks in insertion order, or a
// not_found error for unknown or expired ids.
func (s *RecoveryStore) GetPartialResponse(id string) ([]*types.StreamChunk, error) {
	rec := s.touch(id)
	if rec == nil {
		return nil, llmerrors.NewNotFound("recovery id " + id)
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	out := make([]*types.StreamChunk, len(rec.chunks))
	copy(out, rec.chunks)
	return out, nil
}

// ClearPartialResponse removes the record for id.
func (s *RecoveryStore) ClearPartialResponse(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.records[id]; ok {
		s.order.Remove(el)
		delete(s.records, id)
	}
}

// Len returns the number of live records.
func (s *RecoveryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// touch returns the record for id and marks it recently used, expiring it if
// its TTL has lapsed.
func (s *RecoveryStore) touch(id string) *RecoveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.records[id]
	if !ok {
		return nil
	}
	rec := el.Value.(*RecoveryRecord)
	if time.Since(rec.CreatedAt) > s.ttl {
		s.order.Remove(el)
		delete(s.records, id)
		return nil
	}
	s.order.MoveToFront(el)
	return rec
}

func (s *RecoveryStore) evictOldestLocked() {
	back := s.order.Back()
	if back == nil {
		return
	}
	rec := back.Value.(*RecoveryRecord)
	s.order.Remove(back)
	delete(s.records, rec.ID)
}
