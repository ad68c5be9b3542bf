package buffer

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the buffer in process. One mutex guards the whole map,
// which makes every read-concatenate-write a single critical section.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) UpsertAndExtend(_ context.Context, conversationID, fragment string, window time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[conversationID]
	if !ok {
		e = Entry{ConversationID: conversationID}
	}
	e.PendingText = appendText(e.PendingText, fragment)
	e.ExpiresAt = laterOf(e.ExpiresAt, now.Add(window))
	s.entries[conversationID] = e

	return e.ExpiresAt.Sub(now), nil
}

func (s *MemoryStore) ScanAll(_ context.Context) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, conversationID string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[conversationID]
	return e, ok, nil
}

func (s *MemoryStore) DeleteMany(_ context.Context, conversationIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range conversationIDs {
		delete(s.entries, id)
	}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, conversationIDs []string, now time.Time) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(conversationIDs))
	for _, id := range conversationIDs {
		e, ok := s.entries[id]
		if !ok || !e.Expired(now) {
			continue
		}
		delete(s.entries, id)
		out[id] = e
	}
	return out, nil
}

func (s *MemoryStore) Requeue(_ context.Context, conversationID, text string, attempts int, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[conversationID]
	if !ok {
		e = Entry{ConversationID: conversationID}
	}
	e.PendingText = appendText(text, e.PendingText)
	e.ExpiresAt = laterOf(e.ExpiresAt, now.Add(delay))
	if attempts > e.Attempts {
		e.Attempts = attempts
	}
	s.entries[conversationID] = e
	return nil
}
