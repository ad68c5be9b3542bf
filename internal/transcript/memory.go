package transcript

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	records    map[string][]Record
	followedUp map[string]bool
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string][]Record),
		followedUp: make(map[string]bool),
		now:        time.Now,
	}
}

// SetClock overrides the timestamp source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Append(_ context.Context, conversationID string, role Role, content string) (Record, error) {
	rec := Record{ConversationID: conversationID, Role: role, Content: content}
	if err := validate(rec); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(rec), nil
}

func (m *MemoryStore) AppendMany(_ context.Context, records []Record) ([]Record, error) {
	for _, rec := range records {
		if err := validate(rec); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, m.appendLocked(rec))
	}
	return out, nil
}

func (m *MemoryStore) appendLocked(rec Record) Record {
	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = m.now()
	m.records[rec.ConversationID] = append(m.records[rec.ConversationID], rec)
	return rec
}

func (m *MemoryStore) Recent(_ context.Context, conversationID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.records[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	out := make([]Record, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

func (m *MemoryStore) StaleConversations(_ context.Context, from, to time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, recs := range m.records {
		if len(recs) == 0 || m.followedUp[id] {
			continue
		}
		last := recs[len(recs)-1]
		if last.Role != RoleAssistant || last.CreatedAt.Before(from) || last.CreatedAt.After(to) {
			continue
		}
		if hasRole(recs, RoleFunctionCall) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) MarkFollowedUp(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followedUp[conversationID] = true
	return nil
}

func hasRole(recs []Record, role Role) bool {
	for _, r := range recs {
		if r.Role == role {
			return true
		}
	}
	return false
}
