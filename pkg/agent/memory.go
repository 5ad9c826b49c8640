package agent

import (
	"strings"
	"sync"
	"time"
)

// DefaultMemoryLimit caps the transcript kept for one session key.
const DefaultMemoryLimit = 200

type MemoryEntry struct {
	Role      string
	Content   string
	RequestID string
	At        time.Time
}

// Memory is a bounded, concurrency-safe transcript. Oldest entries are
// dropped first once the limit is reached.
type Memory struct {
	mu      sync.RWMutex
	limit   int
	entries []MemoryEntry
}

func NewMemory() *Memory {
	return NewMemoryWithLimit(DefaultMemoryLimit)
}

func NewMemoryWithLimit(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Memory{limit: limit}
}

func (m *Memory) Append(role, content, requestID string) {
	role = strings.TrimSpace(role)
	content = strings.TrimSpace(content)
	if role == "" || content == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, MemoryEntry{
		Role:      role,
		Content:   content,
		RequestID: strings.TrimSpace(requestID),
		At:        time.Now().UTC(),
	})
	if overflow := len(m.entries) - m.limit; overflow > 0 {
		m.entries = append([]MemoryEntry(nil), m.entries[overflow:]...)
	}
}

func (m *Memory) List() []MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil
	}

	out := make([]MemoryEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
}
