package rentwheel

import "sync"

// ============================================================================
// Message Store
// ============================================================================

// MessageStore is the ordered, id-keyed message list of one open
// conversation. Entries keep the position they were placed at; nothing is
// ever re-sorted. At most one entry exists per MessageID.
type MessageStore struct {
	mu      sync.RWMutex
	entries []Message
	index   map[MessageID]int
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{index: make(map[MessageID]int)}
}

// Hydrate replaces the whole contents with snapshot, dropping any duplicate
// ids after their first occurrence.
func (s *MessageStore) Hydrate(snapshot []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]Message, 0, len(snapshot))
	s.index = make(map[MessageID]int, len(snapshot))
	for _, m := range snapshot {
		if _, ok := s.index[m.ID]; ok {
			continue
		}
		s.index[m.ID] = len(s.entries)
		s.entries = append(s.entries, m)
	}
}

// Append adds m at the end. It is a no-op returning false when an entry with
// the same id exists.
func (s *MessageStore) Append(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[m.ID]; ok {
		return false
	}
	s.index[m.ID] = len(s.entries)
	s.entries = append(s.entries, m)
	return true
}

// Replace swaps the entry identified by old for m, keeping its position. When
// m.ID already sits elsewhere in the list that other copy is dropped, so the
// list never holds two entries for one id. Returns false when old is absent.
func (s *MessageStore) Replace(old MessageID, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[old]
	if !ok {
		return false
	}
	if dup, exists := s.index[m.ID]; exists && dup != pos {
		s.removeAt(dup)
		pos = s.index[old]
	}
	delete(s.index, old)
	s.entries[pos] = m
	s.index[m.ID] = pos
	return true
}

// Remove deletes the entry for id. Returns false when absent.
func (s *MessageStore) Remove(id MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.removeAt(pos)
	return true
}

// removeAt must be called with mu held.
func (s *MessageStore) removeAt(pos int) {
	delete(s.index, s.entries[pos].ID)
	s.entries = append(s.entries[:pos], s.entries[pos+1:]...)
	for i := pos; i < len(s.entries); i++ {
		s.index[s.entries[i].ID] = i
	}
}

// Snapshot returns a copy of the list in display order.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns the entry for id.
func (s *MessageStore) Get(id MessageID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.entries[pos], true
}

// IndexOf returns the position of id, or -1.
func (s *MessageStore) IndexOf(id MessageID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.index[id]; ok {
		return pos
	}
	return -1
}

// Contains reports whether an entry for id exists.
func (s *MessageStore) Contains(id MessageID) bool {
	return s.IndexOf(id) >= 0
}
