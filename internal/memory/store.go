// Package memory stores per-user conversation history for the assistant.
//
// History is bounded by an [EvictionPolicy] and repaired on every read:
// a trailing assistant turn that requested tools but never received
// results is dropped, as are tool-result turns left at the head after
// eviction removed the request they answered.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/crm-assistant/internal/llm"
)

// DefaultLimit is the number of turns retained per user.
const DefaultLimit = 20

// Store is per-user conversation history. Implementations serialize
// operations on a single user's history; different users never contend.
type Store interface {
	// Get returns the user's repaired history, or an empty slice if the
	// user has none. A missing user is never an error.
	Get(ctx context.Context, userID string) ([]llm.Message, error)
	// Append adds one turn and applies the eviction policy.
	Append(ctx context.Context, userID string, turn llm.Message) error
	// Clear removes all history for the user.
	Clear(ctx context.Context, userID string) error
}

// EvictionPolicy trims a history that may have grown past its bound.
// It must only remove turns from the front.
type EvictionPolicy func(turns []llm.Message) []llm.Message

// KeepLast returns a policy that keeps the newest n turns.
func KeepLast(n int) EvictionPolicy {
	if n <= 0 {
		n = DefaultLimit
	}
	return func(turns []llm.Message) []llm.Message {
		if len(turns) <= n {
			return turns
		}
		return turns[len(turns)-n:]
	}
}

// Repair returns turns with corrupt edges removed and reports how many
// turns were dropped. A trailing assistant turn containing a tool_use
// block is dangling: its results never arrived. Leading turns made only
// of tool results reference requests that are no longer present.
func Repair(turns []llm.Message) ([]llm.Message, int) {
	lo, hi := repairBounds(turns)
	return turns[lo:hi], len(turns) - (hi - lo)
}

// repairBounds returns the half-open range of turns that survive repair.
func repairBounds(turns []llm.Message) (lo, hi int) {
	hi = len(turns)
	if hi > 0 {
		last := turns[hi-1]
		if last.Role == llm.RoleAssistant && last.HasToolUse() {
			hi--
		}
	}
	for lo < hi && turns[lo].OnlyToolResults() {
		lo++
	}
	return lo, hi
}

// userLocks hands out one mutex per user.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// MemoryStore keeps history in process memory for the life of the process.
type MemoryStore struct {
	locks  userLocks
	mu     sync.RWMutex
	turns  map[string][]llm.Message
	evict  EvictionPolicy
	logger *slog.Logger
}

// NewMemoryStore creates an in-memory store. A nil policy means
// KeepLast(DefaultLimit).
func NewMemoryStore(policy EvictionPolicy, logger *slog.Logger) *MemoryStore {
	if policy == nil {
		policy = KeepLast(DefaultLimit)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		turns:  make(map[string][]llm.Message),
		evict:  policy,
		logger: logger,
	}
}

// Get returns a repaired copy of the user's history. Repairs are
// written back so a dropped turn cannot resurface behind a later append.
func (s *MemoryStore) Get(_ context.Context, userID string) ([]llm.Message, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	s.mu.RLock()
	stored := s.turns[userID]
	s.mu.RUnlock()

	repaired, dropped := Repair(stored)
	if dropped > 0 {
		s.logger.Warn("dropped corrupt turns from history", "user", userID, "dropped", dropped)
		s.set(userID, repaired)
	}

	out := make([]llm.Message, len(repaired))
	copy(out, repaired)
	return out, nil
}

// Append adds a turn and evicts the oldest turns past the bound.
func (s *MemoryStore) Append(_ context.Context, userID string, turn llm.Message) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	s.mu.RLock()
	stored := s.turns[userID]
	s.mu.RUnlock()

	next := make([]llm.Message, 0, len(stored)+1)
	next = append(next, stored...)
	next = append(next, turn)
	s.set(userID, s.evict(next))
	return nil
}

// Clear removes all history for the user.
func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	s.mu.Lock()
	delete(s.turns, userID)
	s.mu.Unlock()
	return nil
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, t := range s.turns {
		total += len(t)
	}
	return map[string]any{
		"users": len(s.turns),
		"turns": total,
	}
}

func (s *MemoryStore) set(userID string, turns []llm.Message) {
	s.mu.Lock()
	s.turns[userID] = turns
	s.mu.Unlock()
}
