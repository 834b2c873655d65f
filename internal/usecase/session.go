package usecase

import (
	"context"
	"sync"
	"time"

	"alfred-ai/internal/domain"
)

// Session holds the append-only turn log for one SessionKey. It is never
// persisted to disk — SPEC_FULL.md scopes durable session storage out —
// and lives only as long as the process.
type Session struct {
	mu        sync.RWMutex
	Key       domain.SessionKey
	Turns     []domain.Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

func newSession(key domain.SessionKey) *Session {
	now := time.Now()
	return &Session{Key: key, CreatedAt: now, UpdatedAt: now}
}

// Append adds a turn to the log.
func (s *Session) Append(t domain.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns = append(s.Turns, t)
	s.UpdatedAt = time.Now()
}

// Window returns a copy of the last n turns (or all turns if n <= 0 or the
// log is shorter than n). This is the sliding-window context policy;
// SPEC_FULL.md explicitly scopes richer memory engines out of core scope.
func (s *Session) Window(n int) []domain.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n >= len(s.Turns) {
		cp := make([]domain.Turn, len(s.Turns))
		copy(cp, s.Turns)
		return cp
	}
	start := len(s.Turns) - n
	cp := make([]domain.Turn, n)
	copy(cp, s.Turns[start:])
	return cp
}

// TruncateTo keeps only the first n turns, used to discard a
// partially-streamed assistant turn when a chat.send is cancelled mid-round.
func (s *Session) TruncateTo(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < len(s.Turns) {
		s.Turns = s.Turns[:n]
		s.UpdatedAt = time.Now()
	}
}

// Len reports the current number of turns.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Turns)
}

// Store holds every active session, keyed by its SessionKey, and provides
// the per-key exclusive lock (see SessionLocker) that serializes concurrent
// chat.send calls against the same session.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locker   *SessionLocker
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		locker:   NewSessionLocker(),
	}
}

// GetOrCreate returns the session for key, creating it if absent.
func (st *Store) GetOrCreate(key domain.SessionKey) *Session {
	k := key.String()
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[k]; ok {
		return s
	}
	s := newSession(key)
	st.sessions[k] = s
	return s
}

// Get returns the session for key, or ErrSessionNotFound.
func (st *Store) Get(key domain.SessionKey) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[key.String()]
	if !ok {
		return nil, domain.NewDomainError("Store.Get", domain.ErrSessionNotFound, key.String())
	}
	return s, nil
}

// Delete removes a session.
func (st *Store) Delete(key domain.SessionKey) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, key.String())
}

// List returns every active session key.
func (st *Store) List() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	keys := make([]string, 0, len(st.sessions))
	for k := range st.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of active sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Lock acquires the exclusive per-session lock for key, returning an unlock
// function. It honors ctx cancellation: see SessionLocker.Lock.
func (st *Store) Lock(ctx context.Context, key domain.SessionKey) (func(), error) {
	return st.locker.Lock(ctx, key.String())
}
