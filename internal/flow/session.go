// Session store: owns the chatId -> Session map, per-chat mutual exclusion
// and inactivity reaping.
package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/finteca/cobraflow/internal/models"
)

// DefaultReapInterval is how often the background reaper scans for inactive
// sessions.
const DefaultReapInterval = 5 * time.Minute

// SessionStore holds every active Session keyed by chat id. All mutation of
// a session must happen inside WithLock for that chat: dispatches for the
// same chat may arrive concurrently (duplicate webhook delivery) and must be
// serialized end-to-end, including auto-advance chains.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	// locks carries one mutex per chat id ever seen. Entries are kept for
	// the store's lifetime so two goroutines can never hold different
	// mutexes for the same chat.
	locks map[string]*sync.Mutex

	reapDone chan struct{}
	reapOnce sync.Once
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	slog.Debug("Creating SessionStore")
	return &SessionStore{
		sessions: make(map[string]*models.Session),
		locks:    make(map[string]*sync.Mutex),
		reapDone: make(chan struct{}),
	}
}

// lockFor returns the per-chat mutex, creating it on first use.
func (s *SessionStore) lockFor(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

// WithLock runs fn while holding the chat's dispatch lock. The entire
// dispatch chain for a chat, auto-advance included, runs inside one
// acquisition so a concurrent resume cannot interleave.
func (s *SessionStore) WithLock(chatID string, fn func()) {
	l := s.lockFor(chatID)
	l.Lock()
	defer l.Unlock()
	fn()
}

// Get returns the session for a chat, or nil. Callers mutating the result
// must hold the chat lock.
func (s *SessionStore) Get(chatID string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[chatID]
}

// Put stores a session under its chat id, replacing any existing one.
func (s *SessionStore) Put(sess *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ChatID] = sess
}

// Delete removes the session for a chat.
func (s *SessionStore) Delete(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
}

// Has reports whether a session exists for the chat.
func (s *SessionStore) Has(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[chatID]
	return ok
}

// Count returns the number of active sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Reap removes sessions idle longer than maxInactivity. It acquires each
// chat's dispatch lock before deleting so it never races a live dispatch.
// No user notification is sent; this is memory-bound GC, not flow logic.
func (s *SessionStore) Reap(maxInactivity time.Duration) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	cutoff := time.Now().Add(-maxInactivity)
	removed := 0
	for _, id := range ids {
		s.WithLock(id, func() {
			sess := s.Get(id)
			if sess == nil || sess.LastActivityAt.After(cutoff) {
				return
			}
			s.Delete(id)
			removed++
			slog.Info("SessionStore reaped inactive session", "chatID", id, "lastActivity", sess.LastActivityAt)
		})
	}
	if removed > 0 {
		slog.Info("SessionStore reap complete", "removed", removed, "maxInactivity", maxInactivity)
	}
	return removed
}

// StartReaper launches the background reap loop. Stop shuts it down.
func (s *SessionStore) StartReaper(interval, maxInactivity time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	slog.Info("SessionStore reaper starting", "interval", interval, "maxInactivity", maxInactivity)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Reap(maxInactivity)
			case <-s.reapDone:
				slog.Debug("SessionStore reaper stopped")
				return
			}
		}
	}()
}

// Stop terminates the background reaper, if running.
func (s *SessionStore) Stop() {
	s.reapOnce.Do(func() { close(s.reapDone) })
}
