package session

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
)

// ErrNotFound is returned when a chat has no session.
var ErrNotFound = errors.New("session: not found")

// Snapshotter persists the full store state. Save always receives the
// complete set of sessions, never a delta.
type Snapshotter interface {
	Load() (map[string]Session, error)
	Save(sessions map[string]Session) error
}

// Store is the in-memory session map. Each mutation runs atomically under the
// store lock and is followed by a synchronous snapshot to the Snapshotter.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
	version  uint64

	snapshotter Snapshotter
	snapMu      sync.Mutex
	written     uint64
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	Snapshotter Snapshotter // optional; defaults to no persistence
}

// NewStore creates a Store and restores any previously snapshotted sessions.
// A snapshot that cannot be read is logged and the store starts empty.
func NewStore(opts StoreOpts) *Store {
	s := &Store{
		sessions:    make(map[string]Session),
		snapshotter: opts.Snapshotter,
	}
	if s.snapshotter == nil {
		return s
	}
	restored, err := s.snapshotter.Load()
	if err != nil {
		log.Printf("session: restore snapshot: %v (starting empty)", err)
		return s
	}
	for id, sess := range restored {
		sess.ChatID = id
		s.sessions[id] = sess.Clone()
	}
	return s
}

// Get returns a copy of the session for chatID.
func (s *Store) Get(chatID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		return Session{}, false
	}
	return sess.Clone(), true
}

// Update applies fn to the session for chatID as one atomic step. A missing
// session is created in the browsing state before fn runs. If fn returns an
// error nothing is written. The updated session is returned.
func (s *Store) Update(chatID string, fn func(*Session) error) (Session, error) {
	s.mu.Lock()
	cur, ok := s.sessions[chatID]
	if !ok {
		cur = Session{ChatID: chatID, State: Browsing{}}
	}
	work := cur.Clone()
	if err := fn(&work); err != nil {
		s.mu.Unlock()
		return cur.Clone(), err
	}
	work.ChatID = chatID
	s.sessions[chatID] = work
	version, snap := s.markDirtyLocked()
	s.mu.Unlock()

	s.persist(version, snap)
	return work.Clone(), nil
}

// Remove deletes the session for chatID and returns it.
func (s *Store) Remove(chatID string) (Session, bool) {
	return s.RemoveIf(chatID, func(Session) bool { return true })
}

// RemoveIf deletes the session for chatID only when pred holds for its
// current value. The check and the delete happen under one lock, so a
// concurrent update that invalidates pred keeps the session alive.
func (s *Store) RemoveIf(chatID string, pred func(Session) bool) (Session, bool) {
	s.mu.Lock()
	cur, ok := s.sessions[chatID]
	if !ok || !pred(cur.Clone()) {
		s.mu.Unlock()
		return Session{}, false
	}
	delete(s.sessions, chatID)
	version, snap := s.markDirtyLocked()
	s.mu.Unlock()

	s.persist(version, snap)
	return cur, true
}

// All returns a consistent copy of every session, ordered by chat id.
func (s *Store) All() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Flush writes the current state regardless of pending versions.
func (s *Store) Flush() error {
	if s.snapshotter == nil {
		return nil
	}
	s.mu.Lock()
	version, snap := s.version, s.copyLocked()
	s.mu.Unlock()

	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if err := s.snapshotter.Save(snap); err != nil {
		return fmt.Errorf("session: flush: %w", err)
	}
	if version > s.written {
		s.written = version
	}
	return nil
}

// markDirtyLocked bumps the version and captures the state to persist.
// Callers must hold s.mu.
func (s *Store) markDirtyLocked() (uint64, map[string]Session) {
	s.version++
	if s.snapshotter == nil {
		return s.version, nil
	}
	return s.version, s.copyLocked()
}

func (s *Store) copyLocked() map[string]Session {
	snap := make(map[string]Session, len(s.sessions))
	for id, sess := range s.sessions {
		snap[id] = sess.Clone()
	}
	return snap
}

// persist writes snap unless a newer version already reached the
// snapshotter. Snapshots are serialized by snapMu.
func (s *Store) persist(version uint64, snap map[string]Session) {
	if s.snapshotter == nil {
		return
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if version <= s.written {
		return
	}
	if err := s.snapshotter.Save(snap); err != nil {
		log.Printf("session: snapshot v%d: %v", version, err)
		return
	}
	s.written = version
}
