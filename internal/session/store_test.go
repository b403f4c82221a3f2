package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memSnapshotter records every Save for inspection.
type memSnapshotter struct {
	mu      sync.Mutex
	loaded  map[string]Session
	loadErr error
	saves   []map[string]Session
	saveErr error
}

func (m *memSnapshotter) Load() (map[string]Session, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.loaded == nil {
		return map[string]Session{}, nil
	}
	return m.loaded, nil
}

func (m *memSnapshotter) Save(sessions map[string]Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves = append(m.saves, sessions)
	return nil
}

func (m *memSnapshotter) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func (m *memSnapshotter) last() map[string]Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[len(m.saves)-1]
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewStore_NilSnapshotter(t *testing.T) {
	s := NewStore(StoreOpts{})
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if _, err := s.Update("c1", func(*Session) error { return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestNewStore_RestoresSnapshot(t *testing.T) {
	snap := &memSnapshotter{loaded: map[string]Session{
		"c1": {UserName: "Ana", LastActivity: t0, State: Bound{Persona: "mia", MessageCount: 2, History: []string{"a", "b"}}},
	}}
	s := NewStore(StoreOpts{Snapshotter: snap})

	got, ok := s.Get("c1")
	if !ok {
		t.Fatal("expected restored session c1")
	}
	if got.ChatID != "c1" {
		t.Errorf("ChatID = %q, want c1", got.ChatID)
	}
	b, ok := got.State.(Bound)
	if !ok {
		t.Fatalf("State = %T, want Bound", got.State)
	}
	if b.MessageCount != 2 || len(b.History) != 2 {
		t.Errorf("restored bound = %+v", b)
	}
}

func TestNewStore_LoadErrorStartsEmpty(t *testing.T) {
	snap := &memSnapshotter{loadErr: errors.New("corrupt")}
	s := NewStore(StoreOpts{Snapshotter: snap})
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after load error", s.Len())
	}
}

func TestUpdate_CreatesBrowsingSession(t *testing.T) {
	s := NewStore(StoreOpts{})
	got, err := s.Update("c1", func(sess *Session) error {
		sess.Touch("Ana", t0)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	br, ok := got.State.(Browsing)
	if !ok {
		t.Fatalf("State = %T, want Browsing", got.State)
	}
	if br.Index != 0 {
		t.Errorf("Index = %d, want 0", br.Index)
	}
	if !got.LastActivity.Equal(t0) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, t0)
	}
}

func TestUpdate_ErrorLeavesStateUntouched(t *testing.T) {
	snap := &memSnapshotter{}
	s := NewStore(StoreOpts{Snapshotter: snap})
	s.Update("c1", func(sess *Session) error {
		sess.Bind("mia")
		return nil
	})
	saves := snap.saveCount()

	boom := errors.New("boom")
	_, err := s.Update("c1", func(sess *Session) error {
		sess.State = Browsing{Index: 3}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.Get("c1")
	if !got.IsBound() {
		t.Error("failed mutator must not change the session")
	}
	if snap.saveCount() != saves {
		t.Errorf("saves = %d, want %d (no snapshot on failed mutation)", snap.saveCount(), saves)
	}
}

func TestUpdate_SnapshotsAfterEveryMutation(t *testing.T) {
	snap := &memSnapshotter{}
	s := NewStore(StoreOpts{Snapshotter: snap})

	for i := 0; i < 3; i++ {
		s.Update(fmt.Sprintf("c%d", i), func(*Session) error { return nil })
	}
	if snap.saveCount() != 3 {
		t.Fatalf("saves = %d, want 3", snap.saveCount())
	}
	if len(snap.last()) != 3 {
		t.Errorf("last snapshot has %d sessions, want 3 (full state)", len(snap.last()))
	}
}

func TestGet_ReturnsIndependentCopy(t *testing.T) {
	s := NewStore(StoreOpts{})
	s.Update("c1", func(sess *Session) error {
		sess.State = Bound{Persona: "mia", History: []string{"hi"}}
		return nil
	})

	got, _ := s.Get("c1")
	b := got.State.(Bound)
	b.History[0] = "changed"

	again, _ := s.Get("c1")
	if again.State.(Bound).History[0] != "hi" {
		t.Error("mutating a returned session leaked into the store")
	}
}

func TestRemove(t *testing.T) {
	snap := &memSnapshotter{}
	s := NewStore(StoreOpts{Snapshotter: snap})
	s.Update("c1", func(*Session) error { return nil })
	s.Update("c2", func(*Session) error { return nil })

	removed, ok := s.Remove("c1")
	if !ok || removed.ChatID != "c1" {
		t.Fatalf("Remove(c1) = %+v, %v", removed, ok)
	}
	if _, ok := s.Get("c1"); ok {
		t.Error("c1 still present after Remove")
	}
	if _, ok := s.Get("c2"); !ok {
		t.Error("removing c1 must not affect c2")
	}
	if _, ok := snap.last()["c1"]; ok {
		t.Error("snapshot still contains removed session")
	}

	if _, ok := s.Remove("missing"); ok {
		t.Error("Remove(missing) reported success")
	}
}

func TestRemoveIf_PredicateFalseKeepsSession(t *testing.T) {
	s := NewStore(StoreOpts{})
	s.Update("c1", func(sess *Session) error {
		sess.Touch("", t0)
		return nil
	})

	_, ok := s.RemoveIf("c1", func(cur Session) bool { return cur.Expired(t0.Add(time.Minute), time.Hour) })
	if ok {
		t.Fatal("RemoveIf removed a session whose predicate was false")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestAll_SortedCopy(t *testing.T) {
	s := NewStore(StoreOpts{})
	for _, id := range []string{"c3", "c1", "c2"} {
		s.Update(id, func(*Session) error { return nil })
	}
	all := s.All()
	if len(all) != 3 {
		t.Fatalf("len(All()) = %d, want 3", len(all))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if all[i].ChatID != want {
			t.Errorf("All()[%d].ChatID = %q, want %q", i, all[i].ChatID, want)
		}
	}
}

func TestUpdate_ConcurrentSameChat(t *testing.T) {
	s := NewStore(StoreOpts{Snapshotter: &memSnapshotter{}})
	s.Update("c1", func(sess *Session) error {
		sess.Bind("mia")
		return nil
	})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update("c1", func(sess *Session) error {
				b := sess.State.(Bound)
				b.History = append(b.History, fmt.Sprintf("m%d", i))
				b.MessageCount++
				sess.State = b
				return nil
			})
		}(i)
	}
	wg.Wait()

	got, _ := s.Get("c1")
	b := got.State.(Bound)
	if b.MessageCount != n {
		t.Errorf("MessageCount = %d, want %d", b.MessageCount, n)
	}
	if len(b.History) != n {
		t.Errorf("len(History) = %d, want %d", len(b.History), n)
	}
}

func TestPersist_NeverWritesOlderState(t *testing.T) {
	snap := &memSnapshotter{}
	s := NewStore(StoreOpts{Snapshotter: snap})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update(fmt.Sprintf("c%02d", i), func(*Session) error { return nil })
		}(i)
	}
	wg.Wait()

	prev := 0
	snap.mu.Lock()
	defer snap.mu.Unlock()
	for i, saved := range snap.saves {
		if len(saved) < prev {
			t.Fatalf("save %d has %d sessions after a save with %d", i, len(saved), prev)
		}
		prev = len(saved)
	}
	if prev != 20 {
		t.Errorf("final snapshot has %d sessions, want 20", prev)
	}
}

func TestFlush(t *testing.T) {
	snap := &memSnapshotter{}
	s := NewStore(StoreOpts{Snapshotter: snap})
	s.Update("c1", func(*Session) error { return nil })

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if snap.saveCount() != 2 {
		t.Errorf("saves = %d, want 2", snap.saveCount())
	}

	snap.saveErr = errors.New("disk full")
	if err := s.Flush(); err == nil {
		t.Error("expected Flush to surface snapshot error")
	}
}
