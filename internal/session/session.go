// Package session holds per-chat conversation state and the concurrency-safe
// store that owns it.
package session

import "time"

// State is the phase a chat is in. It is either Browsing or Bound; the
// unexported marker method keeps the set closed.
type State interface {
	isState()
}

// Browsing is the pre-binding state: the user is paging through the persona
// catalog and Index is the card currently shown.
type Browsing struct {
	Index int
}

func (Browsing) isState() {}

// Bound is the state after the user picked a persona. MessageCount counts
// qualifying text messages and History keeps every message text, both since
// the binding.
type Bound struct {
	Persona      string
	MessageCount int
	History      []string
}

func (Bound) isState() {}

// Session is the state of a single chat.
type Session struct {
	ChatID       string
	UserName     string
	LastActivity time.Time
	State        State
}

// New returns a browsing session positioned on the first catalog card.
func New(chatID, userName string, now time.Time) Session {
	return Session{
		ChatID:       chatID,
		UserName:     userName,
		LastActivity: now,
		State:        Browsing{},
	}
}

// Touch refreshes the activity timestamp and display name. The timestamp
// never moves backwards and an empty name keeps the previous one.
func (s *Session) Touch(userName string, now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
	if userName != "" {
		s.UserName = userName
	}
}

// Bind replaces the state with a fresh binding to persona. Count and history
// always start over, even when persona is already bound.
func (s *Session) Bind(persona string) {
	s.State = Bound{Persona: persona}
}

// Persona returns the bound persona, if any.
func (s Session) Persona() (string, bool) {
	b, ok := s.State.(Bound)
	if !ok {
		return "", false
	}
	return b.Persona, true
}

// IsBound reports whether the chat has picked a persona.
func (s Session) IsBound() bool {
	_, ok := s.State.(Bound)
	return ok
}

// Clone returns a deep copy; the history slice is not shared.
func (s Session) Clone() Session {
	if b, ok := s.State.(Bound); ok {
		b.History = append([]string(nil), b.History...)
		s.State = b
	}
	if s.State == nil {
		s.State = Browsing{}
	}
	return s
}

// Expired reports whether the session has been idle longer than timeout.
// A session that never recorded activity is never expired.
func (s Session) Expired(now time.Time, timeout time.Duration) bool {
	if s.LastActivity.IsZero() {
		return false
	}
	return now.Sub(s.LastActivity) > timeout
}
