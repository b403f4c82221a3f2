package session

import "time"

// Record is the persisted shape of a session: a flat keyed structure that
// stays compatible with the sessions.json files written by earlier versions
// of the bot. LastActivity is Unix milliseconds, 0 meaning never.
type Record struct {
	Index        int      `json:"index"`
	Model        string   `json:"model,omitempty"`
	MessageCount int      `json:"messageCount"`
	LastActivity int64    `json:"lastActivity"`
	History      []string `json:"history"`
	UserName     string   `json:"userName"`
}

// ToRecord flattens a session for persistence.
func ToRecord(s Session) Record {
	r := Record{
		UserName: s.UserName,
		History:  []string{},
	}
	if !s.LastActivity.IsZero() {
		r.LastActivity = s.LastActivity.UnixMilli()
	}
	switch st := s.State.(type) {
	case Bound:
		r.Model = st.Persona
		r.MessageCount = st.MessageCount
		r.History = append(r.History, st.History...)
	case Browsing:
		r.Index = st.Index
	}
	return r
}

// FromRecord rebuilds a session from its persisted form. A record naming a
// model is bound; anything else is browsing.
func FromRecord(chatID string, r Record) Session {
	s := Session{
		ChatID:   chatID,
		UserName: r.UserName,
	}
	if r.LastActivity > 0 {
		s.LastActivity = time.UnixMilli(r.LastActivity)
	}
	if r.Model != "" {
		s.State = Bound{
			Persona:      r.Model,
			MessageCount: r.MessageCount,
			History:      append([]string(nil), r.History...),
		}
	} else {
		s.State = Browsing{Index: r.Index}
	}
	return s
}
