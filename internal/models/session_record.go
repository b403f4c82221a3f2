// Package models defines the GORM models parlor persists.
package models

import "time"

// SessionRecord is one persisted chat session. A row holds exactly the
// session fields; Persona is empty while the chat is still browsing.
type SessionRecord struct {
	ChatID       string     `gorm:"primaryKey;size:128"`
	BrowseIndex  int        `gorm:"not null;default:0"`
	Persona      string     `gorm:"size:128;index"`
	MessageCount int        `gorm:"not null;default:0"`
	LastActivity *time.Time `gorm:"index"`           // nil when no activity was recorded
	History      string     `gorm:"type:mediumtext"` // JSON array of message texts
	UserName     string     `gorm:"size:128"`
	UpdatedAt    time.Time
}
