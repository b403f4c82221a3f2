package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/parlor/internal/models"
	"gorm.io/gorm"
)

// DBSnapshotter stores sessions as SessionRecord rows. Each Save replaces
// the whole table inside one transaction.
type DBSnapshotter struct {
	db *gorm.DB
}

// NewDBSnapshotter returns a snapshotter backed by db. The session_records
// table must already be migrated.
func NewDBSnapshotter(db *gorm.DB) (*DBSnapshotter, error) {
	if db == nil {
		return nil, fmt.Errorf("session: db snapshotter: db is required")
	}
	return &DBSnapshotter{db: db}, nil
}

// Load reads every row. An empty table yields no sessions.
func (d *DBSnapshotter) Load() (map[string]Session, error) {
	var rows []models.SessionRecord
	if err := d.db.Order("chat_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("session: load rows: %w", err)
	}

	out := make(map[string]Session, len(rows))
	for _, row := range rows {
		r := Record{
			Index:        row.BrowseIndex,
			Model:        row.Persona,
			MessageCount: row.MessageCount,
			UserName:     row.UserName,
		}
		if row.LastActivity != nil {
			r.LastActivity = row.LastActivity.UnixMilli()
		}
		if row.History != "" {
			if err := json.Unmarshal([]byte(row.History), &r.History); err != nil {
				return nil, fmt.Errorf("session: parse history for %s: %w", row.ChatID, err)
			}
		}
		out[row.ChatID] = FromRecord(row.ChatID, r)
	}
	return out, nil
}

// Save replaces all rows with sessions.
func (d *DBSnapshotter) Save(sessions map[string]Session) error {
	rows := make([]models.SessionRecord, 0, len(sessions))
	for id, s := range sessions {
		r := ToRecord(s)
		history, err := json.Marshal(r.History)
		if err != nil {
			return fmt.Errorf("session: marshal history for %s: %w", id, err)
		}
		row := models.SessionRecord{
			ChatID:       id,
			BrowseIndex:  r.Index,
			Persona:      r.Model,
			MessageCount: r.MessageCount,
			History:      string(history),
			UserName:     r.UserName,
		}
		if r.LastActivity > 0 {
			ts := time.UnixMilli(r.LastActivity)
			row.LastActivity = &ts
		}
		rows = append(rows, row)
	}

	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.SessionRecord{}).Error; err != nil {
			return fmt.Errorf("clear rows: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("insert rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: save snapshot: %w", err)
	}
	return nil
}
