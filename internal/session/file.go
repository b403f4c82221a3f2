package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileSnapshotter stores all sessions in one JSON object keyed by chat id.
type FileSnapshotter struct {
	path string
}

// NewFileSnapshotter returns a snapshotter writing to path.
func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{path: path}
}

// Path returns the snapshot file location.
func (f *FileSnapshotter) Path() string {
	return f.path
}

// Load reads the snapshot. A missing or empty file yields no sessions.
func (f *FileSnapshotter) Load() (map[string]Session, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]Session{}, nil
	}

	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("session: parse %s: %w", f.path, err)
	}

	out := make(map[string]Session, len(records))
	for id, r := range records {
		out[id] = FromRecord(id, r)
	}
	return out, nil
}

// Save writes every session atomically via a temp file and rename.
func (f *FileSnapshotter) Save(sessions map[string]Session) error {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("session: create snapshot dir: %w", err)
		}
	}

	records := make(map[string]Record, len(sessions))
	for id, s := range sessions {
		records[id] = ToRecord(s)
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: replace snapshot: %w", err)
	}
	return nil
}
