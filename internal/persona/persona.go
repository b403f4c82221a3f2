// Package persona reads the persona catalog from disk. Each persona is a
// directory under the catalog root holding a profile image and optional
// config, Q&A, and media files.
package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnknownPersona is returned for a name that is not in the catalog.
var ErrUnknownPersona = errors.New("persona: unknown persona")

// Asset file names inside a persona directory.
const (
	ProfileFile = "profile.jpg"
	ConfigFile  = "config.json"
	QAFile      = "qa.json"
	MediaFile   = "media.json"
)

// DefaultTone and DefaultEmoji are used when config.json is missing or unreadable.
const (
	DefaultTone  = "friendly"
	DefaultEmoji = "😊"
)

// Config is a persona's presentation settings.
type Config struct {
	Tone   string   `json:"tone"`
	Emojis []string `json:"emojis"`
}

// QAPair is one scripted question and its answer.
type QAPair struct {
	Question string `json:"q"`
	Answer   string `json:"a"`
}

// MediaKind classifies a media file by extension.
type MediaKind int

const (
	MediaUnknown MediaKind = iota
	MediaPhoto
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	default:
		return "unknown"
	}
}

// MediaItem is one keyword-triggered file. Keywords are lowercased on load
// and Path is the file location resolved against the persona directory.
type MediaItem struct {
	Keywords []string `json:"keywords"`
	File     string   `json:"file"`
	Path     string   `json:"-"`
}

// Kind reports the media type of the item's file.
func (m MediaItem) Kind() MediaKind {
	return KindOf(m.File)
}

// HasKeyword reports whether word is one of the item's keywords.
func (m MediaItem) HasKeyword(word string) bool {
	for _, k := range m.Keywords {
		if k == word {
			return true
		}
	}
	return false
}

// KindOf maps a file name to its media kind.
func KindOf(file string) MediaKind {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".jpg", ".jpeg", ".png":
		return MediaPhoto
	case ".mp4", ".mov", ".webm":
		return MediaVideo
	default:
		return MediaUnknown
	}
}

// DirCatalog enumerates personas from a directory tree. Nothing is cached:
// every call reads the filesystem, so personas can be added or removed while
// the bot is running.
type DirCatalog struct {
	dir string
	max int
}

// NewDirCatalog returns a catalog rooted at dir listing at most max personas.
// A max of zero or less means no cap.
func NewDirCatalog(dir string, max int) (*DirCatalog, error) {
	if dir == "" {
		return nil, fmt.Errorf("persona: catalog dir is required")
	}
	return &DirCatalog{dir: dir, max: max}, nil
}

// Dir returns the catalog root.
func (c *DirCatalog) Dir() string {
	return c.dir
}

// List returns persona names in lexical order: every sub-directory that holds
// a profile image, capped at the configured maximum. An unreadable root
// yields an empty list.
func (c *DirCatalog) List() []string {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Printf("persona: read catalog %s: %v", c.dir, err)
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.dir, e.Name(), ProfileFile)); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if c.max > 0 && len(names) > c.max {
		names = names[:c.max]
	}
	return names
}

// Config returns the persona's config. A missing or malformed file, or one
// without emojis, falls back to the friendly defaults.
func (c *DirCatalog) Config(name string) Config {
	var cfg Config
	if err := c.readJSON(name, ConfigFile, &cfg); err != nil {
		return Config{Tone: DefaultTone, Emojis: []string{DefaultEmoji}}
	}
	if cfg.Tone == "" {
		cfg.Tone = DefaultTone
	}
	if len(cfg.Emojis) == 0 {
		cfg.Emojis = []string{DefaultEmoji}
	}
	return cfg
}

// QAPairs returns the persona's scripted pairs in file order, or nil when the
// file is missing or malformed.
func (c *DirCatalog) QAPairs(name string) []QAPair {
	var pairs []QAPair
	if err := c.readJSON(name, QAFile, &pairs); err != nil {
		return nil
	}
	return pairs
}

// MediaIndex returns the persona's media items in file order. Read failures
// are logged and yield no media.
func (c *DirCatalog) MediaIndex(name string) []MediaItem {
	var items []MediaItem
	if err := c.readJSON(name, MediaFile, &items); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("persona: media index for %s: %v", name, err)
		}
		return nil
	}
	for i := range items {
		for j, k := range items[i].Keywords {
			items[i].Keywords[j] = strings.ToLower(k)
		}
		items[i].Path = filepath.Join(c.dir, name, items[i].File)
	}
	return items
}

// ProfileImage returns the bytes of the persona's profile picture.
func (c *DirCatalog) ProfileImage(name string) ([]byte, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, name)
	}
	data, err := os.ReadFile(filepath.Join(c.dir, name, ProfileFile))
	if err != nil {
		return nil, fmt.Errorf("persona: profile for %s: %w", name, err)
	}
	return data, nil
}

// ReadMedia returns the bytes of a media item.
func (c *DirCatalog) ReadMedia(item MediaItem) ([]byte, error) {
	data, err := os.ReadFile(item.Path)
	if err != nil {
		return nil, fmt.Errorf("persona: read media %s: %w", item.File, err)
	}
	return data, nil
}

func (c *DirCatalog) readJSON(name, file string, v interface{}) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, name)
	}
	data, err := os.ReadFile(filepath.Join(c.dir, name, file))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	return nil
}

// validName rejects names that would escape the catalog root.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
