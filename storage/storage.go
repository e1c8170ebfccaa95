// Package storage names and lists segment files. Segments are independent
// files under <root>/video; their order is the order of their names.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	VideoDir  = "video"
	Extension = ".mp4"

	nameLayout = "20060102-150405"
	// zero padded, name order is creation order
	suffixFormat = "%s_%03d%s"
)

// SegmentName formats the name of a segment that begins at t.
func SegmentName(t time.Time) string {
	return t.Format(nameLayout) + Extension
}

// ParseSegmentName returns the start time encoded in a segment name.
func ParseSegmentName(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, Extension) || len(name) < len(nameLayout)+len(Extension) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(nameLayout, name[:len(nameLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

type Segment struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	StartedAt time.Time `json:"started_at"`
}

type Store struct {
	root string
}

// New resolves root, a leading ~ is the user's home directory.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	if root == "~" || strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("fail to resolve home dir: %w", err)
		}
		root = filepath.Join(home, strings.TrimPrefix(root, "~"))
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fail to resolve storage root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Dir is the directory holding the segments.
func (s *Store) Dir() string {
	return filepath.Join(s.root, VideoDir)
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.Dir(), name)
}

// NextPath returns the path for a segment beginning at t. The name differs
// from previous and from every file already on disk; two segments started in
// the same second get a numeric suffix, _002 for the second one.
func (s *Store) NextPath(t time.Time, previous string) string {
	base := t.Format(nameLayout)
	path := s.Path(base + Extension)
	for i := 2; s.taken(path, previous); i++ {
		path = s.Path(fmt.Sprintf(suffixFormat, base, i, Extension))
	}
	return path
}

func (s *Store) taken(path, previous string) bool {
	if path == previous {
		return true
	}
	_, err := os.Stat(path)
	return err == nil
}

// List returns the segments on disk ordered by name.
func (s *Store) List() ([]Segment, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Segment{}, nil
		}
		return nil, fmt.Errorf("fail to read video dir: %w", err)
	}

	// ReadDir is sorted by filename already
	segments := make([]Segment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		started, ok := ParseSegmentName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed while listing
			continue
		}
		segments = append(segments, Segment{
			Name:      entry.Name(),
			Path:      s.Path(entry.Name()),
			Size:      info.Size(),
			StartedAt: started,
		})
	}
	return segments, nil
}
