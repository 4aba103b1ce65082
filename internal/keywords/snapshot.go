package keywords

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type snapshotFile struct {
	Tick  uint64 `toml:"tick"`
	Terms []Term `toml:"term"`
}

// Save writes the set to path atomically.
func (s *Set) Save(path string) error {
	s.mu.RLock()
	snap := snapshotFile{Tick: s.tick}
	s.mu.RUnlock()
	snap.Terms = s.Terms()

	data, err := toml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode keyword snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keywords-*.toml")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write keyword snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close keyword snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace keyword snapshot: %w", err)
	}
	return nil
}

// Load merges a snapshot into the set. A missing file is not an error.
// Seed terms configured on the set stay pinned regardless of the snapshot.
func (s *Set) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read keyword snapshot: %w", err)
	}

	var snap snapshotFile
	if err := toml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode keyword snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Tick > s.tick {
		s.tick = snap.Tick
	}
	for _, t := range snap.Terms {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		key := strings.ToLower(text)
		if existing, ok := s.terms[key]; ok && existing.Pinned {
			existing.Count += t.Count
			continue
		}
		cp := t
		cp.Text = text
		cp.Pinned = false
		s.terms[key] = &cp
	}
	s.evictLocked()
	return nil
}
