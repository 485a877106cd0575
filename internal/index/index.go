// Package index builds the read-only file index used in directory mode.
// The index is built once at backend startup and rebuilt only on explicit
// reindex; executed code sees it through injected helpers, never mutates it.
package index

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Entry describes one indexed file.
type Entry struct {
	Path string `json:"path"` // Relative to the index root, slash-separated.
	Size int64  `json:"size"`
	Type string `json:"type"` // File extension without the dot, or "file".
}

// Index is a snapshot of the files under one root directory.
// Reads are safe for concurrent use; Rebuild swaps the snapshot atomically.
type Index struct {
	root string

	mu      sync.RWMutex
	entries map[string]Entry
}

// skipDirs are directory names never indexed.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
}

// Build walks root and returns a populated Index.
func Build(root string) (*Index, error) {
	idx := &Index{root: root}
	if _, err := idx.Rebuild(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Rebuild rewalks the root and replaces the snapshot.
// Returns the number of indexed files.
func (idx *Index) Rebuild() (int, error) {
	entries := make(map[string]Entry)

	err := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(idx.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		entries[rel] = Entry{Path: rel, Size: info.Size(), Type: fileType(rel)}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking %s: %w", idx.root, err)
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()
	return len(entries), nil
}

func fileType(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "file"
	}
	return ext
}

// Count returns the number of indexed files.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// List returns the paths matching pattern (filepath.Match against the
// relative path, with "*" or "" matching everything), sorted.
func (idx *Index) List(pattern string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var paths []string
	for p := range idx.entries {
		if pattern == "" || pattern == "*" {
			paths = append(paths, p)
			continue
		}
		if ok, _ := filepath.Match(pattern, p); ok {
			paths = append(paths, p)
			continue
		}
		// Also match against the base name so "*.go" finds nested files.
		if ok, _ := filepath.Match(pattern, filepath.Base(p)); ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Lookup returns the entry for a relative path.
func (idx *Index) Lookup(path string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[path]
	return e, ok
}

// Read returns the content of an indexed file. Paths outside the index are
// rejected; this is the only way executed code reaches the filesystem.
func (idx *Index) Read(path string) (string, error) {
	if _, ok := idx.Lookup(path); !ok {
		return "", fmt.Errorf("file not indexed: %s", path)
	}
	data, err := os.ReadFile(filepath.Join(idx.root, filepath.FromSlash(path)))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// Summary renders a bounded listing of indexed files for prompt enrichment.
// At most limit entries are included, largest first.
func (idx *Index) Summary(limit int) string {
	idx.mu.RLock()
	entries := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		entries = append(entries, e)
	}
	idx.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Size != entries[j].Size {
			return entries[i].Size > entries[j].Size
		}
		return entries[i].Path < entries[j].Path
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d files indexed", len(entries))
	if len(entries) > limit {
		entries = entries[:limit]
		fmt.Fprintf(&b, " (showing %d largest)", limit)
	}
	b.WriteString(":\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "  %s (%d bytes)\n", e.Path, e.Size)
	}
	return b.String()
}
