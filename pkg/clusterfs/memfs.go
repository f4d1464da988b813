package clusterfs

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemFS is an in-memory FileSystem for tests and local runs.
type MemFS struct {
	mu    sync.RWMutex
	files map[string]FileStatus
}

// NewMemFS creates an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]FileStatus)}
}

// Add records a file. Parent directories are implied.
func (m *MemFS) Add(p string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path.Clean(p)] = FileStatus{
		Path:    path.Clean(p),
		Size:    size,
		ModTime: time.Now(),
	}
}

// URI returns an empty base URI; MemFS paths are already fully qualified.
func (m *MemFS) URI() string {
	return ""
}

// Exists reports whether p exists as a file or as a prefix of one.
func (m *MemFS) Exists(p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p = path.Clean(p)
	if _, ok := m.files[p]; ok {
		return true, nil
	}
	for f := range m.files {
		if strings.HasPrefix(f, p+"/") {
			return true, nil
		}
	}
	return false, nil
}

// ListStatus lists the direct children of dir.
func (m *MemFS) ListStatus(dir string) ([]FileStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir = path.Clean(dir)
	var statuses []FileStatus
	for f, st := range m.files {
		if path.Dir(f) == dir {
			statuses = append(statuses, st)
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Path < statuses[j].Path })
	return statuses, nil
}
