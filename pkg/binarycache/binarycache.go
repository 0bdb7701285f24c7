// Package binarycache manages the on-disk store of collector binaries. Each
// version lives in its own directory; updates are single-writer with atomic
// temp-then-rename, reads are lock-free.
package binarycache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sentinelops/scp/pkg/audit"
	"github.com/sentinelops/scp/pkg/types"
)

// ErrEmpty is returned when the cache holds no usable binary
var ErrEmpty = errors.New("binary cache is empty")

// Entry describes one cached binary version
type Entry struct {
	Version  string
	Path     string
	Size     int64
	Modified time.Time
}

// Cache is the per-version binary store
type Cache struct {
	dir        string
	binaryName string
	audit      *audit.Recorder

	mu sync.Mutex // serializes writers; readers go straight to disk
}

// New creates a cache rooted at dir, storing binaries under the given file name
func New(dir, binaryName string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, binaryName: binaryName}, nil
}

// SetRecorder attaches an audit recorder; subsequent Puts are audited
func (c *Cache) SetRecorder(rec *audit.Recorder) {
	c.audit = rec
}

// Put stores binary bytes under a version directory. The write goes to a
// temp file in the same directory and is renamed into place, so a concurrent
// Latest never observes a partial binary.
func (c *Cache) Put(version string, content []byte) (*Entry, error) {
	if version == "" {
		return nil, fmt.Errorf("version must not be empty")
	}
	if _, err := parseVersion(version); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	versionDir := filepath.Join(c.dir, version)
	if err := os.MkdirAll(versionDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create version directory: %w", err)
	}

	tmp, err := os.CreateTemp(versionDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, err
	}

	final := filepath.Join(versionDir, c.binaryName)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to publish binary: %w", err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return nil, err
	}

	if c.audit != nil {
		c.audit.Record("", types.AuditBinaryCacheUpdate, map[string]any{
			"version": version,
			"size":    info.Size(),
		})
	}
	return &Entry{Version: version, Path: final, Size: info.Size(), Modified: info.ModTime()}, nil
}

// Latest returns the highest cached version. Versions compare numerically
// component-wise; an unparseable tie breaks to the newest modification time.
func (c *Cache) Latest() (*Entry, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmpty
	}

	best := entries[0]
	for _, e := range entries[1:] {
		switch compareVersions(e.Version, best.Version) {
		case 1:
			best = e
		case 0:
			if e.Modified.After(best.Modified) {
				best = e
			}
		}
	}
	return best, nil
}

// List returns all cached versions
func (c *Cache) List() ([]*Entry, error) {
	dirs, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var entries []*Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, d.Name(), c.binaryName)
		info, err := os.Stat(path)
		if err != nil {
			continue // version directory without a published binary
		}
		entries = append(entries, &Entry{
			Version:  d.Name(),
			Path:     path,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	return entries, nil
}

// Read returns the binary bytes of the given entry
func (c *Cache) Read(e *Entry) ([]byte, error) {
	return os.ReadFile(e.Path)
}

func parseVersion(v string) ([]int, error) {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q", v)
		}
		nums = append(nums, n)
	}
	return nums, nil
}

// compareVersions returns -1, 0 or 1. Unparseable versions compare as zero.
func compareVersions(a, b string) int {
	av, aerr := parseVersion(a)
	bv, berr := parseVersion(b)
	if aerr != nil || berr != nil {
		return 0
	}
	for i := 0; i < len(av) || i < len(bv); i++ {
		x, y := 0, 0
		if i < len(av) {
			x = av[i]
		}
		if i < len(bv) {
			y = bv[i]
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	return 0
}
