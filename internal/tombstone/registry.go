// Package tombstone keeps the durable set of permanently deleted cards.
//
// Entries are base ids and outlive every session. Nothing prunes them; Reset
// exists for test isolation and the CLI.
package tombstone

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cardsync/internal/cardid"
)

type fileFormat struct {
	Version int      `json:"version"`
	Deleted []string `json:"deleted"`
}

const fileVersion = 1

// Registry is safe for concurrent use. IsDeleted answers from memory so the
// hydration path never touches the disk.
type Registry struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	deleted map[string]struct{}
	dirty   bool
}

// New returns an empty registry backed by path. Call Load to read existing entries.
func New(path string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		path:    path,
		logger:  logger.Named("tombstone"),
		deleted: make(map[string]struct{}),
	}
}

// Open creates a registry and loads it.
func Open(path string, logger *zap.Logger) (*Registry, error) {
	r := New(path, logger)
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Path() string { return r.path }

// Load replaces the in-memory set with the file contents. A missing file is
// an empty set. The legacy form, a bare JSON array of ids, is accepted.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.deleted = make(map[string]struct{})
			r.dirty = false
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read tombstones: %w", err)
	}

	var ids []string
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err == nil {
		ids = ff.Deleted
	} else if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("parse tombstones: %w", err)
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if base := cardid.BaseID(id); cardid.ValidBase(base) {
			set[base] = struct{}{}
		}
	}

	r.mu.Lock()
	r.deleted = set
	r.dirty = false
	r.mu.Unlock()
	r.logger.Debug("tombstones loaded", zap.Int("count", len(set)))
	return nil
}

// MarkDeleted normalizes id to its base, records it and persists the whole
// set. When persisting fails the entry is still honored in memory and the
// registry stays dirty until a later Flush succeeds.
func (r *Registry) MarkDeleted(id string) error {
	base := cardid.BaseID(id)
	if base == "" {
		return nil
	}
	if !cardid.ValidBase(base) {
		return fmt.Errorf("invalid card id %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deleted[base]; ok && !r.dirty {
		return nil
	}
	r.deleted[base] = struct{}{}
	r.dirty = true
	return r.flushLocked()
}

// IsDeleted reports whether id's base has been permanently deleted.
func (r *Registry) IsDeleted(id string) bool {
	base := cardid.BaseID(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.deleted[base]
	return ok
}

// List returns the tombstoned bases in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.deleted)
}

func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// Flush persists the set if an earlier write failed. It is a no-op otherwise.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	return r.flushLocked()
}

// Reset clears every entry and persists the empty set.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = make(map[string]struct{})
	r.dirty = true
	return r.flushLocked()
}

func (r *Registry) sortedLocked() []string {
	out := make([]string, 0, len(r.deleted))
	for id := range r.deleted {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create tombstone dir: %w", err)
	}
	data, err := json.MarshalIndent(fileFormat{Version: fileVersion, Deleted: r.sortedLocked()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tombstones: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".tombstones-*")
	if err != nil {
		return fmt.Errorf("create temp tombstones: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write tombstones: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close tombstones: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace tombstones: %w", err)
	}
	r.dirty = false
	return nil
}
