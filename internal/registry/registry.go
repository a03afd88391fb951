// Package registry stores immutable, digest-verified model snapshots on disk.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fractal-lba/orion/internal/model"
	"github.com/fractal-lba/orion/internal/model/additive"
	"github.com/fractal-lba/orion/internal/model/sarima"
	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("snapshot not found")
	ErrDigestMismatch = errors.New("snapshot digest mismatch")
)

// Record describes one saved snapshot.
type Record struct {
	ID        string     `json:"id"`
	Kind      model.Kind `json:"model_type"`
	Entity    string     `json:"entity,omitempty"`
	Digest    string     `json:"sha256"`
	Path      string     `json:"path"`
	CreatedAt time.Time  `json:"created_at"`
}

// Registry manages snapshot files under a directory, one subdirectory per
// model kind. Files are written read-only and never overwritten.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	records map[string]*Record
}

// New opens a registry, indexing any snapshots already in dir.
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry dir: %w", err)
	}
	r := &Registry{dir: dir, records: make(map[string]*Record)}
	if err := r.index(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) index() error {
	paths, err := filepath.Glob(filepath.Join(r.dir, "*", "*.json"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var snap model.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.Printf("registry: skipping unreadable %s: %v", path, err)
			continue
		}
		want, err := os.ReadFile(path + ".sha256")
		if err != nil {
			log.Printf("registry: skipping %s without digest: %v", path, err)
			continue
		}
		r.records[snap.ID] = &Record{
			ID:        snap.ID,
			Kind:      snap.Kind,
			Entity:    snap.Entity,
			Digest:    strings.TrimSpace(string(want)),
			Path:      path,
			CreatedAt: snap.CreatedAt,
		}
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save writes snap and its digest. An empty snapshot ID is assigned.
func (r *Registry) Save(snap *model.Snapshot) (*Record, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[snap.ID]; exists {
		return nil, fmt.Errorf("snapshot %s already registered", snap.ID)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	sum := digest(data)

	kindDir := filepath.Join(r.dir, strings.ToLower(string(snap.Kind)))
	if err := os.MkdirAll(kindDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(kindDir, fmt.Sprintf("%s-%s.json", snap.ID, sum[:8]))
	if err := os.WriteFile(path, data, 0444); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.WriteFile(path+".sha256", []byte(sum+"\n"), 0444); err != nil {
		return nil, fmt.Errorf("failed to write digest: %w", err)
	}

	rec := &Record{
		ID:        snap.ID,
		Kind:      snap.Kind,
		Entity:    snap.Entity,
		Digest:    sum,
		Path:      path,
		CreatedAt: snap.CreatedAt,
	}
	r.records[snap.ID] = rec
	log.Printf("registry: saved %s snapshot %s (sha256=%s)", snap.Kind, snap.ID, sum[:8])
	return rec, nil
}

// Load reads a snapshot and verifies its digest.
func (r *Registry) Load(id string) (*model.Snapshot, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if got := digest(data); got != rec.Digest {
		return nil, fmt.Errorf("%w: %s has %s, want %s", ErrDigestMismatch, id, got[:8], rec.Digest[:8])
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// List returns records newest first.
func (r *Registry) List() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Latest returns the newest snapshot of kind for entity.
func (r *Registry) Latest(entity string, kind model.Kind) (*Record, bool) {
	for _, rec := range r.List() {
		if rec.Entity == entity && rec.Kind == kind {
			return rec, true
		}
	}
	return nil, false
}

// Restore rebuilds a predict-capable model from a snapshot.
func Restore(snap *model.Snapshot) (model.Model, error) {
	switch snap.Kind {
	case model.KindSARIMA:
		return sarima.FromSnapshot(snap)
	case model.KindAdditive:
		return additive.FromSnapshot(snap)
	}
	return nil, fmt.Errorf("snapshots of %s models are not restorable", snap.Kind)
}
