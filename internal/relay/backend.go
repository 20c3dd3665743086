package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

// Backend persists records. Implementations: MemoryBackend and repo.RecordRepo.
type Backend interface {
	Get(ctx context.Context, path string) (model.Record, bool, error)
	// Create stores rec only if nothing exists at rec.Path; otherwise remote.ErrAlreadyExists.
	Create(ctx context.Context, rec model.Record) error
	// Put stores rec, replacing any existing data but keeping CreatedAt.
	Put(ctx context.Context, rec model.Record) error
	// Merge writes top-level fields into the record at path, creating it if absent.
	Merge(ctx context.Context, path string, fields map[string]json.RawMessage, now time.Time) (model.Record, error)
	// List returns the direct children of parent ordered by key.
	List(ctx context.Context, parent string) ([]model.Record, error)
}

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]model.Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]model.Record)}
}

func (b *MemoryBackend) Get(_ context.Context, path string) (model.Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[path]
	return rec, ok, nil
}

func (b *MemoryBackend) Create(_ context.Context, rec model.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[rec.Path]; ok {
		return remote.ErrAlreadyExists
	}
	b.records[rec.Path] = rec
	return nil
}

func (b *MemoryBackend) Put(_ context.Context, rec model.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.records[rec.Path]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	b.records[rec.Path] = rec
	return nil
}

func (b *MemoryBackend) Merge(_ context.Context, path string, fields map[string]json.RawMessage, now time.Time) (model.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[path]
	merged := map[string]json.RawMessage{}
	if ok {
		existing, err := remote.DecodeObject(rec.Data)
		if err != nil {
			return model.Record{}, err
		}
		merged = existing
	} else {
		parent, key := remote.Split(path)
		rec = model.Record{Path: path, Parent: parent, Key: key, CreatedAt: now}
	}
	for k, v := range fields {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return model.Record{}, err
	}
	rec.Data = data
	rec.UpdatedAt = now
	b.records[path] = rec
	return rec, nil
}

func (b *MemoryBackend) List(_ context.Context, parent string) ([]model.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.Record
	for _, rec := range b.records {
		if rec.Parent == parent {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
