package saga

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists saga records. Writes are atomic per saga.
type Store interface {
	// Save upserts rec. An empty ID is assigned by the store. Version is bumped.
	Save(ctx context.Context, rec *Record) error
	// Update overwrites an existing record whose Version matches the stored
	// one. It returns ErrNotFound or ErrConflict. Version is bumped.
	Update(ctx context.Context, rec *Record) error
	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, id string) (*Record, error)
}

// StaleLister finds sagas that have not moved since updatedBefore.
type StaleLister interface {
	ListStale(ctx context.Context, statuses []Status, updatedBefore time.Time, limit int) ([]*Record, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := copyRecord(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := m.now().UTC()
	if existing, ok := m.records[cp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
		cp.Version = existing.Version + 1
	} else {
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.Version = rec.Version + 1
	}
	cp.UpdatedAt = now
	m.records[cp.ID] = cp

	rec.ID = cp.ID
	rec.Version = cp.Version
	rec.CreatedAt = cp.CreatedAt
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := copyRecord(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[cp.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != cp.Version {
		return ErrConflict
	}
	cp.CreatedAt = existing.CreatedAt
	cp.Version = existing.Version + 1
	cp.UpdatedAt = m.now().UTC()
	m.records[cp.ID] = cp

	rec.Version = cp.Version
	rec.CreatedAt = cp.CreatedAt
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec)
}

func (m *MemoryStore) ListStale(ctx context.Context, statuses []Status, updatedBefore time.Time, limit int) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}

	m.mu.RLock()
	var out []*Record
	for _, rec := range m.records {
		if _, ok := want[rec.Status]; !ok {
			continue
		}
		if !rec.UpdatedAt.Before(updatedBefore) {
			continue
		}
		cp, err := copyRecord(rec)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		out = append(out, cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// copyRecord detaches the data map so callers cannot mutate stored state.
func copyRecord(rec *Record) (*Record, error) {
	cp := *rec
	if rec.Data != nil {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return nil, err
		}
		data, err := DecodeData(raw)
		if err != nil {
			return nil, err
		}
		cp.Data = data
	}
	return &cp, nil
}
