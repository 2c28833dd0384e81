package audit

import (
	"context"
	"sync"
)

// MemoryJournal keeps entries in process memory. Used when the orchestrator
// runs without a database.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []*Entry
	nextID  int64
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Log(_ context.Context, e *Entry) error {
	if e == nil {
		return nil
	}
	cp := *e
	m.mu.Lock()
	m.nextID++
	cp.ID = m.nextID
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) Query(_ context.Context, filter *QueryFilter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit, offset := 100, 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		offset = filter.Offset
	}

	var out []*Entry
	skipped := 0
	for _, e := range m.entries {
		if filter != nil {
			if filter.SagaID != "" && e.SagaID != filter.SagaID {
				continue
			}
			if filter.SagaType != "" && e.SagaType != filter.SagaType {
				continue
			}
			if filter.StartTime != 0 && e.Timestamp < filter.StartTime {
				continue
			}
			if filter.EndTime != 0 && e.Timestamp > filter.EndTime {
				continue
			}
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
