package saga

import (
	"context"
	"sync"
)

// Locker serializes work on a single saga. The returned unlock func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, sagaID string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, sagaID string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[sagaID]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[sagaID] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(sagaID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(sagaID, e)
		})
	}, nil
}

func (k *KeyedMutex) release(sagaID string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, sagaID)
	}
	k.mu.Unlock()
}

// Len reports how many keys are currently tracked.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
