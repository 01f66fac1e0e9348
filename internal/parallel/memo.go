package parallel

import (
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Memo is a process-scoped cache of one-time shared operations keyed by
// operation identity. Concurrent callers of the same key share one in-flight
// execution; a completed result is remembered until Reset. This backs shared
// setup like the browser install used by runtime checks, where duplicate
// concurrent installs must not race.
type Memo struct {
	group singleflight.Group

	mu   sync.Mutex
	done map[string]error
}

// NewMemo creates an empty memoization cache.
func NewMemo() *Memo {
	return &Memo{done: make(map[string]error)}
}

// GetOrCreate runs factory for key unless a prior run already completed.
// Concurrent callers with the same key block on one shared execution.
func (m *Memo) GetOrCreate(key string, factory func() error) error {
	if m == nil {
		return errors.New("parallel: nil memo")
	}
	if factory == nil {
		return errors.New("parallel: nil factory")
	}

	m.mu.Lock()
	if err, ok := m.done[key]; ok {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	_, err, _ := m.group.Do(key, func() (any, error) {
		return nil, factory()
	})

	m.mu.Lock()
	if m.done == nil {
		m.done = make(map[string]error)
	}
	m.done[key] = err
	m.mu.Unlock()
	return err
}

// Reset drops all remembered results. Intended as a process-shutdown
// teardown hook and for tests.
func (m *Memo) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.done = make(map[string]error)
	m.mu.Unlock()
}
