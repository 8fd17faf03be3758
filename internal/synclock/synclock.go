// Package synclock implements the process-wide path lock table (spec.md
// §4.4): a keyed, reference-counted mutex over local relative paths, so at
// most one worker touches a given path (or its enclosing directory's
// side-file) at a time. Grounded on the teacher's own idiom of guarding a
// lazily populated map with a mutex — internal/sync/filter.go's
// FilterEngine.odignoreCache — rather than an ecosystem library: no
// keyed-mutex or singleflight package appears anywhere in the retrieval
// pack.
package synclock

import (
	"context"
	"sync"
)

// entry is one path's lock state: a mutex to hold, and a reference count so
// the table entry can be pruned once the last holder releases it (spec.md
// §4.4, §9 "drop-on-zero avoids permanent memory growth").
type entry struct {
	mu  sync.Mutex
	ref int
}

// Table is the process-wide path lock table. Zero value is ready to use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New builds an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock blocks until it holds the exclusive lock for key, or ctx is done.
// On success it returns a release func that must be called exactly once to
// release the lock and, if no other goroutine is waiting, prune the entry.
// On ctx cancellation it returns a nil release func and ctx.Err().
func (t *Table) Lock(ctx context.Context, key string) (func(), error) {
	e := t.acquire(key)

	locked := make(chan struct{})

	go func() {
		e.mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		return func() { t.release(key, e) }, nil
	case <-ctx.Done():
		// The lock may still be acquired asynchronously after we give up
		// waiting; once it is, release it immediately so the entry doesn't
		// leak held-forever. The reference count already reflects our claim,
		// so release still runs through the normal path.
		go func() {
			<-locked
			t.release(key, e)
		}()

		return nil, ctx.Err()
	}
}

// acquire finds or creates key's entry and claims a reference, under the
// table's own mutex — this is the only place entries are created or have
// their ref count incremented.
func (t *Table) acquire(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries == nil {
		t.entries = make(map[string]*entry)
	}

	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}

	e.ref++

	return e
}

// release unlocks e and, if e is now the last reference, removes key from
// the table to keep memory bounded under wide key fan-out (spec.md §4.4).
func (t *Table) release(key string, e *entry) {
	e.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	e.ref--
	if e.ref == 0 {
		delete(t.entries, key)
	}
}

// Len reports how many distinct paths are currently locked or awaited.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
