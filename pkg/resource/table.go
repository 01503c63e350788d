// Package resource implements the host-side handle table: a mapping from a
// numeric ID to a type-erased handle, used to carry cross-call state (open
// database connections, in-flight fetch requests, streaming response
// bodies) across the guest<->host boundary without ever exposing the
// handle itself to the guest.
package resource

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBadHandle is returned when an ID has no entry in the table.
var ErrBadHandle = errors.New("resource: bad handle")

// BadHandleTypeError is returned when a handle exists but was not stored
// under the type the caller asked for.
type BadHandleTypeError struct {
	ID       uint32
	Name     string
	Expected string
}

func (e *BadHandleTypeError) Error() string {
	return fmt.Sprintf("resource: handle %d (%s) is not a %s", e.ID, e.Name, e.Expected)
}

// Handle is the minimal contract every resource stored in the table must
// satisfy: a human-readable name for diagnostics and a release routine run
// once, on close or table teardown.
type Handle interface {
	// Name returns a human-readable label for diagnostics (e.g. "fetchRequest").
	Name() string
	// Close releases the handle. Called at most once.
	Close() error
}

// entry is the type-erased slot stored in the table.
type entry struct {
	handle Handle
}

// Table is a mapping from 32-bit IDs to type-erased handles. IDs are never
// reused within a Table's lifetime. All operations are short, synchronous
// critical sections guarded by a single mutex; no operation may suspend
// (await/block on I/O) while the lock is held — callers that need to
// retain a handle across a suspension point must Take it, release the
// table, suspend, then Add it back if still needed.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]entry
	nextID  uint32
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[uint32]entry)}
}

// Add inserts handle and returns its freshly allocated, monotonically
// increasing ID.
func (t *Table) Add(handle Handle) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.entries[id] = entry{handle: handle}
	return id
}

// Get borrows the handle stored under id without removing it. T must be
// the concrete type the handle was stored as (e.g. pkg/database calls
// Get[*connectionHandle]);
// Get fails with a BadHandleTypeError if the stored handle isn't a T, or
// ErrBadHandle if id is absent.
func Get[T Handle](t *Table, id uint32) (T, error) {
	var zero T

	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()

	if !ok {
		return zero, fmt.Errorf("%w: id %d", ErrBadHandle, id)
	}
	v, ok := e.handle.(T)
	if !ok {
		return zero, &BadHandleTypeError{ID: id, Name: e.handle.Name(), Expected: fmt.Sprintf("%T", zero)}
	}
	return v, nil
}

// Take removes and returns the handle stored under id, transferring sole
// ownership to the caller. Same failure modes as Get.
func Take[T Handle](t *Table, id uint32) (T, error) {
	var zero T

	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return zero, fmt.Errorf("%w: id %d", ErrBadHandle, id)
	}
	v, ok := e.handle.(T)
	if !ok {
		return zero, &BadHandleTypeError{ID: id, Name: e.handle.Name(), Expected: fmt.Sprintf("%T", zero)}
	}
	return v, nil
}

// Close removes the handle stored under id and runs its release routine.
// Fails with ErrBadHandle if absent.
func (t *Table) Close(id uint32) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: id %d", ErrBadHandle, id)
	}
	return e.handle.Close()
}

// CloseAll releases every handle still in the table. Used on Environment
// teardown and module replacement so no resource from a retired instance
// leaks into its successor.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint32]entry)
	t.mu.Unlock()

	for _, e := range entries {
		_ = e.handle.Close()
	}
}

// Len reports the number of live handles. Intended for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
