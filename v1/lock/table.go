package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

// ErrWouldBlock is returned by TryLock when the key is already held.
var ErrWouldBlock = errors.New("lock: would block")

type entry struct {
	sem *semaphore.Weighted
	// refs counts holders and waiters. Only mutated inside Compute.
	refs int
}

// Table maps keys to exclusive locks shared by every caller of the table.
type Table struct {
	locks *xsync.MapOf[string, *entry]
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{locks: xsync.NewMapOf[string, *entry]()}
}

// Guard is a held lock. Release it exactly once; extra calls are no-ops.
type Guard struct {
	table *Table
	key   string
	e     *entry
	once  sync.Once
}

// Key returns the locked key.
func (g *Guard) Key() string {
	return g.key
}

// Release unlocks the key and drops the table entry if it is idle.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.e.sem.Release(1)
		g.table.unref(g.key)
	})
}

// Lock blocks until key is available or ctx is done.
func (t *Table) Lock(ctx context.Context, key string) (*Guard, error) {
	e := t.ref(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.unref(key)
		return nil, err
	}
	return &Guard{table: t, key: key, e: e}, nil
}

// TryLock acquires key without waiting. It returns ErrWouldBlock if the key
// is held.
func (t *Table) TryLock(key string) (*Guard, error) {
	e := t.ref(key)
	if !e.sem.TryAcquire(1) {
		t.unref(key)
		return nil, ErrWouldBlock
	}
	return &Guard{table: t, key: key, e: e}, nil
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return t.locks.Size()
}

func (t *Table) ref(key string) *entry {
	e, _ := t.locks.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{sem: semaphore.NewWeighted(1)}
		}
		old.refs++
		return old, false
	})
	return e
}

// unref drops one reference and removes the entry when it was the last one.
func (t *Table) unref(key string) {
	t.locks.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs == 0
	})
}
