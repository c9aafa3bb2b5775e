package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrLockTimeout     = errors.New("resource lock timeout")
	ErrUnknownResource = errors.New("unknown resource")
)

type resourceLock struct {
	sem  *semaphore.Weighted
	held atomic.Bool
}

// LockTable holds one non-reentrant mutex per named resource. The set of
// names is fixed at construction.
type LockTable struct {
	locks map[string]*resourceLock
	names []string
}

func NewLockTable(names []string) *LockTable {
	t := &LockTable{locks: make(map[string]*resourceLock, len(names))}
	for _, n := range names {
		if _, ok := t.locks[n]; ok {
			continue
		}
		t.locks[n] = &resourceLock{sem: semaphore.NewWeighted(1)}
		t.names = append(t.names, n)
	}
	sort.Strings(t.names)
	return t
}

// Names returns the resource names in sorted order.
func (t *LockTable) Names() []string {
	return append([]string(nil), t.names...)
}

// Acquire takes every named lock, waiting at most timeout for each. Names
// are taken in sorted order so two callers asking for overlapping sets
// cannot deadlock each other. On failure nothing is left held. The returned
// release func is safe to call more than once.
func (t *LockTable) Acquire(ctx context.Context, names []string, timeout time.Duration) (func(), error) {
	wanted := normalize(names)
	for _, n := range wanted {
		if _, ok := t.locks[n]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownResource, n)
		}
	}

	acquired := make([]*resourceLock, 0, len(wanted))
	releaseAll := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].held.Store(false)
			acquired[i].sem.Release(1)
		}
	}

	for _, n := range wanted {
		l := t.locks[n]
		if err := acquireWithTimeout(ctx, l.sem, timeout); err != nil {
			releaseAll()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire %s lock: %w", n, ctx.Err())
			}
			return nil, fmt.Errorf("%w: could not acquire %s lock within %s", ErrLockTimeout, n, timeout)
		}
		l.held.Store(true)
		acquired = append(acquired, l)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

func acquireWithTimeout(ctx context.Context, sem *semaphore.Weighted, timeout time.Duration) error {
	if timeout <= 0 {
		return sem.Acquire(ctx, 1)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sem.Acquire(ctx, 1)
}

// States reports whether each lock is currently held.
func (t *LockTable) States() map[string]bool {
	out := make(map[string]bool, len(t.locks))
	for n, l := range t.locks {
		out[n] = l.held.Load()
	}
	return out
}

func normalize(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
