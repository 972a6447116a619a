package filestore

import (
	"sort"
	"sync"
)

// lockTable hands out one RW lock per file path. Entries are never evicted;
// the record set only grows and stays small (one file per user, two per
// room).
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.RWMutex)}
}

func (t *lockTable) get(path string) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[path]
	if !ok {
		l = &sync.RWMutex{}
		t.locks[path] = l
	}
	return l
}

// lock acquires exclusive locks on all paths. Acquisition follows a fixed
// total order (lexicographic by path) so two transactions touching the same
// pair in opposite order cannot deadlock. The returned func releases in
// reverse order.
func (t *lockTable) lock(paths ...string) func() {
	ordered := orderedUnique(paths)
	held := make([]*sync.RWMutex, 0, len(ordered))
	for _, p := range ordered {
		l := t.get(p)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// rlock acquires shared locks on all paths, same ordering rules as lock.
func (t *lockTable) rlock(paths ...string) func() {
	ordered := orderedUnique(paths)
	held := make([]*sync.RWMutex, 0, len(ordered))
	for _, p := range ordered {
		l := t.get(p)
		l.RLock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].RUnlock()
		}
	}
}

func orderedUnique(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
