// internal/storage/locks.go
package storage

import (
	"hash/fnv"
	"sort"
	"sync"
)

const lockStripes = 64

// IDLocks serializes writers per entity id so current-leaf
// recomputation always sees a consistent set of children. Ids hash
// onto a fixed set of stripes; LockAll acquires stripes in ascending
// order, which keeps concurrent batches deadlock-free.
type IDLocks struct {
	stripes [lockStripes]sync.Mutex
}

// NewIDLocks returns an empty lock set.
func NewIDLocks() *IDLocks {
	return &IDLocks{}
}

func stripeFor(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}

// LockAll locks the stripes covering every given id and returns the
// function that releases them. Duplicate ids collapse onto one stripe
// acquisition.
func (l *IDLocks) LockAll(ids []string) func() {
	seen := make(map[int]struct{}, len(ids))
	order := make([]int, 0, len(ids))
	for _, id := range ids {
		s := stripeFor(id)
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			order = append(order, s)
		}
	}
	sort.Ints(order)
	for _, s := range order {
		l.stripes[s].Lock()
	}
	return func() {
		for i := len(order) - 1; i >= 0; i-- {
			l.stripes[order[i]].Unlock()
		}
	}
}

// Lock locks the stripe for a single id and returns its releaser.
func (l *IDLocks) Lock(id string) func() {
	s := stripeFor(id)
	l.stripes[s].Lock()
	return l.stripes[s].Unlock
}
