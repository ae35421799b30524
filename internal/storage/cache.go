// internal/storage/cache.go
package storage

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// headCache keeps recently resolved current versions in memory. Values
// are stored and returned as clones so callers can never mutate a
// cached row. Entries are dropped whenever a transaction touches their
// entity; a miss just falls through to the database.
type headCache struct {
	cache *ristretto.Cache
}

func newHeadCache() (*headCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 16 * 4096,
		MaxCost:     4096,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: head cache: %w", err)
	}
	return &headCache{cache: c}, nil
}

func (h *headCache) get(id string) (*inbetweenies.EntityVersion, bool) {
	v, ok := h.cache.Get(id)
	if !ok {
		return nil, false
	}
	ev, ok := v.(*inbetweenies.EntityVersion)
	if !ok {
		return nil, false
	}
	return ev.Clone(), true
}

func (h *headCache) set(id string, ev *inbetweenies.EntityVersion) {
	h.cache.Set(id, ev.Clone(), 1)
	// Sets are buffered; flush so a later Del can never be overtaken by
	// a stale insert.
	h.cache.Wait()
}

func (h *headCache) del(id string) {
	h.cache.Del(id)
}

func (h *headCache) close() {
	h.cache.Close()
}
