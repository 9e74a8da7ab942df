package engine

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// keyMutex provides striped per-key mutual exclusion. Keys hash onto a fixed
// set of locks, bounding memory regardless of how many users report.
type keyMutex struct {
	shards []sync.Mutex
}

func newKeyMutex(shards int) *keyMutex {
	if shards <= 0 {
		shards = defaultShards
	}
	return &keyMutex{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the lock owning key and returns its unlock function.
func (m *keyMutex) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &m.shards[int(h.Sum32())%len(m.shards)]
	mu.Lock()
	return mu.Unlock
}
