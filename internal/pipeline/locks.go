package pipeline

import (
	"hash/fnv"
	"sync"
)

// keyedMutex serializes mutations per key while letting distinct keys
// proceed in parallel. Striped so the lock table stays bounded regardless of
// how many items or scans exist.
type keyedMutex struct {
	stripes []sync.Mutex
}

func newKeyedMutex(stripes int) *keyedMutex {
	if stripes <= 0 {
		stripes = 128
	}
	return &keyedMutex{stripes: make([]sync.Mutex, stripes)}
}

func (m *keyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := &m.stripes[int(h.Sum32())%len(m.stripes)]
	stripe.Lock()
	return stripe.Unlock
}
