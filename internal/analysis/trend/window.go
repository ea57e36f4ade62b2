package trend

import "sync"

const defaultShardCount = 32

// Windows keeps a bounded, most-recent-last price series per contract,
// sharded so unrelated contracts do not contend on one lock.
type Windows struct {
	shards []windowShard
}

type windowShard struct {
	mu   sync.RWMutex
	data map[string][]float64
}

func NewWindows() *Windows {
	return newWindows(defaultShardCount)
}

func newWindows(shards int) *Windows {
	if shards <= 0 {
		shards = 1
	}
	out := &Windows{shards: make([]windowShard, shards)}
	for i := range out.shards {
		out.shards[i] = windowShard{data: make(map[string][]float64)}
	}
	return out
}

func (w *Windows) shardFor(key string) *windowShard {
	idx := hashKey(key) % uint32(len(w.shards))
	return &w.shards[idx]
}

// Put appends price, trims to max and returns a copy of the window.
func (w *Windows) Put(contract string, price float64, max int) []float64 {
	if max <= 0 {
		max = 120
	}
	sh := w.shardFor(contract)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur := append(sh.data[contract], price)
	if len(cur) > max {
		cur = append(cur[:0:0], cur[len(cur)-max:]...)
	}
	sh.data[contract] = cur
	out := make([]float64, len(cur))
	copy(out, cur)
	return out
}

func (w *Windows) Get(contract string) []float64 {
	sh := w.shardFor(contract)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur := sh.data[contract]
	out := make([]float64, len(cur))
	copy(out, cur)
	return out
}

func (w *Windows) Len(contract string) int {
	sh := w.shardFor(contract)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.data[contract])
}

// Drop forgets a contract.
func (w *Windows) Drop(contract string) {
	sh := w.shardFor(contract)
	sh.mu.Lock()
	delete(sh.data, contract)
	sh.mu.Unlock()
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
