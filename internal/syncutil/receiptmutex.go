// Package syncutil provides synchronization helpers for per-receipt state.
package syncutil

import "sync"

// ReceiptMutex provides a fixed-size pool of mutexes keyed by receipt number.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many receipts are seen, at the cost of occasional false sharing
// between receipts that hash to the same shard.
type ReceiptMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given receipt and returns an unlock function.
func (m *ReceiptMutex) Lock(receipt uint64) func() {
	mu := m.shard(receipt)
	mu.Lock()
	return mu.Unlock
}

func (m *ReceiptMutex) shard(receipt uint64) *sync.Mutex {
	// Fibonacci hashing spreads sequential receipt numbers across shards.
	h := receipt * 0x9E3779B97F4A7C15
	return &m.shards[h>>56]
}
