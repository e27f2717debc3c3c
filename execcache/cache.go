// Package execcache keeps the outcome of executing recent blocks, so a block
// already executed while it was produced or pre-validated is not executed a
// second time on import. Entries are keyed by the state root they were
// executed on and the block hash.
package execcache

import (
	"sync"

	"github.com/Fantom-foundation/lachesis-base/utils/wlru"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rony4d/go-parlia/evmcore"
)

// Key identifies an execution: a block applied to a parent state.
type Key struct {
	ParentRoot common.Hash
	Block      common.Hash
}

// Entry is the outcome of an execution.
type Entry struct {
	Receipts types.Receipts
	GasUsed  uint64
	Diff     *evmcore.StateDiff
}

func (e *Entry) weight() uint {
	w := 64
	if e.Diff != nil {
		w += e.Diff.Size()
	}
	for _, r := range e.Receipts {
		w += 200
		for _, l := range r.Logs {
			w += 100 + len(l.Data) + len(l.Topics)*common.HashLength
		}
	}
	return uint(w)
}

// Cache is a weighted LRU of executions. The first entry stored under a key
// wins; later puts of the same key are ignored.
type Cache struct {
	mu  sync.Mutex
	lru *wlru.Cache
}

// New creates a cache holding at most maxEntries entries of a total weight
// of maxWeight bytes.
func New(maxWeight uint, maxEntries int) (*Cache, error) {
	lru, err := wlru.New(maxWeight, maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: lru}, nil
}

// Put stores e under key unless the key is present. It reports whether e
// was stored.
func (c *Cache) Put(key Key, e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(key) {
		return false
	}
	c.lru.Add(key, e, e.weight())
	return true
}

// Get returns the entry stored under key.
func (c *Cache) Get(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Remove drops the entry stored under key.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
