package pipeline

import "time"

// Config holds the tunables of the import pipeline.
type Config struct {
	// ExecCache enables reuse of executions of live blocks.
	ExecCache       bool
	ExecCacheBytes  uint
	ExecCacheBlocks int

	// SkipStateRoot disables the state root check. Once used, the database
	// remembers it.
	SkipStateRoot bool

	// TriePrefetch warms the trie while live blocks execute.
	TriePrefetch bool

	// MerkleRebuildThreshold is the run length in blocks above which a run
	// is a bulk import: tries are not prefetched and the execution cache
	// is not consulted.
	MerkleRebuildThreshold uint64

	HeadersBatch   int // headers requested at once
	SendersWorkers int // parallel signature recoveries
	BadBlocks      int // remembered bad block hashes

	Fetch RetryConfig
}

// RetryConfig bounds the exponential backoff of fetches.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultConfig returns the configuration of a full node.
func DefaultConfig() Config {
	return Config{
		ExecCache:              true,
		ExecCacheBytes:         64 * 1024 * 1024,
		ExecCacheBlocks:        128,
		TriePrefetch:           true,
		MerkleRebuildThreshold: 1000,
		HeadersBatch:           192,
		SendersWorkers:         8,
		BadBlocks:              128,
		Fetch: RetryConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxElapsedTime:  2 * time.Minute,
		},
	}
}
