package flags

import (
	"gopkg.in/urfave/cli.v1"
)

// NodeFlags holds knobs specific to the local node instance.

func NodeFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "identity",
			Usage: "Custom node name used in logs",
		},
		cli.IntFlag{
			Name:  "cache",
			Usage: "Megabytes of memory allocated to database caching",
			Value: 1024,
		},
		cli.IntFlag{
			Name:  "db.handles",
			Usage: "Number of open file handles of the chain database",
			Value: 512,
		},
		cli.StringFlag{
			Name:  "datadir.chaindata",
			Usage: "Override path to the chain database (defaults to <datadir>/chaindata)",
		},
	}
}

// PerformanceFlags tune the import pipeline.
func PerformanceFlags() []cli.Flag {
	return []cli.Flag{
		cli.BoolTFlag{
			Name:  "execcache",
			Usage: "Reuse the execution of locally produced blocks",
		},
		cli.IntFlag{
			Name:  "execcache.size",
			Usage: "Megabytes of state diffs kept by the execution cache",
			Value: 64,
		},
		cli.IntFlag{
			Name:  "execcache.blocks",
			Usage: "Maximum number of blocks kept by the execution cache",
			Value: 128,
		},
		cli.BoolFlag{
			Name:  "skip-state-root",
			Usage: "Import without verifying state roots (marks the database permanently)",
		},
		cli.BoolTFlag{
			Name:  "trie.prefetch",
			Usage: "Prefetch trie nodes while executing live blocks",
		},
		cli.Uint64Flag{
			Name:  "merkle.threshold",
			Usage: "Block count above which a run executes in bulk, without prefetching or caching",
			Value: 1000,
		},
		cli.IntFlag{
			Name:  "headers.batch",
			Usage: "Number of headers verified and written per batch",
			Value: 192,
		},
		cli.IntFlag{
			Name:  "senders.workers",
			Usage: "Number of goroutines recovering transaction senders",
			Value: 8,
		},
	}
}

// SidecarFlags control blob sidecar storage.
func SidecarFlags() []cli.Flag {
	return []cli.Flag{
		cli.Uint64Flag{
			Name:  "sidecars.retention",
			Usage: "Number of blocks blob sidecars are kept for (0 keeps all)",
			Value: 518400,
		},
	}
}
