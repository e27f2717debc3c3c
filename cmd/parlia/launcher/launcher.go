package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Fantom-foundation/lachesis-base/kvdb/leveldb"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/urfave/cli.v1"

	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/flags"
	"github.com/rony4d/go-parlia/forkchoice"
	"github.com/rony4d/go-parlia/node"
	"github.com/rony4d/go-parlia/parlia"
	"github.com/rony4d/go-parlia/pipeline"
	"github.com/rony4d/go-parlia/producer"
	"github.com/rony4d/go-parlia/sidecars"
	"github.com/rony4d/go-parlia/store"
)

// set via -ldflags
var gitCommit = ""

var app = newApp()

func newApp() *cli.App {
	a := flags.NewApp(gitCommit, "the Parlia consensus node")
	a.Action = runNode
	a.Commands = []cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "Show configuration values",
			Action: dumpConfig,
		},
	}
	return a
}

// Launch parses args and runs the node until interrupted.
func Launch(args []string) error {
	return app.Run(args)
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := MakeAllConfigs(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func runNode(ctx *cli.Context) error {
	cfg, err := MakeAllConfigs(ctx)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg.Node.Logging)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return start(sigCtx, cfg, logger)
}

// start assembles the node from cfg and runs it until ctx is done.
func start(ctx context.Context, cfg Config, logger *logrus.Logger) error {
	rules, err := cfg.Network.Rules()
	if err != nil {
		return err
	}
	genesis, err := cfg.Network.Genesis()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Store.ChainData, 0700); err != nil {
		return err
	}
	// half of the cache goes to the chain database, half to the state trie
	cacheMB := cfg.Store.CacheMB / 2
	kv, err := leveldb.New(filepath.Join(cfg.Store.ChainData, "chain"), cacheMB, cfg.Store.Handles/2, nil, nil)
	if err != nil {
		return fmt.Errorf("open chain database: %w", err)
	}
	db := store.New(kv)
	defer db.Close()

	stateKV, err := rawdb.NewLevelDBDatabase(filepath.Join(cfg.Store.ChainData, "state"), cacheMB/2, cfg.Store.Handles/2, "parlia/state/", false)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer stateKV.Close()
	stateDB := state.NewDatabaseWithConfig(stateKV, &trie.Config{Cache: cacheMB / 2})

	genesisHeader, err := pipeline.WriteGenesis(db, stateDB, rules, genesis)
	if err != nil {
		return err
	}

	snaps, err := parlia.NewSnapshotStore(db.Table(store.SnapshotsPrefix))
	if err != nil {
		return err
	}
	engine := parlia.New(rules, snaps, db)

	var tracker *forkchoice.Tracker
	if s, ok := pipeline.LoadForkChoice(db); ok {
		tracker = forkchoice.Restore(db, s)
	} else {
		tracker = forkchoice.New(db, forkchoice.PointOf(genesisHeader))
	}

	reg := newRegistry()
	p, err := pipeline.New(cfg.Pipeline, pipeline.Backend{
		DB:       db,
		State:    stateDB,
		Engine:   engine,
		Executor: evmcore.NewTransferExecutor(),
		Sidecars: sidecars.New(db, cfg.Sidecars.Retention),
		Tracker:  tracker,
	}, reg)
	if err != nil {
		return err
	}
	if cfg.Node.Metrics.Enabled {
		serveMetrics(ctx, cfg.Node.Metrics, reg, logger)
	}

	n := node.New(p, engine, db, tracker, logger.WithField("name", cfg.Node.Name))
	head := p.Head()
	logger.WithFields(logrus.Fields{
		"network": rules.Name,
		"genesis": genesisHeader.Hash().Hex(),
		"head":    head.Number.Uint64(),
	}).Info("Node started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(gctx)
	})
	if cfg.Validator.Enabled {
		prod := producer.New(engine, db, stateDB, evmcore.NewTransferExecutor(), p.Cache(), evmcore.FakeKey(cfg.Validator.ID))
		logger.WithField("validator", prod.Validator().Hex()).Info("Block production enabled")
		g.Go(func() error {
			return prod.Run(gctx, n.Heads(), n.Submit)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Node stopped")
	return err
}
