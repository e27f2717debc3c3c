package launcher

import (
	"bufio"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/params"
	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"

	"github.com/rony4d/go-parlia/chain"
	"github.com/rony4d/go-parlia/evmcore"
	"github.com/rony4d/go-parlia/integration"
	"github.com/rony4d/go-parlia/pipeline"
)

// Config aggregates every subsystem's configuration the launcher needs.
type Config struct {
	Node      NodeConfig
	Network   NetworkConfig
	Store     StoreConfig
	Pipeline  pipeline.Config
	Sidecars  SidecarConfig
	Validator ValidatorConfig
}

type NodeConfig struct {
	DataDir string
	Name    string
	Logging LoggingConfig
	Metrics MetricsConfig
}

type LoggingConfig struct {
	Verbosity int
	Format    string
	Color     bool
	SentryDSN string
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
	Port    int
}

// NetworkConfig selects the network rules. Forks overrides activation
// points by fork name.
type NetworkConfig struct {
	Name       string
	Validators int
	Epoch      uint64
	Period     uint64
	Forks      map[string]uint64
}

type StoreConfig struct {
	ChainData string
	CacheMB   int
	Handles   int
}

type SidecarConfig struct {
	Retention uint64
}

type ValidatorConfig struct {
	Enabled bool
	ID      int
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// MakeAllConfigs merges defaults, the config file, the preset and CLI flag
// overrides, in that order, and validates the resulting network rules.
func MakeAllConfigs(ctx *cli.Context) (Config, error) {
	cfg := Defaults()

	if file := ctx.GlobalString("config"); file != "" {
		if err := loadConfigFile(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if name := ctx.GlobalString("preset"); name != "" {
		preset, err := integration.GetPresetByName(name)
		if err != nil {
			return cfg, chain.ConfigError(err.Error())
		}
		applyPreset(&cfg, preset)
	}
	applyCLIOverrides(ctx, &cfg)

	cfg.Node.DataDir = resolvePath(cfg.Node.DataDir)
	if cfg.Store.ChainData == "" {
		cfg.Store.ChainData = filepath.Join(cfg.Node.DataDir, "chaindata")
	}
	if _, err := cfg.Network.Rules(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return err
}

func applyPreset(cfg *Config, preset integration.PresetConfig) {
	cfg.Store.CacheMB = preset.CacheMB
	cfg.Pipeline.ExecCacheBytes = uint(preset.ExecCacheMB) * 1024 * 1024
	cfg.Pipeline.TriePrefetch = preset.TriePrefetch
	cfg.Sidecars.Retention = preset.SidecarRetention
	cfg.Node.Metrics.Enabled = preset.EnableMetrics
}

func applyCLIOverrides(ctx *cli.Context, cfg *Config) {
	if ctx.GlobalIsSet("datadir") {
		cfg.Node.DataDir = ctx.GlobalString("datadir")
	}
	if ctx.GlobalIsSet("identity") {
		cfg.Node.Name = ctx.GlobalString("identity")
	}

	if ctx.GlobalIsSet("log.format") {
		cfg.Node.Logging.Format = ctx.GlobalString("log.format")
	}
	if ctx.GlobalIsSet("log.verbosity") {
		cfg.Node.Logging.Verbosity = ctx.GlobalInt("log.verbosity")
	}
	if ctx.GlobalIsSet("log.color") {
		cfg.Node.Logging.Color = ctx.GlobalBool("log.color")
	}
	if ctx.GlobalIsSet("sentry.dsn") {
		cfg.Node.Logging.SentryDSN = ctx.GlobalString("sentry.dsn")
	}
	if ctx.GlobalIsSet("metrics") {
		cfg.Node.Metrics.Enabled = ctx.GlobalBool("metrics")
	}
	if ctx.GlobalIsSet("metrics.addr") {
		cfg.Node.Metrics.Addr = ctx.GlobalString("metrics.addr")
	}
	if ctx.GlobalIsSet("metrics.port") {
		cfg.Node.Metrics.Port = ctx.GlobalInt("metrics.port")
	}

	if ctx.GlobalIsSet("cache") {
		cfg.Store.CacheMB = ctx.GlobalInt("cache")
	}
	if ctx.GlobalIsSet("db.handles") {
		cfg.Store.Handles = ctx.GlobalInt("db.handles")
	}
	if ctx.GlobalIsSet("datadir.chaindata") {
		cfg.Store.ChainData = resolvePath(ctx.GlobalString("datadir.chaindata"))
	}

	if ctx.GlobalIsSet("fakenet") {
		cfg.Network.Name = "fake"
		cfg.Network.Validators = ctx.GlobalInt("fakenet")
	}
	if ctx.GlobalIsSet("epoch") {
		cfg.Network.Epoch = ctx.GlobalUint64("epoch")
	}
	if ctx.GlobalIsSet("period") {
		cfg.Network.Period = ctx.GlobalUint64("period")
	}

	if ctx.GlobalIsSet("execcache") {
		cfg.Pipeline.ExecCache = ctx.GlobalBoolT("execcache")
	}
	if ctx.GlobalIsSet("execcache.size") {
		cfg.Pipeline.ExecCacheBytes = uint(ctx.GlobalInt("execcache.size")) * 1024 * 1024
	}
	if ctx.GlobalIsSet("execcache.blocks") {
		cfg.Pipeline.ExecCacheBlocks = ctx.GlobalInt("execcache.blocks")
	}
	if ctx.GlobalIsSet("skip-state-root") {
		cfg.Pipeline.SkipStateRoot = ctx.GlobalBool("skip-state-root")
	}
	if ctx.GlobalIsSet("trie.prefetch") {
		cfg.Pipeline.TriePrefetch = ctx.GlobalBoolT("trie.prefetch")
	}
	if ctx.GlobalIsSet("merkle.threshold") {
		cfg.Pipeline.MerkleRebuildThreshold = ctx.GlobalUint64("merkle.threshold")
	}
	if ctx.GlobalIsSet("headers.batch") {
		cfg.Pipeline.HeadersBatch = ctx.GlobalInt("headers.batch")
	}
	if ctx.GlobalIsSet("senders.workers") {
		cfg.Pipeline.SendersWorkers = ctx.GlobalInt("senders.workers")
	}

	if ctx.GlobalIsSet("sidecars.retention") {
		cfg.Sidecars.Retention = ctx.GlobalUint64("sidecars.retention")
	}

	if ctx.GlobalIsSet("validator") {
		cfg.Validator.Enabled = ctx.GlobalBool("validator")
	}
	if ctx.GlobalIsSet("validator.id") {
		cfg.Validator.ID = ctx.GlobalInt("validator.id")
	}
}

// Rules returns the validated rules of the configured network.
func (c NetworkConfig) Rules() (chain.Rules, error) {
	var rules chain.Rules
	switch c.Name {
	case "fake":
		rules = chain.FakeNetRules()
	case "main":
		rules = chain.MainNetRules()
	case "test":
		rules = chain.TestNetRules()
	default:
		return rules, fmt.Errorf("%w: unknown network %q", chain.ErrInvalidRules, c.Name)
	}
	if c.Epoch != 0 {
		rules.Parlia.Epoch = c.Epoch
	}
	if c.Period != 0 {
		rules.Parlia.Period = c.Period
	}
	for name, at := range c.Forks {
		f, err := chain.ParseFork(name)
		if err != nil {
			return rules, err
		}
		rules.Upgrades.Set(f, chain.U64(at))
	}
	return rules, rules.Validate()
}

// Genesis returns the genesis of the configured network. Only fake network
// genesis states can be generated.
func (c NetworkConfig) Genesis() (*evmcore.Genesis, error) {
	if c.Name != "fake" {
		return nil, fmt.Errorf("%w: no genesis available for network %q", chain.ErrInvalidRules, c.Name)
	}
	if c.Validators <= 0 {
		return nil, fmt.Errorf("%w: fake network needs validators", chain.ErrInvalidRules)
	}
	balance := new(big.Int).Mul(big.NewInt(1000), big.NewInt(params.Ether))
	return evmcore.FakeGenesis(c.Validators, balance), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func resolvePath(p string) string {
	if strings.HasPrefix(p, "~") {
		return filepath.Join(GuessHomeDir(), strings.TrimPrefix(p, "~"))
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(GuessWorkDir(), p)
}

func GuessWorkDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func GuessHomeDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir
	}
	return "."
}
