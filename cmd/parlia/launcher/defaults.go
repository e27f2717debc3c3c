package launcher

import (
	"github.com/rony4d/go-parlia/pipeline"
)

// Defaults returns the baseline configuration that config files, presets
// and flags override.
func Defaults() Config {
	return Config{
		Node: NodeConfig{
			DataDir: "~/.parlia",
			Name:    "go-parlia",
			Logging: LoggingConfig{
				Verbosity: 3,
				Format:    "text",
			},
			Metrics: MetricsConfig{
				Addr: "127.0.0.1",
				Port: 6060,
			},
		},
		Network: NetworkConfig{
			Name:       "fake",
			Validators: 1,
		},
		Store: StoreConfig{
			CacheMB: 1024,
			Handles: 512,
		},
		Pipeline: pipeline.DefaultConfig(),
		Sidecars: SidecarConfig{
			// 18 days of 3 second blocks
			Retention: 518400,
		},
	}
}
