// Package integration provides named configuration presets. A preset bundles
// the resource trade-offs of a node (cache sizes, trie prefetching, sidecar
// retention) into a profile selected with --preset.
package integration

import "fmt"

// PresetConfig captures the parameters that vary across preset profiles.
type PresetConfig struct {
	Name             string
	CacheMB          int    // database cache
	ExecCacheMB      int    // execution cache of live blocks
	TriePrefetch     bool   // warm the trie while live blocks execute
	SidecarRetention uint64 // blocks blob sidecars are kept for, 0 keeps all
	EnableMetrics    bool
}

func DefaultPreset() PresetConfig {
	return PresetConfig{
		Name:             "default",
		CacheMB:          1024,
		ExecCacheMB:      64,
		TriePrefetch:     true,
		SidecarRetention: 518400,
		EnableMetrics:    false,
	}
}

// LitePreset fits constrained environments such as CI or laptops. Sidecars
// are kept only for a day.
func LitePreset() PresetConfig {
	cfg := DefaultPreset()
	cfg.Name = "lite"
	cfg.CacheMB = 256
	cfg.ExecCacheMB = 16
	cfg.TriePrefetch = false
	cfg.SidecarRetention = 28800
	cfg.EnableMetrics = true
	return cfg
}

// FullPreset suits validators, which re-execute every block they produce
// and benefit most from the execution cache.
func FullPreset() PresetConfig {
	cfg := DefaultPreset()
	cfg.Name = "full"
	cfg.CacheMB = 4096
	cfg.ExecCacheMB = 256
	cfg.EnableMetrics = true
	return cfg
}

// ArchivePreset never prunes sidecars.
func ArchivePreset() PresetConfig {
	cfg := DefaultPreset()
	cfg.Name = "archive"
	cfg.CacheMB = 8192
	cfg.ExecCacheMB = 64
	cfg.SidecarRetention = 0
	cfg.EnableMetrics = true
	return cfg
}

// GetPresetByName looks up a preset by its identifier.
func GetPresetByName(name string) (PresetConfig, error) {
	switch name {
	case "lite":
		return LitePreset(), nil
	case "full":
		return FullPreset(), nil
	case "archive":
		return ArchivePreset(), nil
	case "default":
		return DefaultPreset(), nil
	default:
		return PresetConfig{}, fmt.Errorf("unknown preset: %q (valid: lite, full, archive, default)", name)
	}
}

// ApplyPreset merges preset into target. Zero sizes leave the target value
// in place; booleans and retention are always applied.
func ApplyPreset(target *PresetConfig, preset PresetConfig) {
	if preset.CacheMB > 0 {
		target.CacheMB = preset.CacheMB
	}
	if preset.ExecCacheMB > 0 {
		target.ExecCacheMB = preset.ExecCacheMB
	}
	target.TriePrefetch = preset.TriePrefetch
	target.SidecarRetention = preset.SidecarRetention
	target.EnableMetrics = preset.EnableMetrics
	if preset.Name != "" {
		target.Name = preset.Name
	}
}
