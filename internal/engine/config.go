package engine

import (
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/health"
	"github.com/bardlex/gominer/internal/scheduler"
	"github.com/bardlex/gominer/internal/stats"
)

// FromConfig maps the loaded configuration onto the engine's settings.
// onSnapshot, if not nil, receives every published statistics snapshot.
func FromConfig(cfg *config.Config, onSnapshot func(*stats.Snapshot)) Config {
	intensity := make(map[int]int, len(cfg.Devices))
	for _, id := range cfg.Devices {
		intensity[id] = cfg.IntensityFor(id)
	}

	mode := scheduler.ModeRange
	if cfg.IntensityMode == config.IntensityBatch {
		mode = scheduler.ModeBatch
	}

	return Config{
		Pool:          cfg.PoolAddress(),
		Devices:       cfg.Devices,
		Intensity:     intensity,
		KernelVariant: cfg.KernelVariant,
		KernelThreads: cfg.KernelThreads,
		UnitTimeout:   cfg.WorkUnitTimeout,
		HealthTick:    cfg.HealthTick,
		Scheduler: scheduler.Config{
			Mode:         mode,
			UnitSize:     cfg.UnitSize,
			Wraparound:   cfg.Wraparound,
			Budget:       cfg.UnitBudget,
			Timeout:      cfg.WorkUnitTimeout,
			OverrunLimit: cfg.BudgetOverrunLimit,
		},
		Health: health.Config{
			MaxFailures:         cfg.DeviceMaxFailures,
			ProbeAfter:          cfg.DeviceProbeAfter,
			RejectionThreshold:  cfg.RejectionThreshold,
			RejectionWindow:     cfg.RejectionWindow,
			RejectionMinSamples: cfg.RejectionMinSamples,
		},
		Stats: stats.Config{
			Alpha:        cfg.HashrateAlpha,
			PublishEvery: cfg.StatsInterval,
			ReportEvery:  cfg.ReportInterval,
			OnSnapshot:   onSnapshot,
		},
	}
}
