package scan

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/metrics"
	"github.com/bondnet/bonproxy/internal/tuner"
)

// PassiveConfig tunes the passive scanner.
type PassiveConfig struct {
	Interval    time.Duration // sweep cadence over live tuners
	OnExclusive bool          // also harvest exclusively held tuners
}

// DefaultPassiveConfig returns the production settings.
func DefaultPassiveConfig() PassiveConfig {
	return PassiveConfig{Interval: 30 * time.Second, OnExclusive: true}
}

// Passive harvests analyzer state from running tuners. It never tunes
// anything itself; streams already flowing are a free scan.
type Passive struct {
	pool   *tuner.Pool
	store  *catalog.Store
	cfg    PassiveConfig
	logger zerolog.Logger
}

func NewPassive(pool *tuner.Pool, store *catalog.Store, cfg PassiveConfig) *Passive {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPassiveConfig().Interval
	}
	return &Passive{
		pool:   pool,
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("passive-scan"),
	}
}

// Run sweeps until the context ends.
func (p *Passive) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Passive) sweep() {
	for _, t := range p.pool.Tuners() {
		if _, exclusive := t.AccessLock().Holders(); exclusive && !p.cfg.OnExclusive {
			continue
		}
		an := t.Analyzer()
		if !an.PartialComplete() {
			continue
		}
		key := t.Key()
		drv, err := p.store.GetDriverByPath(key.DriverPath)
		if err != nil {
			continue
		}
		if !drv.PassiveScanEnabled {
			continue
		}

		observed := observedFrom(an.Services(), key.Space, key.Channel)
		written, err := p.store.PassiveUpdate(drv.ID, observed)
		if err != nil {
			metrics.ScanRunsTotal.WithLabelValues("passive", "error").Inc()
			p.logger.Error().
				Str(log.FieldDriverPath, key.DriverPath).
				Err(err).
				Msg("passive update failed")
			continue
		}
		metrics.ScanRunsTotal.WithLabelValues("passive", "ok").Inc()
		if written > 0 {
			p.logger.Debug().
				Str(log.FieldDriverPath, key.DriverPath).
				Int("services", len(observed)).
				Int("written", written).
				Msg("passive update applied")
		}
	}
}
