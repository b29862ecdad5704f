// Package scan keeps the channel catalog current. The Scheduler sweeps
// every space and channel of drivers that are due for an active scan;
// the Passive scanner rides along on live tuners and upserts whatever
// their analyzers have pieced together.
package scan

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/driver"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/metrics"
	"github.com/bondnet/bonproxy/internal/psi"
	"github.com/bondnet/bonproxy/internal/tuner"
)

// SchedulerConfig tunes the active-scan loop.
type SchedulerConfig struct {
	Tick    time.Duration // scheduler wakeup interval
	MuxWait time.Duration // per-channel wait for analyzer completion
	Poll    time.Duration // analyzer poll interval
}

// DefaultSchedulerConfig returns the production timings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Tick:    60 * time.Second,
		MuxWait: 4 * time.Second,
		Poll:    100 * time.Millisecond,
	}
}

// Scheduler runs periodic active scans on due drivers.
type Scheduler struct {
	pool   *tuner.Pool
	reg    *driver.Registry
	store  *catalog.Store
	cfg    SchedulerConfig
	logger zerolog.Logger
}

func NewScheduler(pool *tuner.Pool, reg *driver.Registry, store *catalog.Store, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.MuxWait <= 0 {
		cfg.MuxWait = def.MuxWait
	}
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}
	return &Scheduler{
		pool:   pool,
		reg:    reg,
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("scan"),
	}
}

// Run ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.DueDrivers(time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("due driver query failed")
		return
	}
	for _, drv := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.ScanDriver(ctx, drv); err != nil {
			s.logger.Error().
				Str(log.FieldDriverPath, drv.Path).
				Err(err).
				Msg("active scan failed")
		}
	}
}

// ScanDriver sweeps one driver's full space/channel grid and merges the
// result into the catalog. A driver currently serving sessions is left
// alone; it stays due and the next tick retries.
func (s *Scheduler) ScanDriver(ctx context.Context, drv catalog.Driver) error {
	if s.pool.DriverBusy(drv.Path) {
		s.logger.Debug().
			Str(log.FieldDriverPath, drv.Path).
			Msg("scan deferred, driver in use")
		metrics.ScanRunsTotal.WithLabelValues("active", "deferred").Inc()
		return nil
	}

	start := time.Now()
	s.logger.Info().
		Str(log.FieldDriverPath, drv.Path).
		Msg("active scan starting")

	observed, err := s.sweep(ctx, drv.Path)
	if err != nil {
		metrics.ScanRunsTotal.WithLabelValues("active", "error").Inc()
		_ = s.store.RecordScan(drv.ID, 0, false, err.Error())
		_ = s.store.MarkScanned(drv.ID, time.Now())
		return err
	}

	res, err := s.store.MergeScan(drv.ID, observed)
	if err != nil {
		metrics.ScanRunsTotal.WithLabelValues("active", "error").Inc()
		_ = s.store.RecordScan(drv.ID, 0, false, err.Error())
		return err
	}
	if err := s.store.MarkScanned(drv.ID, time.Now()); err != nil {
		return err
	}
	if err := s.store.RecordScan(drv.ID, len(observed), true, ""); err != nil {
		return err
	}
	metrics.ScanRunsTotal.WithLabelValues("active", "ok").Inc()
	s.updateCatalogGauge()

	s.logger.Info().
		Str(log.FieldDriverPath, drv.Path).
		Int("services", len(observed)).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("disabled", res.Disabled).
		Dur("elapsed", time.Since(start)).
		Msg("active scan complete")
	return nil
}

// sweep opens every (space, channel) of a driver in turn and collects
// what the tuner's analyzer sees.
func (s *Scheduler) sweep(ctx context.Context, path string) ([]catalog.Observed, error) {
	probe, err := s.reg.Open(path)
	if err != nil {
		return nil, err
	}
	spaces := probe.Spaces()
	_ = probe.Close()

	var observed []catalog.Observed
	for si, sp := range spaces {
		for ch := range sp.Channels {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			key := tuner.ChannelKey{
				DriverPath: path,
				Space:      uint32(si),
				Channel:    uint32(ch),
			}
			svcs := s.sweepChannel(ctx, key)
			observed = append(observed, observedFrom(svcs, key.Space, key.Channel)...)
		}
	}
	return observed, nil
}

// sweepChannel tunes one channel and waits for the analyzer to settle.
// Channels with no carrier simply return nothing.
func (s *Scheduler) sweepChannel(ctx context.Context, key tuner.ChannelKey) []psi.Service {
	sub, err := s.pool.Acquire(ctx, key, nil, 0, false)
	if err != nil {
		s.logger.Debug().
			Str(log.FieldDriverPath, key.DriverPath).
			Uint32(log.FieldSpace, key.Space).
			Uint32(log.FieldChannel, key.Channel).
			Err(err).
			Msg("scan channel skipped")
		return nil
	}
	t := sub.Tuner()
	an := t.Analyzer()

	deadline := time.After(s.cfg.MuxWait)
wait:
	for !an.Complete() {
		select {
		case <-ctx.Done():
			break wait
		case <-sub.Done():
			break wait
		case <-deadline:
			break wait
		case <-time.After(s.cfg.Poll):
		}
	}

	var svcs []psi.Service
	if an.PartialComplete() {
		svcs = an.Services()
	}
	s.pool.Release(sub)
	waitStopped(t, s.cfg.MuxWait)
	return svcs
}

// waitStopped blocks until the tuner's reader has exited, so the next
// sweep step can reuse the driver's capacity permit.
func waitStopped(t *tuner.SharedTuner, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for t.Running() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Scheduler) updateCatalogGauge() {
	counts, err := s.store.BandCounts()
	if err != nil {
		return
	}
	metrics.CatalogChannels.Reset()
	for band, n := range counts {
		metrics.CatalogChannels.WithLabelValues(band).Set(float64(n))
	}
}

// observedFrom converts analyzer services into catalog scan rows tied to
// the tuning coordinates they were received on.
func observedFrom(svcs []psi.Service, space, channel uint32) []catalog.Observed {
	out := make([]catalog.Observed, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, catalog.Observed{
			NID:         svc.NID,
			SID:         svc.SID,
			TSID:        svc.TSID,
			RawName:     svc.Name,
			Name:        svc.Name,
			NetworkName: svc.NetworkName,
			ServiceType: svc.ServiceType,
			PhysicalCh:  svc.PhysicalCh,
			RemoteKey:   svc.RemoteKey,
			Space:       space,
			Channel:     channel,
		})
	}
	return out
}
