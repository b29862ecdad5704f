// Command bonproxyd is the tuner mediation daemon: it multiplexes
// physical tuners behind the BNDP wire protocol, keeps a channel
// catalog current and serves an operational web surface.
package main

import (
	"context"
	stdtls "crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bondnet/bonproxy/internal/catalog"
	"github.com/bondnet/bonproxy/internal/config"
	"github.com/bondnet/bonproxy/internal/driver"
	"github.com/bondnet/bonproxy/internal/log"
	"github.com/bondnet/bonproxy/internal/scan"
	"github.com/bondnet/bonproxy/internal/server"
	bontls "github.com/bondnet/bonproxy/internal/tls"
	"github.com/bondnet/bonproxy/internal/tuner"
	"github.com/bondnet/bonproxy/internal/web"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// repeatable --tuner flag
type tunerList []string

func (t *tunerList) String() string { return strings.Join(*t, ",") }
func (t *tunerList) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func main() {
	var tuners tunerList
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	listen := flag.String("listen", "", "BNDP listen address")
	webListen := flag.String("web-listen", "", "web/metrics listen address")
	database := flag.String("database", "", "catalog database path")
	maxConns := flag.Int("max-connections", 0, "maximum concurrent client sessions")
	verbose := flag.Bool("verbose", false, "debug logging")
	enableScan := flag.Bool("enable-scan", true, "run the periodic active scanner")
	scanOnStart := flag.Bool("scan-on-start", false, "scan all drivers at startup")
	logDir := flag.String("log-dir", "", "also write logs to this directory")
	logRetention := flag.Int("log-retention-days", 0, "delete log files older than this")
	flag.Var(&tuners, "tuner", "tuner driver path (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bonproxyd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "info", Service: "bonproxy"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration load failed")
	}

	// CLI flags override everything
	applyFlags(&cfg, flagOverrides{
		listen:       *listen,
		webListen:    *webListen,
		database:     *database,
		maxConns:     *maxConns,
		verbose:      *verbose,
		enableScan:   enableScan,
		scanOnStart:  *scanOnStart,
		logDir:       *logDir,
		logRetention: *logRetention,
		tuners:       tuners,
	})

	logOutput, err := setupLogOutput(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("log setup failed")
	}
	log.Reconfigure(log.Config{Level: cfg.LogLevel, Output: logOutput, Service: "bonproxy"})
	logger = log.WithComponent("daemon")
	logger.Info().
		Str("version", version).
		Str("listen", cfg.Listen).
		Str("database", cfg.Database).
		Msg("bonproxyd starting")

	store, err := catalog.Open(cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Database).Msg("catalog open failed")
	}
	defer func() { _ = store.Close() }()

	for _, d := range cfg.Drivers {
		if _, err := store.RegisterDriver(d.Path, d.Group, d.MaxInstances, d.ScanPriority); err != nil {
			logger.Fatal().Err(err).Str(log.FieldDriverPath, d.Path).Msg("driver registration failed")
		}
	}

	reg := driver.DefaultRegistry()
	pool := tuner.NewPool(reg, capacityFunc(store))
	sel := tuner.NewSelector(pool, store, tuner.SelectorConfig{
		SignalTimeout: cfg.Tune.SignalTimeout,
		SignalPoll:    cfg.Tune.SignalPoll,
		SignalMin:     float32(cfg.Tune.SignalMin),
		PacketTimeout: cfg.Tune.PacketTimeout,
	})
	bndp := server.New(pool, sel, store, server.Config{
		MaxConnections: cfg.MaxConnections,
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Listen).Msg("listen failed")
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := bontls.ServerConfig(bontls.Options{
			CACert:            cfg.TLS.CACert,
			ServerCert:        cfg.TLS.ServerCert,
			ServerKey:         cfg.TLS.ServerKey,
			RequireClientCert: cfg.TLS.RequireClientCert,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("TLS setup failed")
		}
		ln = stdtls.NewListener(ln, tlsCfg)
		logger.Info().Msg("BNDP listener TLS enabled")
	}

	holder := config.NewHolder(cfg, loader)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable")
	}
	reloads := make(chan config.Config, 1)
	holder.Subscribe(reloads)

	sched := scan.NewScheduler(pool, reg, store, scan.SchedulerConfig{})
	passive := scan.NewPassive(pool, store, scan.PassiveConfig{
		OnExclusive: cfg.Scan.PassiveOnExclusive,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("BNDP listener started")
		return bndp.Serve(gctx, ln)
	})
	if cfg.WebListen != "" {
		webSrv := web.New(cfg.WebListen, pool, bndp, store)
		g.Go(func() error { return webSrv.Run(gctx) })
	}
	if cfg.Scan.Enabled {
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}
	if cfg.Scan.PassiveEnabled {
		g.Go(func() error {
			passive.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		applyReloads(gctx, reloads, store, pool)
		return nil
	})

	if cfg.Scan.OnStart {
		g.Go(func() error {
			scanAll(gctx, sched, store)
			return nil
		})
	}

	err = g.Wait()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool.Shutdown(shutCtx)
	cancel()

	if err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("bonproxyd stopped")
}

type flagOverrides struct {
	listen       string
	webListen    string
	database     string
	maxConns     int
	verbose      bool
	enableScan   *bool
	scanOnStart  bool
	logDir       string
	logRetention int
	tuners       []string
}

func applyFlags(cfg *config.Config, f flagOverrides) {
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.webListen != "" {
		cfg.WebListen = f.webListen
	}
	if f.database != "" {
		cfg.Database = f.database
	}
	if f.maxConns > 0 {
		cfg.MaxConnections = f.maxConns
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
	if flagPassed("enable-scan") {
		cfg.Scan.Enabled = *f.enableScan
	}
	if f.scanOnStart {
		cfg.Scan.OnStart = true
	}
	if f.logDir != "" {
		cfg.LogDir = f.logDir
	}
	if f.logRetention > 0 {
		cfg.LogRetentionDays = f.logRetention
	}
	for _, path := range f.tuners {
		cfg.Drivers = append(cfg.Drivers, config.DriverConfig{Path: path, MaxInstances: 1})
	}
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

// capacityFunc answers pool capacity questions from the catalog, so
// max_instances edits apply without a restart.
func capacityFunc(store *catalog.Store) tuner.CapacityFunc {
	return func(path string) int {
		d, err := store.GetDriverByPath(path)
		if err != nil || d.MaxInstances < 1 {
			return 1
		}
		return d.MaxInstances
	}
}

// applyReloads pushes reloaded settings into running components.
func applyReloads(ctx context.Context, reloads <-chan config.Config, store *catalog.Store, pool *tuner.Pool) {
	logger := log.WithComponent("daemon")
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-reloads:
			log.Reconfigure(log.Config{Level: cfg.LogLevel, Service: "bonproxy"})
			for _, d := range cfg.Drivers {
				if _, err := store.RegisterDriver(d.Path, d.Group, d.MaxInstances, d.ScanPriority); err != nil {
					logger.Warn().Err(err).Str(log.FieldDriverPath, d.Path).Msg("driver update failed")
					continue
				}
				pool.SetCapacity(d.Path, d.MaxInstances)
			}
			logger.Info().Msg("reloaded configuration applied")
		}
	}
}

// scanAll runs one active scan over every registered driver.
func scanAll(ctx context.Context, sched *scan.Scheduler, store *catalog.Store) {
	logger := log.WithComponent("daemon")
	drivers, err := store.AllDrivers()
	if err != nil {
		logger.Error().Err(err).Msg("startup scan listing failed")
		return
	}
	for _, d := range drivers {
		if ctx.Err() != nil {
			return
		}
		if err := sched.ScanDriver(ctx, d); err != nil {
			logger.Error().Err(err).Str(log.FieldDriverPath, d.Path).Msg("startup scan failed")
		}
	}
}
