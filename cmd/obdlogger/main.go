package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/obd2-logger/internal/can"
	"github.com/shaunagostinho/obd2-logger/internal/catalog"
	"github.com/shaunagostinho/obd2-logger/internal/config"
	"github.com/shaunagostinho/obd2-logger/internal/obd"
	"github.com/shaunagostinho/obd2-logger/internal/poll"
	"github.com/shaunagostinho/obd2-logger/internal/server"
	"github.com/shaunagostinho/obd2-logger/internal/sink"
	"github.com/shaunagostinho/obd2-logger/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/obd2-logger/config.yaml", "Path to config file (.yaml or .toml)")
	demo := flag.Bool("demo", false, "Poll a simulated ECU instead of a real bus")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("obdlogger", version)
		return
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load config
	cfg, notes, err := config.Load(*configPath)
	if err != nil {
		log.WithField("component", "main").Fatalf("%v", err)
	}
	if *demo {
		cfg.Bus.Kind = can.KindDemo
		cfg.Catalog.Path = ""
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	setupLogger(log, cfg.Log)

	mlog := log.WithField("component", "main")
	mlog.Infof("obdlogger %s starting", version)
	for _, n := range notes {
		log.WithField("component", "config").Info(n)
	}

	if err := cfg.Validate(); err != nil {
		mlog.Fatalf("%v", err)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mlog.Infof("received %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		mlog.Fatalf("%v", err)
	}
}

func setupLogger(log *logrus.Logger, cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

// run wires the catalog, bus, sinks and live view together and polls until
// ctx is cancelled. Failures before the loop starts are returned.
func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	mlog := log.WithField("component", "main")
	if cfg.Path() != "" {
		mlog.Debugf("config path %s", cfg.Path())
	}

	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	clog := log.WithField("component", "catalog")
	clog.Infof("loaded %d signals from %s", len(cat.Names()), cat.Source())

	params, err := obd.Bind(cfg.Parameters, cat)
	if err != nil {
		return err
	}
	cycle, err := obd.NewCycle(params, obd.CycleConfig{
		RequestID: cfg.OBD.RequestID,
		Timeout:   time.Duration(cfg.OBD.ResponseTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := server.NewHub(log)
	sinks, err := openSinks(cfg, log)
	if err != nil {
		return err
	}
	sinks = append(sinks, hub)
	defer func() {
		if err := sinks.Close(); err != nil {
			mlog.Warnf("closing sinks: %v", err)
		}
	}()

	bus, err := can.Open(ctx, cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("open %s bus: %w", cfg.Bus.Kind, err)
	}
	filters := cat.Filters(cfg.OBD.FilterMask)
	if err := bus.SetFilters(filters); err != nil {
		bus.Close()
		return fmt.Errorf("set filters: %w", err)
	}
	for _, f := range filters {
		clog.Debugf("filter 0x%X/0x%X carries %v", f.ID, f.Mask, cat.ResolveFrame(f.ID))
	}

	loop, err := poll.New(bus, cycle, sinks, poll.Config{
		Measurement:   cfg.OBD.Measurement,
		CycleInterval: time.Duration(cfg.OBD.CycleIntervalMs) * time.Millisecond,
	}, log, poll.NewMetrics(reg))
	if err != nil {
		bus.Close()
		return err
	}

	if cfg.Server.Enabled {
		srv := server.New(server.Options{
			ListenAddr: cfg.Server.ListenAddr,
			Hub:        hub,
			Config:     cfg,
			Gatherer:   reg,
			WebFS:      web.FS,
			State:      func() string { return loop.State().String() },
			Version:    version,
		}, log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				mlog.Errorf("server exited: %v", err)
			}
		}()
	}

	return loop.Run(ctx)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

// openSinks builds the enabled persistence sinks. A sink that cannot be
// constructed aborts startup; one that is merely unreachable only warns.
func openSinks(cfg *config.Config, log *logrus.Logger) (sink.Multi, error) {
	var out sink.Multi
	fail := func(err error) (sink.Multi, error) {
		out.Close()
		return nil, err
	}

	if cfg.Influx.Enabled {
		s, err := sink.NewInflux(cfg.Influx, log)
		if err != nil {
			return fail(err)
		}
		out = append(out, s)
	}
	if cfg.Redis.Enabled {
		s, err := sink.NewRedis(cfg.Redis, log)
		if err != nil {
			return fail(err)
		}
		out = append(out, s)
	}
	if cfg.SQLite.Enabled {
		s, err := sink.NewSQLite(cfg.SQLite, log)
		if err != nil {
			return fail(err)
		}
		out = append(out, s)
	}
	if cfg.CSV.Enabled {
		out = append(out, sink.NewCSV(cfg.CSV, log))
	}
	return out, nil
}
