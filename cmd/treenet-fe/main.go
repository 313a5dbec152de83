package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/10yihang/treenet/internal/admin"
	"github.com/10yihang/treenet/internal/config"
	"github.com/10yihang/treenet/internal/eventsink"
	"github.com/10yihang/treenet/internal/metrics"
	"github.com/10yihang/treenet/internal/network"
	"github.com/10yihang/treenet/internal/perfdata"
	"github.com/10yihang/treenet/internal/state"
	"github.com/10yihang/treenet/internal/workload"
)

const version = "0.1.0"

var (
	configPath = flag.String("config", "", "YAML configuration file")
	topoPath   = flag.String("topology", "", "topology file (required)")
	launchMode = flag.String("launch", "inprocess", "how children start: inprocess or attach")

	host        = flag.String("host", "", "host name advertised to children")
	listenAddr  = flag.String("listen", "", "address children connect to")
	dataDir     = flag.String("data-dir", "", "directory for topology snapshots")
	metricsAddr = flag.String("metrics-addr", "", "prometheus and event feed address")
	adminAddr   = flag.String("admin-addr", "", "RESP admin console address")
	natsURL     = flag.String("nats-url", "", "NATS server receiving network events")
	archiveDir  = flag.String("archive-dir", "", "perf data archive directory")
	logLevel    = flag.String("log-level", "", "debug, info, warn or error")

	rounds   = flag.Int("rounds", 0, "sum rounds to run before waiting for a signal")
	interval = flag.Duration("interval", time.Second, "pause between rounds")
	perf     = flag.Bool("perfdata", false, "collect per-node packet counts after the rounds")
	exit     = flag.Bool("exit", false, "shut down once the rounds are done")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "treenet-fe: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Node.Host = *host
		case "listen":
			cfg.Node.ListenAddr = *listenAddr
		case "data-dir":
			cfg.Node.DataDir = *dataDir
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		case "admin-addr":
			cfg.Admin.Addr = *adminAddr
		case "nats-url":
			cfg.Events.NATSURL = *natsURL
		case "archive-dir":
			cfg.PerfData.ArchiveDir = *archiveDir
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	return cfg, cfg.Validate()
}

func run() error {
	if *topoPath == "" {
		return errors.New("-topology is required")
	}
	topoText, err := os.ReadFile(*topoPath)
	if err != nil {
		return fmt.Errorf("read topology: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := config.NewRuntime(cfg, os.Stderr)
	if err != nil {
		return err
	}
	log := rt.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []network.Option
	var stateManager *state.Manager
	if cfg.Node.DataDir != "" {
		if stateManager, err = state.NewManager(cfg.Node.DataDir, log); err != nil {
			return err
		}
		defer func() {
			if err := stateManager.Close(); err != nil {
				log.Warn("closing state manager", "error", err)
			}
		}()
		opts = append(opts, network.WithTopologyObserver(stateManager.Observe))
	}

	archive, err := perfdata.OpenArchive(cfg.PerfData.ArchiveDir)
	if err != nil {
		return fmt.Errorf("perf data archive: %w", err)
	}
	defer archive.Close()
	opts = append(opts, network.WithArchive(archive))

	var launcher network.Launcher
	var inproc *network.InProcessLauncher
	switch *launchMode {
	case "inprocess":
		inproc = &network.InProcessLauncher{Runtime: rt}
		launcher = inproc
	case "attach":
		launcher = network.NewAttachLauncher(os.Stdout)
	default:
		return fmt.Errorf("unknown -launch %q", *launchMode)
	}

	fe, err := network.NewFrontEnd(ctx, rt, string(topoText), launcher, opts...)
	if err != nil {
		return err
	}
	if stateManager != nil {
		stateManager.SetSession(fe.Session())
	}
	metrics.InitInfo(version, runtime.Version(), fe.Role(), fe.Session())

	var exporter *metrics.Exporter
	var feed *admin.EventFeed
	if cfg.Metrics.Addr != "" {
		exporter = metrics.NewExporter(cfg.Metrics.Addr)
		feed = admin.NewEventFeed(fe.Events(), log)
		exporter.Handle("/events", feed)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Error("metrics exporter failed", "error", err)
			}
		}()
	}

	var console *admin.Server
	if cfg.Admin.Addr != "" {
		console = admin.NewServer(cfg.Admin.Addr, fe, log)
		go func() {
			if err := console.Start(); err != nil {
				log.Error("admin console failed", "error", err)
			}
		}()
	}

	var nc *nats.Conn
	var sink *eventsink.Sink
	if cfg.Events.NATSURL != "" {
		if nc, err = eventsink.Connect(cfg.Events.NATSURL, "treenet-fe-"+fe.Session(), log); err != nil {
			log.Warn("event sink disabled", "error", err)
		} else {
			sink = eventsink.Start(fe.Events(), nc, cfg.Events.SubjectPrefix, log)
		}
	}

	if inproc != nil {
		for _, n := range inproc.Nodes() {
			if n.IsLeaf() {
				go func(n *network.Network) {
					if err := workload.Respond(ctx, n); err != nil {
						n.Logger().Warn("responder stopped", "error", err)
					}
				}(n)
			}
		}
	}

	if *rounds > 0 {
		res, err := workload.Run(ctx, fe, workload.Options{Rounds: *rounds, Interval: *interval, PerfData: *perf}, log)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("workload failed", "error", err)
		} else if res != nil {
			log.Info("workload done", "rounds", len(res.Rounds))
		}
	}

	if !*exit {
		select {
		case <-ctx.Done():
		case <-fe.Done():
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Network.ShutdownGrace+cfg.Network.AckTimeout)
	defer cancel()
	if err := fe.Shutdown(shutdownCtx); err != nil {
		log.Warn("network shutdown", "error", err)
	}
	if inproc != nil {
		if err := inproc.Wait(shutdownCtx); err != nil {
			log.Warn("waiting for in-process nodes", "error", err)
		}
	}

	if sink != nil {
		sink.Stop()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn("draining nats connection", "error", err)
		}
	}
	if console != nil {
		if err := console.Stop(); err != nil {
			log.Warn("stopping admin console", "error", err)
		}
	}
	if feed != nil {
		feed.Close()
	}
	if exporter != nil {
		if err := exporter.Stop(); err != nil {
			log.Warn("stopping metrics exporter", "error", err)
		}
	}
	return fe.Err()
}
