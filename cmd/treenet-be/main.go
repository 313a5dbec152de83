package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/10yihang/treenet/internal/config"
	"github.com/10yihang/treenet/internal/metrics"
	"github.com/10yihang/treenet/internal/network"
	"github.com/10yihang/treenet/internal/packet"
	"github.com/10yihang/treenet/internal/workload"
)

const version = "0.1.0"

var (
	configPath  = flag.String("config", "", "YAML configuration file")
	parent      = flag.String("parent", "", "parent as host:port:rank (required)")
	rank        = flag.Uint("rank", 0, "rank of this back-end (required)")
	host        = flag.String("host", "", "host name of this back-end")
	metricsAddr = flag.String("metrics-addr", "", "prometheus address")
	logLevel    = flag.String("log-level", "", "debug, info, warn or error")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "treenet-be: %v\n", err)
		os.Exit(1)
	}
}

// parseParent splits "host:port:rank" as printed by the front end's attach
// launcher.
func parseParent(s string) (string, packet.Port, packet.Rank, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, 0, fmt.Errorf("parent %q: want host:port:rank", s)
	}
	j := strings.LastIndexByte(s[:i], ':')
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("parent %q: want host:port:rank", s)
	}
	port, err := strconv.ParseUint(s[j+1:i], 10, 16)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parent %q: port: %w", s, err)
	}
	r, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("parent %q: rank: %w", s, err)
	}
	return s[:j], packet.Port(port), packet.Rank(r), nil
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
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	return cfg, cfg.Validate()
}

func run() error {
	if *parent == "" {
		return errors.New("-parent is required")
	}
	parentHost, parentPort, parentRank, err := parseParent(*parent)
	if err != nil {
		return err
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

	attachCtx, cancel := context.WithTimeout(ctx, cfg.Network.DialTimeout+cfg.Network.AckTimeout)
	be, err := network.NewBackEnd(attachCtx, rt, parentHost, parentPort, parentRank, packet.Rank(*rank))
	cancel()
	if err != nil {
		return err
	}
	metrics.InitInfo(version, runtime.Version(), be.Role(), be.Session())

	var exporter *metrics.Exporter
	if cfg.Metrics.Addr != "" {
		exporter = metrics.NewExporter(cfg.Metrics.Addr)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Error("metrics exporter failed", "error", err)
			}
		}()
		defer exporter.Stop()
	}

	if err := workload.Respond(ctx, be); err != nil {
		log.Warn("responder stopped", "error", err)
	}
	be.Close()
	<-be.Done()
	log.Info("back-end exiting", "rank", be.Rank())
	return be.Err()
}
