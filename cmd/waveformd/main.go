package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	waveformsdk "github.com/flexradio/waveform-sdk"
	"github.com/flexradio/waveform-sdk/internal/config"
	"github.com/flexradio/waveform-sdk/internal/discovery"
	"github.com/flexradio/waveform-sdk/internal/logging"
	"github.com/flexradio/waveform-sdk/internal/monitor"
)

var (
	configPath  = flag.String("config", "waveformd.yaml", "waveform config file path")
	logPath     = flag.String("log-file", "", "rotating log file path (console only if empty)")
	logLevel    = flag.String("log-level", "info", "debug, info, warn, or error")
	monitorAddr = flag.String("monitor-addr", "", "bind address for the read-only HTTP monitor (disabled if empty)")
	discoverFor = flag.Duration("discover", 0, "if set and config has no radio.address, wait this long for a UDP discovery broadcast")
)

func main() {
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, closeLog := newCharmLogger(level, *logPath)
	defer closeLog()
	logging.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", logging.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Radio.Address == "" && *discoverFor > 0 {
		addr, err := discovery.WaitTimeout(*discoverFor, log)
		if err != nil {
			log.Error("discovery", logging.Field{Key: "error", Value: err})
			os.Exit(1)
		}
		log.Info("discovered radio", logging.Field{Key: "address", Value: addr})
		cfg.Radio.Address = addr
	}

	radio, err := cfg.Build(waveformsdk.WithLogger(log))
	if err != nil {
		log.Error("build radio from config", logging.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	if err := radio.Start(ctx); err != nil {
		log.Error("start radio", logging.Field{Key: "error", Value: err})
		os.Exit(1)
	}

	if *monitorAddr != "" {
		mon := monitor.New(*monitorAddr, radio, log)
		go mon.Start(ctx)
		log.Info("monitor listening", logging.Field{Key: "address", Value: *monitorAddr})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		radio.Close()
		cancel()
	}()

	if err := radio.Wait(); err != nil {
		log.Warn("radio session ended", logging.Field{Key: "error", Value: err})
	}

	// give the monitor's graceful shutdown a moment to finish before exit.
	time.Sleep(50 * time.Millisecond)
}
