// Command switchd is the SIP proxy/registrar core's daemon entrypoint: it
// loads configuration, wires the registry, call stack, worker, control
// channel and background sweep together, then blocks serving SIP traffic
// until a signal or control-channel command asks it to stop or restart
// (spec §6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaypbx/switchcore/internal/background"
	"github.com/relaypbx/switchcore/internal/banner"
	"github.com/relaypbx/switchcore/internal/callstack"
	"github.com/relaypbx/switchcore/internal/config"
	"github.com/relaypbx/switchcore/internal/control"
	"github.com/relaypbx/switchcore/internal/logger"
	"github.com/relaypbx/switchcore/internal/messaging"
	"github.com/relaypbx/switchcore/internal/registry"
	"github.com/relaypbx/switchcore/internal/rtpproxy"
	"github.com/relaypbx/switchcore/internal/transport"
	"github.com/relaypbx/switchcore/internal/worker"
)

// Exit codes, spec §6.
const (
	exitNormal      = 0
	exitRestart     = 1
	exitConfigError = 2
	exitBindError   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchd: open log file: %v\n", err)
		return exitConfigError
	}
	defer logFile.Close()

	logger.SetLevel(cfg.LogLevel)
	logger.Init("switchd", os.Stdout, logFile)

	banner.Print("switchd - SIP proxy/registrar core", []banner.ConfigLine{
		{Label: "Bind", Value: fmt.Sprintf("%s:%d/%s", cfg.BindAddr, cfg.Port, cfg.Transport)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Realm", Value: cfg.Realm},
		{Label: "Control", Value: cfg.ControlPath},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	reg := registry.New(registry.Config{
		EntryCapacity:   cfg.ArenaEntries,
		TargetCapacity:  cfg.ArenaTargets,
		PatternCapacity: cfg.ArenaPatterns,
		Buckets:         cfg.RegistryBuckets,
		MinExpires:      cfg.MinExpires,
		MaxExpires:      cfg.MaxExpires,
		DefaultExpires:  cfg.DefaultExpires,
	})

	stack := callstack.New(callstack.Config{
		CallCapacity:    cfg.ArenaCalls,
		SegmentCapacity: cfg.ArenaSegments,
		RingTimer:       cfg.RingTimer,
		CFNATimer:       cfg.CFNATimer,
		ResetTimer:      cfg.ResetTimer,
		InviteExpires:   cfg.InviteExpires,
		CallSafetyNet:   cfg.CallSafetyNet,
	})

	messages := messaging.New(cfg.ArenaMessages, cfg.MessageTTL)

	tx, err := transport.New(transport.Config{
		BindAddr:      cfg.BindAddr,
		Port:          cfg.Port,
		AdvertiseAddr: cfg.AdvertiseAddr,
		Network:       cfg.Transport,
		Ident:         "switchd",
	})
	if err != nil {
		slog.Error("[Main] failed to build transport", "error", err)
		return exitBindError
	}
	defer tx.Close()

	w, err := worker.New(worker.Config{
		MinExpires:    cfg.MinExpires,
		Realm:         cfg.Realm,
		TrustedCIDRs:  cfg.TrustedCIDRs,
		AuthThreshold: cfg.AuthFailThreshold,
		AuthWindow:    cfg.AuthFailWindow,
	}, tx, reg, stack, messages)
	if err != nil {
		slog.Error("[Main] failed to build worker", "error", err)
		return exitConfigError
	}
	stack.SetSink(w)

	var relay *rtpproxy.Pool
	if len(cfg.RelayAddrs) > 0 {
		relay = rtpproxy.NewPool(rtpproxy.Config{
			ConnectTimeout:    cfg.RelayConnectTimeout,
			KeepaliveInterval: cfg.RelayKeepaliveInterval,
			KeepaliveTimeout:  cfg.RelayKeepaliveTimeout,
		}, cfg.RelayAddrs)
		w.SetRelay(relay)
		defer relay.Close()
	}

	if cfg.MetricsEnabled {
		control.NewMetrics(prometheus.DefaultRegisterer, stack, reg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var restartRequested atomic.Bool

	engine := &control.Engine{
		Registry: reg,
		Stack:    stack,
		Messages: messages,
		Reload: func() error {
			slog.Info("[Main] reload requested (no reloadable config surface; acknowledging)")
			return nil
		},
		Stop: func() {
			slog.Info("[Main] stop requested via control channel")
			cancel()
		},
		Restart: func() {
			slog.Info("[Main] restart requested via control channel")
			restartRequested.Store(true)
			cancel()
		},
	}

	ctrl, err := control.New(cfg.ControlPath, engine)
	if err != nil {
		slog.Error("[Main] failed to open control channel", "error", err)
		return exitConfigError
	}
	defer ctrl.Close()

	controlStop := make(chan struct{})
	go ctrl.Serve(controlStop)
	defer close(controlStop)

	sweepInterval := cfg.SweepInterval * time.Duration(maxInt(1, cfg.SweepMultiplier))
	bg := background.New(sweepInterval, reg, messages, w)
	go bg.Run(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- tx.ListenAndServe(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		slog.Info("[Main] received signal, shutting down", "signal", sig.String())
		cancel()
	case err := <-serveErrCh:
		if err != nil {
			slog.Error("[Main] transport listener exited", "error", err)
			cancel()
			return exitBindError
		}
	case <-ctx.Done():
	}

	<-bg.Done()

	if restartRequested.Load() {
		return exitRestart
	}
	return exitNormal
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
