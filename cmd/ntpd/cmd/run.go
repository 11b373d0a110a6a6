/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ntpsync/ntpd/auth"
	"github.com/ntpsync/ntpd/config"
	"github.com/ntpsync/ntpd/discipline"
	"github.com/ntpsync/ntpd/kernelclock"
	"github.com/ntpsync/ntpd/peer"
	"github.com/ntpsync/ntpd/protocol/ntp"
	"github.com/ntpsync/ntpd/stats"
	"github.com/ntpsync/ntpd/system"
	"github.com/ntpsync/ntpd/transport"
)

var (
	runConfigFlag      string
	runAllowPanicFlag  bool
	runMetricsPortFlag int
)

// systemPrecision is the log2-seconds clock precision advertised in
// outgoing packets; most general-purpose kernels resolve time to well
// under a microsecond, i.e. 2^-20s.
const systemPrecision int8 = -20

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "/etc/ntpd/ntpd.yaml", "path to the YAML config file")
	runCmd.Flags().BoolVar(&runAllowPanicFlag, "allow-panic-waiver", false, "step the clock instead of exiting when the offset exceeds the panic threshold")
	runCmd.Flags().IntVar(&runMetricsPortFlag, "metrics-port", 0, "override the configured Prometheus metrics port (0 keeps the config value)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the NTP daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return runDaemon()
	},
}

func runDaemon() error {
	cfg, err := config.ReadConfig(runConfigFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if runMetricsPortFlag != 0 {
		cfg.MonitoringPort = runMetricsPortFlag
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port)
	listener, err := transport.Listen(listenAddr, cfg.DSCP)
	if err != nil {
		return fmt.Errorf("binding %s: %w", listenAddr, err)
	}
	defer listener.Close()

	table := peer.NewTable()
	for _, p := range cfg.Peers {
		addr, err := netip.ParseAddrPort(fmt.Sprintf("%s:123", p.Address))
		if err != nil {
			log.WithError(err).Warnf("skipping unresolvable peer %q", p.Address)
			continue
		}
		hostMode := ntp.ModeClient
		var flags peer.Flag
		switch p.Mode {
		case "peer":
			hostMode = ntp.ModeSymmetricActive
		case "broadcast":
			hostMode = ntp.ModeBroadcast
		}
		if p.Burst {
			flags |= peer.FlagBurst
		}
		if p.IBurst {
			flags |= peer.FlagInitialBurst
		}
		if _, err := table.Mobilize(addr, netip.Addr{}, ntp.Version, hostMode, p.Key, flags); err != nil {
			log.WithError(err).Warnf("could not mobilize peer %q", p.Address)
		}
	}

	var sys *system.System
	if ppm, found, err := discipline.LoadFrequency(cfg.DriftFile); err == nil && found {
		sys = system.NewWithClock(systemPrecision, ppm)
	} else {
		sys = system.New(systemPrecision)
	}
	if runAllowPanicFlag {
		sys.Flags |= system.FlagPanicWaived
	}

	keys := auth.NewKeyStore()

	reporter := stats.NewProm()
	if cfg.MonitoringPort > 0 {
		go reporter.Start(cfg.MonitoringPort)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := listener.Serve(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("transport listener stopped")
		}
	}()

	clk := kernelclock.NewSystem()
	engine := system.NewEngine(table, sys, clk, keys, reporter, listener, listener.Recv())
	engine.DriftFile = cfg.DriftFile

	if cfg.MonitoringPort > 0 {
		go engine.ServeMonitor(cfg.MonitoringPort + 1)
	}

	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		if runAllowPanicFlag {
			log.WithError(err).Error("engine stopped")
			return err
		}
		log.WithError(err).Fatal("engine stopped")
	}
	return nil
}
