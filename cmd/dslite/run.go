// Copyright 2024 Softwire Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songgao/water"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/softwireproto/dslite/dslite"
	"github.com/softwireproto/dslite/dslite/config"
	"github.com/softwireproto/dslite/dslite/mgmtapi"
	"github.com/softwireproto/dslite/pkg/log"
	"github.com/softwireproto/dslite/pkg/private/serrors"
)

func newRun() *cobra.Command {
	var flags struct {
		config string
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the DS-Lite gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(flags.config)
		},
	}
	cmd.Flags().StringVar(&flags.config, "config", "", "Config file (required)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := log.Setup(cfg.Logging); err != nil {
		return err
	}
	defer log.HandlePanic()

	dp, err := buildDataPlane(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, errCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer log.HandlePanic()
		return dp.Run(errCtx)
	})

	if cfg.API.Addr != "" {
		api := &mgmtapi.Server{DataPlane: dp, Logger: log.Root()}
		server := &http.Server{Addr: cfg.API.Addr, Handler: api.Handler()}
		log.Info("Exposing management API", "addr", cfg.API.Addr)
		g.Go(func() error {
			defer log.HandlePanic()
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return serrors.Wrap("serving management API", err)
			}
			return nil
		})
		g.Go(func() error {
			defer log.HandlePanic()
			<-errCtx.Done()
			return server.Close()
		})
	}
	if cfg.Metrics.Prometheus != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.Metrics.Prometheus, Handler: mux}
		log.Info("Exposing metrics", "addr", cfg.Metrics.Prometheus)
		g.Go(func() error {
			defer log.HandlePanic()
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return serrors.Wrap("serving metrics", err)
			}
			return nil
		})
		g.Go(func() error {
			defer log.HandlePanic()
			<-errCtx.Done()
			return server.Close()
		})
	}
	return g.Wait()
}

func buildDataPlane(cfg *config.Config) (*dslite.DataPlane, error) {
	mode, err := dslite.ParseMode(cfg.Gateway.Mode)
	if err != nil {
		return nil, err
	}
	dp := dslite.NewDataPlane(log.Root())
	if err := dp.SetMode(mode); err != nil {
		return nil, err
	}
	aftr6 := netip.MustParseAddr(cfg.Gateway.AFTRAddr)
	if err := dp.SetAFTRAddress(aftr6); err != nil {
		return nil, err
	}
	if mode == dslite.ModeCE {
		if err := dp.SetB4Address(netip.MustParseAddr(cfg.Gateway.B4Addr)); err != nil {
			return nil, err
		}
	}
	if err := dp.SetFIB(cfg.Gateway.FIB); err != nil {
		return nil, err
	}
	if err := dp.SetWorkers(cfg.Gateway.Workers); err != nil {
		return nil, err
	}
	shardCfg := dslite.ShardConfig{
		MaxSessions: cfg.Gateway.MaxSessions,
		MaxB4s:      cfg.Gateway.MaxB4s,
	}
	if err := dp.SetShardConfig(shardCfg); err != nil {
		return nil, err
	}
	if err := dp.SetTimeouts(cfg.Gateway.IdleTimeout.Duration,
		cfg.Gateway.SweepInterval.Duration); err != nil {
		return nil, err
	}
	for _, pool := range cfg.Pools {
		for _, a := range pool.Addresses {
			if err := dp.AddPoolAddress(pool.FIB, netip.MustParseAddr(a)); err != nil {
				return nil, err
			}
		}
		for _, p := range pool.Prefixes {
			if err := dp.AddPoolPrefix(pool.FIB, netip.MustParsePrefix(p)); err != nil {
				return nil, err
			}
		}
	}

	tunnel, err := openTUN(cfg.Tunnel.TunnelName)
	if err != nil {
		return nil, serrors.Wrap("opening tunnel device", err,
			"name", cfg.Tunnel.TunnelName)
	}
	if err := dp.SetTunnelDevice(tunnel); err != nil {
		return nil, err
	}
	wire, err := openTUN(cfg.Tunnel.WireName)
	if err != nil {
		return nil, serrors.Wrap("opening wire device", err,
			"name", cfg.Tunnel.WireName)
	}
	if err := dp.SetWireDevice(wire); err != nil {
		return nil, err
	}
	return dp, nil
}

func openTUN(name string) (*water.Interface, error) {
	return water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: name},
	})
}

func newSampleConfig() *cobra.Command {
	return &cobra.Command{
		Use:   "sample-config",
		Short: "Print a commented sample config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Sample(cmd.OutOrStdout())
		},
	}
}
