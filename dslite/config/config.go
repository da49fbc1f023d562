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

// Package config holds the TOML configuration of the gateway. A config
// struct is initialized with InitDefaults, checked with Validate, and a
// commented sample can be generated with Sample.
package config

import (
	"net/netip"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/softwireproto/dslite/dslite"
	"github.com/softwireproto/dslite/pkg/log"
	"github.com/softwireproto/dslite/pkg/private/serrors"
	"github.com/softwireproto/dslite/pkg/private/util"
)

// Defaults.
const (
	DefaultTunnelName = "dslite0"
	DefaultWireName   = "dslite1"

	DefaultMetricsAddr = ":30452"
	DefaultAPIAddr     = ":30552"

	DefaultIdleTimeout   = 10 * time.Minute
	DefaultSweepInterval = 10 * time.Second
)

type Config struct {
	Logging log.Config  `toml:"log,omitempty"`
	Metrics Metrics     `toml:"metrics,omitempty"`
	API     API         `toml:"api,omitempty"`
	Gateway Gateway     `toml:"gateway,omitempty"`
	Tunnel  Tunnel      `toml:"tunnel,omitempty"`
	Pools   []PoolEntry `toml:"pool,omitempty"`
}

func (cfg *Config) InitDefaults() {
	cfg.Logging.InitDefaults()
	cfg.Metrics.InitDefaults()
	cfg.API.InitDefaults()
	cfg.Gateway.InitDefaults()
	cfg.Tunnel.InitDefaults()
}

func (cfg *Config) Validate() error {
	if err := cfg.Logging.Validate(); err != nil {
		return err
	}
	if err := cfg.Gateway.Validate(); err != nil {
		return err
	}
	for i := range cfg.Pools {
		if err := cfg.Pools[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Prometheus string `toml:"prometheus,omitempty"`
}

func (cfg *Metrics) InitDefaults() {
	if cfg.Prometheus == "" {
		cfg.Prometheus = DefaultMetricsAddr
	}
}

// API configures the management API endpoint. An empty address disables it.
type API struct {
	Addr string `toml:"addr,omitempty"`
}

func (cfg *API) InitDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAPIAddr
	}
}

// Gateway holds the DS-Lite specific configuration.
type Gateway struct {
	// Mode is the gateway role: "aftr" or "ce".
	Mode string `toml:"mode,omitempty"`
	// AFTRAddr is the AFTR's IPv6 tunnel endpoint.
	AFTRAddr string `toml:"aftr_addr,omitempty"`
	// B4Addr is the local softwire address, required in ce mode.
	B4Addr string `toml:"b4_addr,omitempty"`
	// AFTRIPv4 and B4IPv4 are the well-known IPv4 addresses of the tunnel
	// endpoints inside the softwire (RFC 6333 uses 192.0.0.1 and 192.0.0.2).
	AFTRIPv4 string `toml:"aftr_ipv4,omitempty"`
	B4IPv4   string `toml:"b4_ipv4,omitempty"`
	// FIB scopes all translations of this gateway instance.
	FIB uint16 `toml:"fib,omitempty"`
	// Workers is the number of worker shards. Zero means one.
	Workers int `toml:"workers,omitempty"`
	// MaxSessions and MaxB4s bound each worker shard.
	MaxSessions uint32 `toml:"max_sessions,omitempty"`
	MaxB4s      uint32 `toml:"max_b4s,omitempty"`
	// IdleTimeout is how long a session may sit idle before it is swept.
	IdleTimeout util.DurWrap `toml:"session_idle_timeout,omitempty"`
	// SweepInterval is how often each worker scans for idle sessions.
	SweepInterval util.DurWrap `toml:"sweep_interval,omitempty"`
}

func (cfg *Gateway) InitDefaults() {
	if cfg.Mode == "" {
		cfg.Mode = "aftr"
	}
	if cfg.AFTRIPv4 == "" {
		cfg.AFTRIPv4 = "192.0.0.1"
	}
	if cfg.B4IPv4 == "" {
		cfg.B4IPv4 = "192.0.0.2"
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.IdleTimeout.Duration == 0 {
		cfg.IdleTimeout.Duration = DefaultIdleTimeout
	}
	if cfg.SweepInterval.Duration == 0 {
		cfg.SweepInterval.Duration = DefaultSweepInterval
	}
}

func (cfg *Gateway) Validate() error {
	mode, err := dslite.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	if cfg.AFTRAddr == "" {
		return serrors.New("aftr_addr must be set")
	}
	if _, err := parseIP6(cfg.AFTRAddr); err != nil {
		return serrors.Wrap("parsing aftr_addr", err)
	}
	if mode == dslite.ModeCE {
		if cfg.B4Addr == "" {
			return serrors.New("b4_addr must be set in ce mode")
		}
		if _, err := parseIP6(cfg.B4Addr); err != nil {
			return serrors.Wrap("parsing b4_addr", err)
		}
	}
	for _, a := range []string{cfg.AFTRIPv4, cfg.B4IPv4} {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return serrors.Wrap("parsing tunnel endpoint IPv4", err, "addr", a)
		}
		if !addr.Is4() {
			return serrors.New("tunnel endpoint address must be IPv4", "addr", a)
		}
	}
	if cfg.FIB > dslite.MaxFIBIndex {
		return serrors.New("fib out of range", "fib", cfg.FIB,
			"max", dslite.MaxFIBIndex)
	}
	if cfg.Workers < 0 {
		return serrors.New("workers must be positive", "workers", cfg.Workers)
	}
	return nil
}

// Tunnel names the packet devices.
type Tunnel struct {
	// TunnelName is the TUN device facing the softwire tunnels.
	TunnelName string `toml:"tunnel_name,omitempty"`
	// WireName is the TUN device facing the IPv4 internet (aftr mode) or
	// the local IPv4 host stack (ce mode).
	WireName string `toml:"wire_name,omitempty"`
}

func (cfg *Tunnel) InitDefaults() {
	if cfg.TunnelName == "" {
		cfg.TunnelName = DefaultTunnelName
	}
	if cfg.WireName == "" {
		cfg.WireName = DefaultWireName
	}
}

// PoolEntry configures the public translation pool of one FIB.
type PoolEntry struct {
	FIB       uint16   `toml:"fib,omitempty"`
	Addresses []string `toml:"addresses,omitempty"`
	Prefixes  []string `toml:"prefixes,omitempty"`
}

func (cfg *PoolEntry) Validate() error {
	if len(cfg.Addresses) == 0 && len(cfg.Prefixes) == 0 {
		return serrors.New("pool entry without addresses", "fib", cfg.FIB)
	}
	for _, a := range cfg.Addresses {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return serrors.Wrap("parsing pool address", err, "addr", a)
		}
		if !addr.Is4() {
			return serrors.New("pool address must be IPv4", "addr", a)
		}
	}
	for _, p := range cfg.Prefixes {
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return serrors.Wrap("parsing pool prefix", err, "prefix", p)
		}
		if !prefix.Addr().Is4() {
			return serrors.New("pool prefix must be IPv4", "prefix", p)
		}
	}
	return nil
}

func parseIP6(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, serrors.New("not an IPv6 address", "addr", s)
	}
	return addr, nil
}

// Load reads and parses the TOML config at path. Defaults are applied for
// unset fields; the result is validated.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap("reading config", err, "path", path)
	}
	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, serrors.Wrap("parsing config", err, "path", path)
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
