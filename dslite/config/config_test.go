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

package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The sample must parse, validate, and agree with the defaults.
func TestSampleConsistent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Sample(&buf))

	var cfg Config
	require.NoError(t, toml.Unmarshal(buf.Bytes(), &cfg))
	cfg.InitDefaults()
	require.NoError(t, cfg.Validate())

	var def Config
	def.InitDefaults()
	assert.Equal(t, def.Logging, cfg.Logging)
	assert.Equal(t, def.Metrics, cfg.Metrics)
	assert.Equal(t, def.API, cfg.API)
	assert.Equal(t, def.Tunnel, cfg.Tunnel)
	assert.Equal(t, def.Gateway.Mode, cfg.Gateway.Mode)
	assert.Equal(t, def.Gateway.AFTRIPv4, cfg.Gateway.AFTRIPv4)
	assert.Equal(t, def.Gateway.B4IPv4, cfg.Gateway.B4IPv4)
	assert.Equal(t, def.Gateway.Workers, cfg.Gateway.Workers)
	assert.Equal(t, def.Gateway.IdleTimeout, cfg.Gateway.IdleTimeout)
	assert.Equal(t, def.Gateway.SweepInterval, cfg.Gateway.SweepInterval)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var cfg Config
		cfg.InitDefaults()
		cfg.Gateway.AFTRAddr = "2001:db8:ffff::1"
		return cfg
	}

	t.Run("valid aftr", func(t *testing.T) {
		cfg := valid()
		assert.NoError(t, cfg.Validate())
	})
	t.Run("missing aftr addr", func(t *testing.T) {
		cfg := valid()
		cfg.Gateway.AFTRAddr = ""
		assert.Error(t, cfg.Validate())
	})
	t.Run("aftr addr not v6", func(t *testing.T) {
		cfg := valid()
		cfg.Gateway.AFTRAddr = "192.0.2.1"
		assert.Error(t, cfg.Validate())
	})
	t.Run("ce requires b4 addr", func(t *testing.T) {
		cfg := valid()
		cfg.Gateway.Mode = "ce"
		assert.Error(t, cfg.Validate())
		cfg.Gateway.B4Addr = "2001:db8::b4"
		assert.NoError(t, cfg.Validate())
	})
	t.Run("bad mode", func(t *testing.T) {
		cfg := valid()
		cfg.Gateway.Mode = "relay"
		assert.Error(t, cfg.Validate())
	})
	t.Run("bad pool address", func(t *testing.T) {
		cfg := valid()
		cfg.Pools = []PoolEntry{{Addresses: []string{"2001:db8::1"}}}
		assert.Error(t, cfg.Validate())
	})
	t.Run("empty pool entry", func(t *testing.T) {
		cfg := valid()
		cfg.Pools = []PoolEntry{{FIB: 1}}
		assert.Error(t, cfg.Validate())
	})
}

func TestInitDefaults(t *testing.T) {
	var cfg Config
	cfg.InitDefaults()
	assert.Equal(t, "aftr", cfg.Gateway.Mode)
	assert.Equal(t, 1, cfg.Gateway.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Gateway.IdleTimeout.Duration)
	assert.Equal(t, 10*time.Second, cfg.Gateway.SweepInterval.Duration)
	assert.Equal(t, DefaultTunnelName, cfg.Tunnel.TunnelName)
	assert.Equal(t, "info", cfg.Logging.Level)
}
