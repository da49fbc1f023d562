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

import "io"

const configSample = `[log]
# Level of the logging entries: debug, info or error. (default "info")
level = "info"
# Format of the log entries: human or json. (default "human")
format = "human"

[metrics]
# Address the Prometheus exporter listens on. Empty disables it.
# (default ":30452")
prometheus = ":30452"

[api]
# Address the management API listens on. Empty disables it.
# (default ":30552")
addr = ":30552"

[gateway]
# Role of this gateway: "aftr" terminates softwire tunnels and translates,
# "ce" frames the local IPv4 traffic into the softwire. (default "aftr")
mode = "aftr"
# IPv6 tunnel endpoint of the AFTR. Required.
aftr_addr = "2001:db8:ffff::1"
# Local softwire address, required in ce mode.
# b4_addr = "2001:db8::b4"
# IPv4 addresses of the tunnel endpoints inside the softwire.
# (defaults "192.0.0.1" and "192.0.0.2", per RFC 6333)
aftr_ipv4 = "192.0.0.1"
b4_ipv4 = "192.0.0.2"
# FIB index scoping all translations of this instance. (default 0)
fib = 0
# Number of worker shards. (default 1)
workers = 1
# Upper bounds of each worker shard. Zero picks the built-in defaults.
# max_sessions = 65536
# max_b4s = 8192
# How long a session may sit idle before it is swept. (default "10m")
session_idle_timeout = "10m"
# How often each worker scans for idle sessions. (default "10s")
sweep_interval = "10s"

[tunnel]
# TUN device facing the softwire tunnels. (default "dslite0")
tunnel_name = "dslite0"
# TUN device facing the IPv4 side. (default "dslite1")
wire_name = "dslite1"

# Public translation pools, one entry per FIB. aftr mode only.
[[pool]]
fib = 0
addresses = ["192.0.2.1"]
prefixes = ["198.51.100.0/28"]
`

// Sample writes a commented sample config.
func Sample(dst io.Writer) error {
	_, err := dst.Write([]byte(configSample))
	return err
}
