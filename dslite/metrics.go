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

package dslite

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dropReason enumerates why a packet was dropped instead of translated. Each
// reason has a dedicated counter; none of them is fatal to the process.
type dropReason uint8

const (
	dropNoTranslation dropReason = iota
	dropOutOfPorts
	dropUnsupportedProtocol
	dropBadIP6Protocol
	dropBadICMPType
	dropResourceExhausted
	numDropReasons
)

func (r dropReason) String() string {
	switch r {
	case dropNoTranslation:
		return "no_translation"
	case dropOutOfPorts:
		return "out_of_ports"
	case dropUnsupportedProtocol:
		return "unsupported_protocol"
	case dropBadIP6Protocol:
		return "bad_ip6_protocol"
	case dropBadICMPType:
		return "bad_icmp_type"
	case dropResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// Traffic directions used as metric labels.
const (
	dirIn2Out  = "in2out"
	dirOut2In  = "out2in"
	dirCEEncap = "ce_encap"
	dirCEDecap = "ce_decap"
)

// Metrics defines the dataplane metrics of the gateway and registers them
// with the default registry.
type Metrics struct {
	TranslatedPacketsTotal *prometheus.CounterVec
	TranslatedBytesTotal   *prometheus.CounterVec
	DroppedPacketsTotal    *prometheus.CounterVec
	SessionsCreatedTotal   prometheus.Counter
	SessionsExpiredTotal   prometheus.Counter
	Sessions               prometheus.Gauge
	B4s                    prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		TranslatedPacketsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslite_translated_pkts_total",
				Help: "Total number of valid DS-Lite packets translated or framed",
			},
			[]string{"direction"},
		),
		TranslatedBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslite_translated_bytes_total",
				Help: "Total number of bytes translated or framed",
			},
			[]string{"direction"},
		),
		DroppedPacketsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dslite_dropped_pkts_total",
				Help: "Total number of packets dropped by the translator",
			},
			[]string{"reason"},
		),
		SessionsCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dslite_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dslite_sessions_expired_total",
				Help: "Total number of sessions destroyed by idle expiry",
			},
		),
		Sessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dslite_sessions",
				Help: "Number of live sessions across all worker shards",
			},
		),
		B4s: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dslite_b4s",
				Help: "Number of known B4 tunnel endpoints across all worker shards",
			},
		),
	}
}

// theMetrics is the process-wide metrics instance. promauto registration
// panics on duplicates, so there can be only one.
var theMetrics = NewMetrics()

// workerMetrics holds the counters of one worker with all labels resolved,
// so that the packet path never touches the label lookup.
type workerMetrics struct {
	in2outPkts  prometheus.Counter
	in2outBytes prometheus.Counter
	out2inPkts  prometheus.Counter
	out2inBytes prometheus.Counter
	ceEncapPkts prometheus.Counter
	ceDecapPkts prometheus.Counter
	drops       [numDropReasons]prometheus.Counter
}

func newWorkerMetrics(m *Metrics) workerMetrics {
	wm := workerMetrics{
		in2outPkts:  m.TranslatedPacketsTotal.WithLabelValues(dirIn2Out),
		in2outBytes: m.TranslatedBytesTotal.WithLabelValues(dirIn2Out),
		out2inPkts:  m.TranslatedPacketsTotal.WithLabelValues(dirOut2In),
		out2inBytes: m.TranslatedBytesTotal.WithLabelValues(dirOut2In),
		ceEncapPkts: m.TranslatedPacketsTotal.WithLabelValues(dirCEEncap),
		ceDecapPkts: m.TranslatedPacketsTotal.WithLabelValues(dirCEDecap),
	}
	for r := dropReason(0); r < numDropReasons; r++ {
		wm.drops[r] = m.DroppedPacketsTotal.WithLabelValues(r.String())
	}
	return wm
}
