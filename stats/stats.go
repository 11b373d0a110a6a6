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

// Package stats reports internal daemon counters and gauges so they can
// be scraped for monitoring: packets sent/received/dropped, the system
// offset and jitter the discipline loop is tracking, and per-peer
// selection status.
package stats

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Reporter exposes the daemon's internal counters and gauges. It is an
// interface so the engine never depends on a concrete Prometheus
// registry directly.
type Reporter interface {
	IncPacketsReceived()
	IncPacketsSent()
	IncPacketsDropped(reason string)
	SetSystemOffset(seconds float64)
	SetSystemJitter(seconds float64)
	SetPeerStatus(peer string, status int)
	Start(port int)
}

// Prom is a Reporter backed by a Prometheus registry.
type Prom struct {
	registry *prometheus.Registry

	packetsReceived prometheus.Counter
	packetsSent     prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	systemOffset    prometheus.Gauge
	systemJitter    prometheus.Gauge
	peerStatus      *prometheus.GaugeVec
}

// NewProm builds a Reporter with all metrics registered.
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ntpd_packets_received_total",
			Help: "Total NTP packets received.",
		}),
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ntpd_packets_sent_total",
			Help: "Total NTP packets sent.",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntpd_packets_dropped_total",
			Help: "Total NTP packets dropped, by reason.",
		}, []string{"reason"}),
		systemOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_system_offset_seconds",
			Help: "Current disciplined clock offset estimate, in seconds.",
		}),
		systemJitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_system_jitter_seconds",
			Help: "Current disciplined clock jitter estimate, in seconds.",
		}),
		peerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ntpd_peer_selection_status",
			Help: "Selection status code of each configured peer.",
		}, []string{"peer"}),
	}
	p.registry.MustRegister(
		p.packetsReceived,
		p.packetsSent,
		p.packetsDropped,
		p.systemOffset,
		p.systemJitter,
		p.peerStatus,
	)
	return p
}

// IncPacketsReceived implements Reporter.
func (p *Prom) IncPacketsReceived() { p.packetsReceived.Inc() }

// IncPacketsSent implements Reporter.
func (p *Prom) IncPacketsSent() { p.packetsSent.Inc() }

// IncPacketsDropped implements Reporter.
func (p *Prom) IncPacketsDropped(reason string) { p.packetsDropped.WithLabelValues(reason).Inc() }

// SetSystemOffset implements Reporter.
func (p *Prom) SetSystemOffset(seconds float64) { p.systemOffset.Set(seconds) }

// SetSystemJitter implements Reporter.
func (p *Prom) SetSystemJitter(seconds float64) { p.systemJitter.Set(seconds) }

// SetPeerStatus implements Reporter.
func (p *Prom) SetPeerStatus(peer string, status int) {
	p.peerStatus.WithLabelValues(peer).Set(float64(status))
}

// Start serves /metrics on port until the process exits.
func (p *Prom) Start(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	addr := fmt.Sprintf(":%d", port)
	log.Debugf("starting prometheus exporter on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.Errorf("metrics server stopped: %v", err)
	}
}
