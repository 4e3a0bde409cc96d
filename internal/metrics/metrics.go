// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus instruments for the chat engine.
//
// # Key Types
//
//   - Collector: Frame, decryption and turn counters plus latency histograms
//
// # Usage
//
//	m := metrics.New()
//	http.Handle("/metrics", m.Handler())
//	m.FrameReceived("content")
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "veilchat"

// Collector holds the engine's instruments on a private registry.
type Collector struct {
	registry *prometheus.Registry

	framesReceived  *prometheus.CounterVec
	framesDropped   prometheus.Counter
	decryptFailures prometheus.Counter
	turns           *prometheus.CounterVec
	renderUpdates   prometheus.Counter
	firstToken      prometheus.Histogram
	turnDuration    prometheus.Histogram
}

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Stream frames decoded, by kind.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Malformed stream frames dropped.",
		}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Encrypted frames that failed to decrypt.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns, by outcome.",
		}, []string{"outcome"}),
		renderUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_updates_total",
			Help:      "Coalesced answer updates applied.",
		}),
		firstToken: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_seconds",
			Help:      "Time from request to first answer text.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from request to the end of the turn.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.framesReceived,
		c.framesDropped,
		c.decryptFailures,
		c.turns,
		c.renderUpdates,
		c.firstToken,
		c.turnDuration,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// FrameReceived counts a decoded frame.
func (c *Collector) FrameReceived(kind string) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(kind).Inc()
}

// FrameDropped counts a malformed frame.
func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesDropped.Inc()
}

// DecryptFailed counts a frame that could not be decrypted.
func (c *Collector) DecryptFailed() {
	if c == nil {
		return
	}
	c.decryptFailures.Inc()
}

// RenderUpdate counts a coalesced answer update.
func (c *Collector) RenderUpdate() {
	if c == nil {
		return
	}
	c.renderUpdates.Inc()
}

// FirstToken records time to first answer text.
func (c *Collector) FirstToken(d time.Duration) {
	if c == nil {
		return
	}
	c.firstToken.Observe(d.Seconds())
}

// TurnFinished records a turn's outcome and duration.
func (c *Collector) TurnFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.turns.WithLabelValues(outcome).Inc()
	c.turnDuration.Observe(d.Seconds())
}
