// Package observability exposes the service's Prometheus metrics. A nil
// *Collector is valid and records nothing.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	SessionsActive    prometheus.Gauge
	RoomsActive       prometheus.Gauge
	Changes           *prometheus.CounterVec
	Flushes           *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	FlushLost         prometheus.Counter
	DroppedDeliveries prometheus.Counter
}

// NewCollector registers every metric on a private registry so tests can
// build as many collectors as they like.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Connected WebSocket sessions",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Documents with at least one joined session",
		}),
		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Submitted mutations by outcome",
		}, []string{"result"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Document flush attempts by trigger and outcome",
		}, []string{"trigger", "result"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing a document to the store",
			Buckets:   prometheus.DefBuckets,
		}),
		FlushLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_lost_total",
			Help:      "Documents discarded after the final flush exhausted its retries",
		}),
		DroppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deliveries_total",
			Help:      "Outbound events dropped because a session's queue was full",
		}),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.SessionsActive,
		c.RoomsActive,
		c.Changes,
		c.Flushes,
		c.FlushDuration,
		c.FlushLost,
		c.DroppedDeliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.SessionsActive.Inc()
	}
}

func (c *Collector) SessionClosed() {
	if c != nil {
		c.SessionsActive.Dec()
	}
}

func (c *Collector) SetRooms(n int) {
	if c != nil {
		c.RoomsActive.Set(float64(n))
	}
}

func (c *Collector) Change(result string) {
	if c != nil {
		c.Changes.WithLabelValues(result).Inc()
	}
}

func (c *Collector) Flush(trigger, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Flushes.WithLabelValues(trigger, result).Inc()
	if elapsed > 0 {
		c.FlushDuration.Observe(elapsed.Seconds())
	}
}

func (c *Collector) LostFlush() {
	if c != nil {
		c.FlushLost.Inc()
	}
}

func (c *Collector) DroppedDelivery() {
	if c != nil {
		c.DroppedDeliveries.Inc()
	}
}
