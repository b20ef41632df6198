// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/felixge/fgtrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/sentry"
)

var (
	namespace = "umh"
	subsystem = "topology"

	elementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "configuration_elements_total",
			Help:      "Configuration elements applied, by action, entity kind and outcome",
		},
		[]string{"action", "kind", "status"},
	)

	elementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "configuration_element_duration_seconds",
			Help:      "Time taken to apply a single configuration element",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"action", "kind"},
	)

	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_evictions_total",
			Help:      "Entities forcibly evicted from the cache after an unrecoverable failure",
		},
		[]string{"kind", "reason"},
	)

	cacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_entries",
			Help:      "Number of live entities in the cache",
		},
		[]string{"kind"},
	)

	lockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entity_lock_wait_seconds",
			Help:      "Time spent waiting for an entity write lock",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1, 10},
		},
	)

	aliveWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alive_watches",
			Help:      "Number of processes with an active alive-timer watch",
		},
	)

	aliveExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alive_expirations_total",
			Help:      "Alive timers that expired without a heartbeat",
		},
	)

	fleetOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fleet_operations_total",
			Help:      "Subscribe and unsubscribe calls against the DAQ fleet, by result",
		},
		[]string{"operation", "result"},
	)

	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_operations_total",
			Help:      "Persistence calls issued by the orchestrator, by result",
		},
		[]string{"operation", "kind", "result"},
	)
)

// ObserveElement records the outcome and latency of one configuration element.
func ObserveElement(action, kind, status string, took time.Duration) {
	elementsTotal.WithLabelValues(action, kind, status).Inc()
	elementDuration.WithLabelValues(action, kind).Observe(took.Seconds())
}

func IncCacheEviction(kind, reason string) {
	cacheEvictions.WithLabelValues(kind, reason).Inc()
}

func SetCacheEntries(kind string, n int) {
	cacheEntries.WithLabelValues(kind).Set(float64(n))
}

func ObserveLockWait(took time.Duration) {
	lockWait.Observe(took.Seconds())
}

func SetAliveWatches(n int) {
	aliveWatches.Set(float64(n))
}

func IncAliveExpiration() {
	aliveExpirations.Inc()
}

func IncFleetOperation(operation string, err error) {
	fleetOps.WithLabelValues(operation, result(err)).Inc()
}

func IncStoreOperation(operation, kind string, err error) {
	storeOps.WithLabelValues(operation, kind, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}

// Handler serves /metrics and, with goroutineTrace set, a wall-clock goroutine
// profile under /debug/fgtrace.
func Handler(goroutineTrace bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if goroutineTrace {
		logger.For(logger.ComponentMetrics).Warn("fgtrace is enabled on /debug/fgtrace, this might hurt performance")
		mux.Handle("/debug/fgtrace", fgtrace.Config{})
	}

	return mux
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics.
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string, goroutineTrace bool) *http.Server {
	server := &http.Server{
		Addr:        addr,
		Handler:     Handler(goroutineTrace),
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}
