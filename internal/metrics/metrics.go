// Package metrics exposes Prometheus instrumentation for the sidecar.
//
// Collectors are registered on the default registry via promauto so any
// package can increment them without plumbing a registry handle through
// every constructor. The /metrics listener is optional and bound to
// localhost by the default configuration.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// CacheHits counts cache-engine lookups answered locally.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sidecache_cache_hits_total",
		Help: "Cache lookups served from the local store.",
	}, []string{"kind"})

	// CacheMisses counts cache-engine lookups that found nothing.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sidecache_cache_misses_total",
		Help: "Cache lookups that missed the local store.",
	}, []string{"kind"})

	// Evictions counts rows removed by LRU eviction.
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sidecache_cache_evictions_total",
		Help: "Rows evicted from the dynamic tier.",
	})

	// EvictedBytes counts bytes freed by LRU eviction.
	EvictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sidecache_cache_evicted_bytes_total",
		Help: "Bytes freed by dynamic-tier eviction.",
	})

	// QueueDepth tracks pending write-queue rows.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sidecache_queue_pending",
		Help: "Write-queue rows waiting for replay.",
	})

	// QueueReplays counts completed replay passes.
	QueueReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sidecache_queue_replays_total",
		Help: "Write-queue replay passes executed.",
	})

	// ReconnectAttempts counts supervisor reconnect attempts.
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sidecache_reconnect_attempts_total",
		Help: "Reconnection attempts made by the connection supervisor.",
	})

	// ConnectionState reports the supervisor state as a one-hot gauge.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sidecache_connection_state",
		Help: "Current connection supervisor state (1 for the active state).",
	}, []string{"state"})
)

// SetConnectionState flips the one-hot state gauge.
func SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connected", "reconnecting", "offline"} {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Serve starts the /metrics listener on addr and returns a shutdown
// function. An empty addr disables the listener and returns a no-op.
func Serve(addr string, log *zap.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics listener failed", zap.String("addr", addr), zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
