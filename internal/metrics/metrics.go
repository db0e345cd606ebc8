// Package metrics exposes engine counters for Prometheus scraping.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "tgblast/pkg/logx"
)

type Metrics struct {
	// SendsTotal counts classified send attempts, labelled by result
	// (success, transient, permanent, rate_limited, systemic).
	SendsTotal *prometheus.CounterVec
	// RetriesTotal counts transient requeues.
	RetriesTotal prometheus.Counter
	// InFlight is the number of sends currently on the wire.
	InFlight prometheus.Gauge
	// SendLatency observes the duration of one channel send call.
	SendLatency prometheus.Histogram
	// CooldownsTotal counts pool-wide flood cooldowns.
	CooldownsTotal prometheus.Counter
	// JobsTotal counts job finalizations by terminal status.
	JobsTotal *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blast_sends_total",
			Help: "Send attempts by classified result.",
		}, []string{"result"}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "blast_retries_total",
			Help: "Transient failures requeued for another attempt.",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "blast_sends_in_flight",
			Help: "Sends currently awaiting a channel response.",
		}),
		SendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "blast_send_latency_seconds",
			Help:    "Latency of a single channel send call.",
			Buckets: prometheus.DefBuckets,
		}),
		CooldownsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "blast_cooldowns_total",
			Help: "Pool-wide flood cooldowns engaged.",
		}),
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "blast_jobs_total",
			Help: "Finalized jobs by terminal status.",
		}, []string{"status"}),
	}
}

// Nop returns metrics bound to a throwaway registry; handy for tests and for
// components constructed without observability wiring.
func Nop() *Metrics { return New(prometheus.NewRegistry()) }

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, log logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()

	log.Info("metrics listener started", logx.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics listener failed", logx.Err(err))
	}
}
