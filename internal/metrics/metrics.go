package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Process-wide counters. Cheap to bump from hot paths; scraped via promhttp.
var (
	TicksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionflow_ticks_received_total",
		Help: "Ticks received from the broker feed.",
	})

	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionflow_ticks_dropped_total",
		Help: "Ticks dropped for unsubscribed or unknown tokens.",
	})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionflow_feed_reconnects_total",
		Help: "Feed reconnection attempts.",
	})

	DecisionsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_decisions_total",
		Help: "Decisions emitted, by action.",
	}, []string{"action"})

	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_gate_rejections_total",
		Help: "Safety gate rejections, by rule.",
	}, []string{"rule"})

	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_rate_limit_waits_total",
		Help: "Gateway calls that waited on an endpoint-class budget.",
	}, []string{"class"})

	LoginAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionflow_login_attempts_total",
		Help: "Broker login requests issued.",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionflow_open_positions",
		Help: "Currently open positions.",
	})
)

// Serve exposes /metrics on addr. Runs until the process exits.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
}
