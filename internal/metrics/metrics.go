// Package metrics provides Prometheus metrics for the Aurora server.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the instrumentation for event delivery and terminal
// coordination. Counters are incremented inline by the owning components;
// gauges are refreshed from the store by the Collector sweep.
type Metrics struct {
	EventsPublished    *prometheus.CounterVec
	DeliveryOutcomes   *prometheus.CounterVec
	RetryAttempts      prometheus.Counter
	WebhookDuplicates  prometheus.Counter
	AckProcessingMs    prometheus.Histogram
	DeadLettersOpen    prometheus.Gauge
	TerminalsConnected prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_events_published_total",
			Help: "Subscription events appended to the event log, by event type.",
		}, []string{"event_type"}),
		DeliveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_event_deliveries_total",
			Help: "Per-terminal delivery outcomes: delivered, retried, dead_lettered.",
		}, []string{"outcome"}),
		RetryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aurora_delivery_retry_attempts_total",
			Help: "Delivery push attempts beyond the first.",
		}),
		WebhookDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aurora_webhook_duplicates_total",
			Help: "Inbound billing webhooks skipped by the idempotency ledger.",
		}),
		AckProcessingMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aurora_ack_processing_milliseconds",
			Help:    "Terminal-reported event processing time.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		DeadLettersOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aurora_dead_letters_open",
			Help: "Dead-letter entries awaiting review.",
		}),
		TerminalsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aurora_terminals_connected",
			Help: "Terminal sessions currently connected.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.EventsPublished,
		m.DeliveryOutcomes,
		m.RetryAttempts,
		m.WebhookDuplicates,
		m.AckProcessingMs,
		m.DeadLettersOpen,
		m.TerminalsConnected,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CollectorStore is the persistence surface the gauge refresh needs.
type CollectorStore interface {
	CountOpenDeadLetters(ctx context.Context) (int64, error)
	CountAllConnectedSessions(ctx context.Context) (int64, error)
}

// Collector periodically refreshes store-derived gauges.
type Collector struct {
	store    CollectorStore
	metrics  *Metrics
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a gauge refresh sweep.
func NewCollector(store CollectorStore, m *Metrics, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		metrics:  m,
		interval: interval,
		logger:   logger.With().Str("component", "metrics_collector").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.refresh(ctx)
		for {
			select {
			case <-ticker.C:
				c.refresh(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) refresh(ctx context.Context) {
	if open, err := c.store.CountOpenDeadLetters(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to count open dead letters")
	} else {
		c.metrics.DeadLettersOpen.Set(float64(open))
	}

	if connected, err := c.store.CountAllConnectedSessions(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to count connected sessions")
	} else {
		c.metrics.TerminalsConnected.Set(float64(connected))
	}
}
