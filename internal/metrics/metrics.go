package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the ingestion pipeline.
type Registry struct {
	// Message flow metrics
	Messages *prometheus.CounterVec
	Parsed   *prometheus.CounterVec
	Linked   *prometheus.CounterVec

	// Handler timing
	HandleDuration *prometheus.HistogramVec

	// Sink fan-out metrics
	SinkWrites  *prometheus.CounterVec
	SinkHealthy *prometheus.GaugeVec

	// Stream connection metrics
	Reconnects prometheus.Counter
	QueueDepth prometheus.Gauge

	// Linker cache performance
	LinkCacheHitRatio prometheus.Gauge
	LinkCacheHits     *prometheus.CounterVec
	LinkCacheMisses   *prometheus.CounterVec
}

// NewRegistry creates a metrics registry and registers every instrument.
func NewRegistry() *Registry {
	registry := &Registry{
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callstream_messages_total",
				Help: "Total number of raw messages received by channel",
			},
			[]string{"channel"},
		),

		Parsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callstream_parsed_total",
				Help: "Total number of messages parsed into calls by message type",
			},
			[]string{"type"},
		),

		Linked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callstream_linked_total",
				Help: "Total number of update calls linked to a discovery by method",
			},
			[]string{"method"},
		),

		HandleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callstream_handle_seconds",
				Help:    "Duration of end-to-end message handling in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"channel", "result"},
		),

		SinkWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callstream_sink_writes_total",
				Help: "Total number of sink append attempts by sink and result",
			},
			[]string{"sink", "result"},
		),

		SinkHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callstream_sink_healthy",
				Help: "Sink health by sink name (1=healthy, 0=unhealthy)",
			},
			[]string{"sink"},
		),

		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callstream_reconnects_total",
				Help: "Total number of stream reconnect attempts",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callstream_queue_depth",
				Help: "Number of events buffered between the stream and the handler",
			},
		),

		LinkCacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callstream_link_cache_hit_ratio",
				Help: "Current linker cache hit ratio (0.0 to 1.0)",
			},
		),

		LinkCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callstream_link_cache_hits_total",
				Help: "Total number of linker cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		LinkCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callstream_link_cache_misses_total",
				Help: "Total number of linker cache misses by cache type",
			},
			[]string{"cache_type"},
		),
	}

	prometheus.MustRegister(
		registry.Messages,
		registry.Parsed,
		registry.Linked,
		registry.HandleDuration,
		registry.SinkWrites,
		registry.SinkHealthy,
		registry.Reconnects,
		registry.QueueDepth,
		registry.LinkCacheHitRatio,
		registry.LinkCacheHits,
		registry.LinkCacheMisses,
	)

	return registry
}

// HandleTimer tracks execution time for a single message pass.
type HandleTimer struct {
	metrics *Registry
	channel string
	start   time.Time
}

// StartHandleTimer begins timing a message handling pass.
func (m *Registry) StartHandleTimer(channel string) *HandleTimer {
	return &HandleTimer{
		metrics: m,
		channel: channel,
		start:   time.Now(),
	}
}

// Stop completes the timing and records the observation.
func (ht *HandleTimer) Stop(result string) {
	if ht == nil || ht.metrics == nil {
		return
	}
	duration := time.Since(ht.start)
	ht.metrics.HandleDuration.WithLabelValues(ht.channel, result).Observe(duration.Seconds())

	log.Debug().
		Str("channel", ht.channel).
		Str("result", result).
		Dur("duration", duration).
		Msg("Message handled")
}

// RecordLinkCacheHit records a linker cache hit for the given cache type.
func (m *Registry) RecordLinkCacheHit(cacheType string) {
	m.LinkCacheHits.WithLabelValues(cacheType).Inc()
	m.updateLinkCacheHitRatio()
}

// RecordLinkCacheMiss records a linker cache miss for the given cache type.
func (m *Registry) RecordLinkCacheMiss(cacheType string) {
	m.LinkCacheMisses.WithLabelValues(cacheType).Inc()
	m.updateLinkCacheHitRatio()
}

// updateLinkCacheHitRatio recalculates the hit ratio gauge from the counters.
func (m *Registry) updateLinkCacheHitRatio() {
	hitMetrics := &io_prometheus_client.Metric{}
	missMetrics := &io_prometheus_client.Metric{}

	totalHits := 0.0
	totalMisses := 0.0

	cacheTypes := []string{"reply", "contract", "token"}

	for _, cacheType := range cacheTypes {
		if hitCounter, err := m.LinkCacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := hitCounter.Write(hitMetrics); err == nil {
				totalHits += hitMetrics.GetCounter().GetValue()
			}
		}

		if missCounter, err := m.LinkCacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := missCounter.Write(missMetrics); err == nil {
				totalMisses += missMetrics.GetCounter().GetValue()
			}
		}
	}

	total := totalHits + totalMisses
	if total > 0 {
		m.LinkCacheHitRatio.Set(totalHits / total)
	}
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// Default is the global metrics registry instance.
var Default *Registry

// Initialize sets up the global metrics registry. Safe to call more than
// once; only the first call registers instruments.
func Initialize() {
	if Default != nil {
		return
	}
	Default = NewRegistry()
	log.Info().Msg("Prometheus metrics registry initialized")
}

// MessageReceived counts a raw message arrival for a channel.
func MessageReceived(channel string) {
	if Default == nil {
		return
	}
	Default.Messages.WithLabelValues(channel).Inc()
}

// MessageParsed counts a successful parse by message type.
func MessageParsed(messageType string) {
	if Default == nil {
		return
	}
	Default.Parsed.WithLabelValues(messageType).Inc()
}

// CallLinked counts a successful discovery link by method.
func CallLinked(method string) {
	if Default == nil {
		return
	}
	Default.Linked.WithLabelValues(method).Inc()
}

// SinkWrite counts a sink append attempt and its outcome.
func SinkWrite(sink string, ok bool) {
	if Default == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	Default.SinkWrites.WithLabelValues(sink, result).Inc()
}

// SetSinkHealthy publishes the health flag for a sink.
func SetSinkHealthy(sink string, healthy bool) {
	if Default == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	Default.SinkHealthy.WithLabelValues(sink).Set(value)
}

// Reconnect counts a stream reconnect attempt.
func Reconnect() {
	if Default == nil {
		return
	}
	Default.Reconnects.Inc()
}

// SetQueueDepth publishes the current event buffer depth.
func SetQueueDepth(depth int) {
	if Default == nil {
		return
	}
	Default.QueueDepth.Set(float64(depth))
}

// LinkCacheHit records a linker cache hit on the global registry.
func LinkCacheHit(cacheType string) {
	if Default == nil {
		return
	}
	Default.RecordLinkCacheHit(cacheType)
}

// LinkCacheMiss records a linker cache miss on the global registry.
func LinkCacheMiss(cacheType string) {
	if Default == nil {
		return
	}
	Default.RecordLinkCacheMiss(cacheType)
}

// Timer starts a handle timer on the global registry. Returns nil when
// metrics are not initialized; Stop on a nil timer is a no-op.
func Timer(channel string) *HandleTimer {
	if Default == nil {
		return nil
	}
	return Default.StartHandleTimer(channel)
}

// Handler returns an HTTP handler exposing the registered metrics. It
// serves whatever is registered even before Initialize runs.
func Handler() http.Handler {
	return promhttp.Handler()
}
