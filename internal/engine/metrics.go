package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "farplay"

// metrics holds the Prometheus collectors of one engine.
type metrics struct {
	framesSent     prometheus.Counter
	framesSkipped  *prometheus.CounterVec
	frameBytes     prometheus.Histogram
	framesDecoded  prometheus.Counter
	framesRejected *prometheus.CounterVec
	frameInterval  prometheus.Gauge
	frameBudget    prometheus.Gauge
	keyframeAvg    prometheus.Gauge
	rateChanges    *prometheus.CounterVec
	sendRate       prometheus.Gauge
	receiveRate    prometheus.Gauge
	audioBuffered  prometheus.Gauge
	audioResets    prometheus.Counter
	notifications  *prometheus.CounterVec
	sessions       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, role string) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"role": role}

	return &metrics{
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_sent_total",
			Help:        "Encoded frames handed to the transport",
			ConstLabels: labels,
		}),
		framesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_skipped_total",
			Help:        "Frames that produced no packet, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		frameBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "frame_bytes",
			Help:        "Compressed frame packet size in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 2, 10), // 256B to 128KB
		}),
		framesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_decoded_total",
			Help:        "Frame packets decoded successfully",
			ConstLabels: labels,
		}),
		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "frames_rejected_total",
			Help:        "Frame packets dropped by the decoder, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		frameInterval: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "frame_interval_ticks",
			Help:        "Ticks between sent frames",
			ConstLabels: labels,
		}),
		frameBudget: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "frame_budget_bytes",
			Help:        "Compressed size budget per frame, 0 when disabled",
			ConstLabels: labels,
		}),
		keyframeAvg: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "keyframe_bytes_average",
			Help:        "Moving average of keyframe packet size",
			ConstLabels: labels,
		}),
		rateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "rate_adjustments_total",
			Help:        "Rate controller changes by controlled quantity and direction",
			ConstLabels: labels,
		}, []string{"quantity", "direction"}),
		sendRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "link_send_bytes_per_second",
			Help:        "Measured transport send rate",
			ConstLabels: labels,
		}),
		receiveRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "link_receive_bytes_per_second",
			Help:        "Measured transport receive rate",
			ConstLabels: labels,
		}),
		audioBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "audio_buffered_bytes",
			Help:        "PCM bytes waiting in the relay buffer",
			ConstLabels: labels,
		}),
		audioResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "audio_resets_total",
			Help:        "Relay buffer resets after exceeding the latency cap",
			ConstLabels: labels,
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "session_notifications_total",
			Help:        "Session notifications raised, by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "sessions_total",
			Help:        "Sessions created",
			ConstLabels: labels,
		}),
	}
}
