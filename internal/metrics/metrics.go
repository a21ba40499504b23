// Package metrics wires the core's counters into Prometheus, following the
// shape of Harshitk-cp-streamhive's webrtc-out metrics collector: one
// struct of promauto-registered instruments plus a plain method per event.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes the counters BroadcastManager and its collaborators
// record against. A nil *Collector is valid and every method on it is a
// no-op, so components can be constructed without metrics wired in tests.
type Collector struct {
	activeViewers   prometheus.Gauge
	viewersJoined   prometheus.Counter
	viewersLeft     prometheus.Counter
	viewerFailures  *prometheus.CounterVec
	keyframeRequest *prometheus.CounterVec
	queueDrops      *prometheus.CounterVec
	videoBytes      prometheus.Counter
	audioBytes      prometheus.Counter
	turnRefreshes   prometheus.Counter
}

// New registers a fresh set of collectors against the default Prometheus
// registry.
func New() *Collector {
	return &Collector{
		activeViewers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "broadcaster_active_viewers",
			Help: "Number of viewers currently attached to the shared graph.",
		}),
		viewersJoined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_viewers_joined_total",
			Help: "Total number of viewer-joined events processed.",
		}),
		viewersLeft: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_viewers_left_total",
			Help: "Total number of viewer-left events processed.",
		}),
		viewerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_viewer_failures_total",
			Help: "Total number of viewer sessions that transitioned to Failed.",
		}, []string{"reason"}),
		keyframeRequest: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_keyframe_requests_total",
			Help: "Total number of force-keyframe requests, by strategy.",
		}, []string{"strategy"}),
		queueDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcaster_queue_drops_total",
			Help: "Total number of leaky-queue oldest-buffer drops, by media.",
		}, []string{"media"}),
		videoBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_video_bytes_total",
			Help: "Total video RTP payload bytes read from the media source.",
		}),
		audioBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_audio_bytes_total",
			Help: "Total audio RTP payload bytes read from the media source.",
		}),
		turnRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "broadcaster_turn_refreshes_total",
			Help: "Total number of successful TURN credential fetches (Cloudflare or static).",
		}),
	}
}

func (c *Collector) ViewerJoined() {
	if c == nil {
		return
	}
	c.viewersJoined.Inc()
	c.activeViewers.Inc()
}

func (c *Collector) ViewerLeft() {
	if c == nil {
		return
	}
	c.viewersLeft.Inc()
	c.activeViewers.Dec()
}

func (c *Collector) ViewerFailed(reason string) {
	if c == nil {
		return
	}
	c.viewerFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) KeyframeRequested(strategy string) {
	if c == nil {
		return
	}
	c.keyframeRequest.WithLabelValues(strategy).Inc()
}

func (c *Collector) QueueDrop(media string) {
	if c == nil {
		return
	}
	c.queueDrops.WithLabelValues(media).Inc()
}

func (c *Collector) VideoPacket(payloadBytes int) {
	if c == nil {
		return
	}
	c.videoBytes.Add(float64(payloadBytes))
}

func (c *Collector) AudioPacket(payloadBytes int) {
	if c == nil {
		return
	}
	c.audioBytes.Add(float64(payloadBytes))
}

func (c *Collector) TurnRefreshed() {
	if c == nil {
		return
	}
	c.turnRefreshes.Inc()
}

// Handler returns the HTTP handler serving /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}
