// Package metrics exposes the counters and gauges an operator needs to see
// the handshake/reassembly pipeline working: ingress queue depth, sessions
// by state, reassembled frames, retransmission flushes, and malformed-frame
// drops. Grounded on the prometheus/client_golang promauto usage in
// warpcomdev-asicamera2's internal/driver/jpeg package, the only repo in
// this corpus that actually instruments a camera pipeline with it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngressQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "a9v720_ingress_queue_depth",
		Help: "Current number of raw frames waiting in the ingress queue.",
	})

	IngressInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "a9v720_ingress_inflight_workers",
		Help: "Current number of ingress worker goroutines processing a frame.",
	})

	SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "a9v720_sessions_by_state",
		Help: "Current number of camera sessions in each handshake state.",
	}, []string{"state"})

	FramesReassembled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a9v720_frames_reassembled_total",
		Help: "Completed frame reassemblies, by kind (only video frames are reassembled).",
	}, []string{"kind"})

	RetransmitFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "a9v720_retransmit_flushes_total",
		Help: "Number of CMD=605 retransmission-confirmation flushes sent.",
	})

	MalformedFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a9v720_malformed_frames_dropped_total",
		Help: "Frames dropped for failing header or JSON parsing, by reason.",
	}, []string{"reason"})

	BootstrapRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "a9v720_bootstrap_requests_total",
		Help: "Bootstrap HTTP requests handled, by route and HTTP status code.",
	}, []string{"route", "status"})
)
