package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"server", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "route", "status"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "bridge",
			Name:      "frames_total",
			Help:      "Inbound frames by classified kind.",
		},
		[]string{"kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "bridge",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by reason.",
		},
		[]string{"reason"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgelink",
			Subsystem: "command",
			Name:      "completed_total",
			Help:      "Finished commands by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgelink",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command duration from issue to termination.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
	chunksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "command",
			Name:      "write_chunks_in_flight",
			Help:      "Write chunks emitted but not yet acknowledged.",
		},
	)
	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "bridge",
			Name:      "connection_state",
			Help:      "Connection state (0 closed, 1 connecting, 2 open, 3 closing).",
		},
	)
	mirrorNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edgelink",
			Subsystem: "mirror",
			Name:      "nodes",
			Help:      "Nodes currently held by the mirrored tree.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesReceived, framesDropped,
			commands, commandDuration,
			chunksInFlight, connectionState, mirrorNodes,
		)
	})
}

func RecordHTTPRequest(server, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, route, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(kind string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(kind).Inc()
}

func RecordDroppedFrame(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}

func RecordCommand(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(method, outcome).Inc()
	commandDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

func SetChunksInFlight(n int) {
	RegisterMetrics()
	chunksInFlight.Set(float64(n))
}

func SetConnectionState(state int) {
	RegisterMetrics()
	connectionState.Set(float64(state))
}

func SetMirrorNodes(n int) {
	RegisterMetrics()
	mirrorNodes.Set(float64(n))
}
